package research

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// LLM is the slice of the provider registry the research package needs.
type LLM interface {
	Completion(ctx context.Context, modelKey, prompt string) (string, error)
	StreamCompletion(ctx context.Context, modelKey, prompt string, fn func(chunk string) error) (string, error)
	SupportsStreaming(modelKey string) bool
	Resolve(modelKey string) string
}

// Planner turns a research topic into concrete search queries. It never
// returns an error: when the model call or the parse fails it falls back to
// a single query that searches the topic verbatim.
type Planner struct {
	llm    LLM
	logger *log.Logger
}

func NewPlanner(llm LLM, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLAN] ", log.LstdFlags)
	}
	return &Planner{llm: llm, logger: logger}
}

const genericGoal = "Research this topic thoroughly, directly answering the question."

type plannerResponse struct {
	Queries []GeneratedQuery `json:"queries"`
}

// GenerateQueries produces up to breadth distinct queries for topic,
// steering away from ground already covered by prior learnings.
func (p *Planner) GenerateQueries(ctx context.Context, modelKey, topic string, breadth int, learnings []string) []GeneratedQuery {
	if breadth < 1 {
		breadth = 1
	}

	prompt := p.buildPrompt(topic, breadth, learnings)
	raw, err := p.llm.Completion(ctx, modelKey, prompt)
	if err != nil {
		p.logger.Printf("query generation failed for %q: %v", topic, err)
		return fallbackQueries(topic)
	}

	var parsed plannerResponse
	if err := decodeLooseJSON(raw, &parsed); err != nil {
		p.logger.Printf("query generation returned unparseable output for %q", topic)
		return fallbackQueries(topic)
	}

	out := make([]GeneratedQuery, 0, breadth)
	seen := make(map[string]struct{})
	for _, q := range parsed.Queries {
		query := strings.TrimSpace(q.Query)
		if query == "" {
			continue
		}
		lower := strings.ToLower(query)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		goal := strings.TrimSpace(q.ResearchGoal)
		if goal == "" {
			goal = genericGoal
		}
		out = append(out, GeneratedQuery{Query: query, ResearchGoal: goal})
		if len(out) == breadth {
			break
		}
	}
	if len(out) == 0 {
		return fallbackQueries(topic)
	}
	return out
}

func fallbackQueries(topic string) []GeneratedQuery {
	return []GeneratedQuery{{Query: topic, ResearchGoal: genericGoal}}
}

func (p *Planner) buildPrompt(topic string, breadth int, learnings []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a research planner. Given a topic, produce up to %d distinct web search queries that together cover it well. Each query gets a short researchGoal explaining what it should uncover.

Topic: %s
`, breadth, topic)
	if len(learnings) > 0 {
		b.WriteString("\nAlready learned (do not repeat, dig deeper instead):\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	b.WriteString(`
Respond with JSON only, no prose:
{"queries": [{"query": "...", "researchGoal": "..."}]}
`)
	return b.String()
}
