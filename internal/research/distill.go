package research

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Distiller condenses raw search results into discrete learnings and
// follow-up questions that seed the next research level.
type Distiller struct {
	llm    LLM
	logger *log.Logger
}

func NewDistiller(llm LLM, logger *log.Logger) *Distiller {
	if logger == nil {
		logger = log.New(log.Writer(), "[DISTILL] ", log.LstdFlags)
	}
	return &Distiller{llm: llm, logger: logger}
}

// Distillation is what one round of result processing yields.
type Distillation struct {
	Learnings []string
	FollowUps []GeneratedQuery
}

type distillResponse struct {
	Learnings         []string `json:"learnings"`
	FollowUpQuestions []string `json:"followUpQuestions"`
}

// Distill extracts up to maxLearnings learnings and maxFollowUps follow-up
// queries from the results of one search. With no results it returns empty
// without spending a model call; a failed call or parse also returns empty.
func (d *Distiller) Distill(ctx context.Context, modelKey, query string, results []SearchResult, maxLearnings, maxFollowUps int) Distillation {
	if len(results) == 0 {
		return Distillation{}
	}

	raw, err := d.llm.Completion(ctx, modelKey, d.buildPrompt(query, results, maxLearnings, maxFollowUps))
	if err != nil {
		d.logger.Printf("distillation failed for %q: %v", query, err)
		return Distillation{}
	}

	var parsed distillResponse
	if err := decodeLooseJSON(raw, &parsed); err != nil {
		d.logger.Printf("distillation returned unparseable output for %q", query)
		return Distillation{}
	}

	out := Distillation{}
	for _, l := range parsed.Learnings {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out.Learnings = append(out.Learnings, l)
		if len(out.Learnings) == maxLearnings {
			break
		}
	}
	for _, q := range parsed.FollowUpQuestions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out.FollowUps = append(out.FollowUps, GeneratedQuery{Query: q, ResearchGoal: genericGoal})
		if len(out.FollowUps) == maxFollowUps {
			break
		}
	}
	return out
}

func (d *Distiller) buildPrompt(query string, results []SearchResult, maxLearnings, maxFollowUps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a research analyst. From the search results below, extract the key learnings relevant to the query, and propose follow-up questions that would deepen the research.

Query: %s

Results:
`, query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	fmt.Fprintf(&b, `
Return at most %d learnings and %d follow-up questions. Each learning is one self-contained factual sentence; include concrete entities, numbers and dates where present.

Respond with JSON only, no prose:
{"learnings": ["..."], "followUpQuestions": ["..."]}
`, maxLearnings, maxFollowUps)
	return b.String()
}
