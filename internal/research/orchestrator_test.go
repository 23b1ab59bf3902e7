package research

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkamali/deepscout/internal/config"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type stubLLM struct {
	completion    string
	completionErr error
	completeFn    func(modelKey, prompt string) (string, error)
	streaming     bool
	streamChunks  []string

	mu              sync.Mutex
	lastPrompt      string
	completionCalls int
	prompts         []string
}

func (s *stubLLM) Completion(_ context.Context, modelKey, prompt string) (string, error) {
	s.mu.Lock()
	s.completionCalls++
	s.lastPrompt = prompt
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.completeFn != nil {
		return s.completeFn(modelKey, prompt)
	}
	return s.completion, s.completionErr
}

func (s *stubLLM) StreamCompletion(_ context.Context, modelKey, prompt string, fn func(string) error) (string, error) {
	s.mu.Lock()
	s.lastPrompt = prompt
	s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.streamChunks {
		if err := fn(c); err != nil {
			return b.String(), err
		}
		b.WriteString(c)
	}
	return b.String(), nil
}

func (s *stubLLM) SupportsStreaming(string) bool { return s.streaming }

func (s *stubLLM) Resolve(key string) string {
	if key == "" {
		return "balanced"
	}
	return key
}

func (s *stubLLM) promptCount(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if strings.Contains(p, substr) {
			n++
		}
	}
	return n
}

type stubSearcher struct {
	fn func(query string) SearchOutcome

	mu      sync.Mutex
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, query string) SearchOutcome {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return s.fn(query)
}

func (s *stubSearcher) searchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func successOutcome(urls ...string) SearchOutcome {
	var out SearchOutcome
	out.Succeeded = true
	for i, u := range urls {
		out.Results = append(out.Results, SearchResult{Title: fmt.Sprintf("Result %d", i+1), URL: u, Snippet: "snippet"})
		out.Sources = append(out.Sources, Source{Title: fmt.Sprintf("Result %d", i+1), URL: u, Domain: deriveDomain(u), Relevance: relevanceForRank(i)})
	}
	return out
}

func newTestOrchestrator(llm LLM, searcher Searcher) *Orchestrator {
	return NewOrchestrator(
		config.ResearchConfig{Concurrency: 2, MaxLearnings: 5, MaxFollowUps: 3},
		config.LLMRoutingConfig{Default: "balanced"},
		llm, searcher, nil, nil, testLogger(),
	)
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func frameOfType(events []StreamEvent, typ EventType) (StreamEvent, bool) {
	for _, ev := range events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return StreamEvent{}, false
}

func framesOfType(events []StreamEvent, typ EventType) []StreamEvent {
	var out []StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRegularRunWithResults(t *testing.T) {
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome(
			"https://a.example/1", "https://b.example/2", "https://c.example/3",
			"https://d.example/4", "https://e.example/5",
		)
	}}
	llm := &stubLLM{completion: "# History of Cryptocurrency\n\nBody."}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{
		Query: "history of cryptocurrency",
	}))

	sr := framesOfType(events, EventSearchResults)
	if len(sr) != 1 {
		t.Fatalf("expected one search_results frame, got %d", len(sr))
	}
	for i := 1; i <= 5; i++ {
		if !strings.Contains(sr[0].Content.(string), fmt.Sprintf("Result %d", i)) {
			t.Fatalf("search_results frame missing result %d: %v", i, sr[0].Content)
		}
	}

	src, ok := frameOfType(events, EventSources)
	if !ok || len(src.Sources) != 5 {
		t.Fatalf("expected one sources frame with 5 entries, got %+v", src)
	}

	content, ok := frameOfType(events, EventContent)
	if !ok {
		t.Fatal("expected a content frame")
	}
	body := content.Content.(string)
	if !strings.Contains(body, "Confidence: High") {
		t.Fatalf("report should carry High confidence, got:\n%s", body)
	}
	if !strings.Contains(body, "## Sources") {
		t.Fatal("report missing sources section")
	}

	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("stream must end with complete, ended with %v", last.Type)
	}
}

func TestRegularRunStreamsChunks(t *testing.T) {
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://a.example/1")
	}}
	llm := &stubLLM{streaming: true, streamChunks: []string{"# Report\n", "First part. ", "Second part."}}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{Query: "q"}))

	chunks := framesOfType(events, EventContentChunk)
	if len(chunks) != 4 {
		// Three model chunks plus the sources/confidence tail.
		t.Fatalf("expected 4 content_chunk frames, got %d", len(chunks))
	}
	tail := chunks[len(chunks)-1].Content.(string)
	if !strings.Contains(tail, "Confidence: High") {
		t.Fatalf("tail chunk missing confidence: %q", tail)
	}
	if _, ok := frameOfType(events, EventContent); ok {
		t.Fatal("streaming runs should not also emit a monolithic content frame")
	}
}

func TestRegularRunContinuesWhenSearchFails(t *testing.T) {
	searcher := &stubSearcher{fn: func(q string) SearchOutcome {
		return SearchOutcome{Succeeded: false, Message: "Web search is currently unavailable for \"" + q + "\"."}
	}}
	llm := &stubLLM{completion: "Answer from background knowledge."}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{Query: "q"}))

	if _, ok := frameOfType(events, EventError); ok {
		t.Fatal("failed search must not produce an error frame in regular mode")
	}
	content, ok := frameOfType(events, EventContent)
	if !ok {
		t.Fatal("expected a content frame")
	}
	if !strings.Contains(content.Content.(string), "Confidence: Moderate") {
		t.Fatal("failed search should lower confidence to Moderate")
	}
	if last := events[len(events)-1]; last.Type != EventComplete {
		t.Fatalf("stream must still complete, ended with %v", last.Type)
	}
}

func TestDeepRunWithNoResultsStillCompletes(t *testing.T) {
	searcher := &stubSearcher{fn: func(q string) SearchOutcome {
		return SearchOutcome{Succeeded: false, Message: "no results for " + q}
	}}
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		return `{"queries":[{"query":"sub a"},{"query":"sub b"},{"query":"sub c"}]}`, nil
	}}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 2, Breadth: 3},
	}))

	if _, ok := frameOfType(events, EventLearnings); ok {
		t.Fatal("no learnings frame expected when nothing was learned")
	}
	content, ok := frameOfType(events, EventContent)
	if !ok {
		t.Fatal("expected a content frame")
	}
	if !strings.Contains(content.Content.(string), "no findings") {
		t.Fatalf("report should note the absence of findings:\n%v", content.Content)
	}
	if last := events[len(events)-1]; last.Type != EventComplete {
		t.Fatalf("run must reach complete, ended with %v", last.Type)
	}
}

func TestDeepRunDeduplicatesSourceURLs(t *testing.T) {
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://same.example/page")
	}}
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner"):
			return `{"queries":[{"query":"first angle"},{"query":"second angle"}]}`, nil
		case strings.Contains(prompt, "research analyst"):
			return `{"learnings":["one fact"],"followUpQuestions":[]}`, nil
		default:
			return "# Report\n\nBody.", nil
		}
	}}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 1, Breadth: 2},
	}))

	total := 0
	for _, ev := range framesOfType(events, EventSources) {
		total += len(ev.Sources)
	}
	if total != 1 {
		t.Fatalf("a URL may appear in sources frames once per run, got %d entries", total)
	}
}

func TestDeepRunVisitedQueriesAreIdempotent(t *testing.T) {
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://a.example/x")
	}}
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner"):
			return `{"queries":[{"query":"probe one"},{"query":"probe two"}]}`, nil
		case strings.Contains(prompt, "research analyst"):
			// Both units propose the same follow-up.
			return `{"learnings":["fact"],"followUpQuestions":["loop question"]}`, nil
		default:
			return "# Report", nil
		}
	}}
	orch := newTestOrchestrator(llm, searcher)

	collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 2, Breadth: 2},
	}))

	if n := llm.promptCount("Topic: loop question"); n != 1 {
		t.Fatalf("duplicate follow-up must be planned exactly once, got %d", n)
	}
}

func TestDeepRunTerminalDepthProducesNoFollowUps(t *testing.T) {
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://a.example/x")
	}}
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner"):
			return `{"queries":[{"query":"only probe"}]}`, nil
		case strings.Contains(prompt, "research analyst"):
			return `{"learnings":["fact"],"followUpQuestions":["would recurse"]}`, nil
		default:
			return "# Report", nil
		}
	}}
	orch := newTestOrchestrator(llm, searcher)

	collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 1, Breadth: 2},
	}))

	if n := llm.promptCount("Topic: would recurse"); n != 0 {
		t.Fatalf("terminal depth must not enqueue follow-ups, planner saw it %d times", n)
	}
	if got := searcher.searchCount(); got != 1 {
		t.Fatalf("expected exactly the level-1 search, got %d", got)
	}
}

func TestDeepRunProgressStaysBounded(t *testing.T) {
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://a.example/x")
	}}
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner"):
			return `{"queries":[{"query":"a"},{"query":"b"},{"query":"c"}]}`, nil
		case strings.Contains(prompt, "research analyst"):
			return `{"learnings":["fact"],"followUpQuestions":["next"]}`, nil
		default:
			return "# Report", nil
		}
	}}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 3, Breadth: 3},
	}))

	for _, ev := range framesOfType(events, EventProgress) {
		if *ev.Progress < 0 || *ev.Progress > 100 {
			t.Fatalf("progress out of range: %v", *ev.Progress)
		}
		if ev.Status == "Researching" && *ev.Progress > 90 {
			t.Fatalf("mid-run progress capped at 90, got %v", *ev.Progress)
		}
		if float64(int(*ev.Progress)) != *ev.Progress {
			t.Fatalf("progress must be floored to an integer, got %v", *ev.Progress)
		}
	}
}

func TestDeepRunRecoversFromUnitPanic(t *testing.T) {
	searcher := &stubSearcher{fn: func(q string) SearchOutcome {
		if q == "bad probe" {
			panic("searcher exploded")
		}
		return successOutcome("https://a.example/x")
	}}
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner"):
			return `{"queries":[{"query":"bad probe"},{"query":"good probe"}]}`, nil
		case strings.Contains(prompt, "research analyst"):
			return `{"learnings":["fact from good probe"],"followUpQuestions":[]}`, nil
		default:
			return "# Report\n\nBody.", nil
		}
	}}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 1, Breadth: 2},
	}))

	if _, ok := frameOfType(events, EventError); ok {
		t.Fatal("a per-unit panic must not surface as an error frame")
	}
	if _, ok := frameOfType(events, EventLearning); !ok {
		t.Fatal("the surviving unit should still contribute learnings")
	}
	if last := events[len(events)-1]; last.Type != EventComplete {
		t.Fatalf("run must complete despite the panic, ended with %v", last.Type)
	}
}

type stubEnricher struct {
	title   string
	excerpt string
}

func (s stubEnricher) Fetch(context.Context, string) (string, string, error) {
	return s.title, s.excerpt, nil
}

func TestDeepRunEnrichesUntitledSources(t *testing.T) {
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return SearchOutcome{
			Succeeded: true,
			Results:   []SearchResult{{Title: "Untitled", URL: "https://bare.example/p"}},
			Sources:   []Source{{Title: "Untitled", URL: "https://bare.example/p", Domain: "bare.example", Relevance: 0.9}},
		}
	}}
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner"):
			return `{"queries":[{"query":"probe"}]}`, nil
		case strings.Contains(prompt, "research analyst"):
			return `{"learnings":["fact"],"followUpQuestions":[]}`, nil
		default:
			return "# Report", nil
		}
	}}
	orch := NewOrchestrator(
		config.ResearchConfig{Concurrency: 2, MaxEnrichments: 4},
		config.LLMRoutingConfig{Default: "balanced"},
		llm, searcher, stubEnricher{title: "Real Title", excerpt: "an excerpt"}, nil, testLogger(),
	)

	events := collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 1, Breadth: 2},
	}))

	update, ok := frameOfType(events, EventSourceUpdate)
	if !ok {
		t.Fatal("expected a source_update frame for the untitled source")
	}
	if update.URL != "https://bare.example/p" {
		t.Fatalf("source_update targets the wrong URL: %q", update.URL)
	}
	if update.Data == nil || update.Data.Title != "Real Title" {
		t.Fatalf("source_update should carry the upgraded source: %+v", update.Data)
	}

	// The final report links the upgraded title, not "Untitled".
	content, ok := frameOfType(events, EventContent)
	if !ok {
		t.Fatal("expected a content frame")
	}
	if !strings.Contains(content.Content.(string), "[Real Title](https://bare.example/p)") {
		t.Fatalf("report should use the enriched title:\n%v", content.Content)
	}
}

func TestRunStopsEmittingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://a.example/x")
	}}
	llm := &stubLLM{completeFn: func(_, _ string) (string, error) {
		return `{"queries":[{"query":"a"}]}`, nil
	}}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(ctx, Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 3, Breadth: 3},
	}))

	if len(events) != 0 {
		t.Fatalf("cancelled runs must not emit frames, got %d: %+v", len(events), events)
	}
}

func TestRegularRunStopsEmittingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://a.example/x")
	}}
	// The provider surfaces the cancellation as its own error; the run must
	// not reinterpret that as a synthesis failure and keep talking.
	llm := &stubLLM{completionErr: context.Canceled}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(ctx, Request{Query: "q"}))

	if len(events) != 0 {
		t.Fatalf("cancelled regular run must not emit frames, got %d: %+v", len(events), events)
	}
}

func TestDeepRunLevelQueriesShareConcurrencyBudget(t *testing.T) {
	var mu sync.Mutex
	inflight, maxInflight := 0, 0
	searcher := &stubSearcher{fn: func(q string) SearchOutcome {
		if strings.HasPrefix(q, "unit") {
			mu.Lock()
			inflight++
			if inflight > maxInflight {
				maxInflight = inflight
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			inflight--
			mu.Unlock()
		}
		return successOutcome("https://" + strings.ReplaceAll(q, " ", "-") + ".example/x")
	}}
	// Two sibling nodes at depth 2, one query each: the limiter must admit
	// both at once, not drain one node before starting the next.
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner") && strings.Contains(prompt, "Topic: branch one"):
			return `{"queries":[{"query":"unit one"}]}`, nil
		case strings.Contains(prompt, "research planner") && strings.Contains(prompt, "Topic: branch two"):
			return `{"queries":[{"query":"unit two"}]}`, nil
		case strings.Contains(prompt, "research planner"):
			return `{"queries":[{"query":"seed"}]}`, nil
		case strings.Contains(prompt, "research analyst") && strings.Contains(prompt, "Query: seed"):
			return `{"learnings":["root fact"],"followUpQuestions":["branch one","branch two"]}`, nil
		case strings.Contains(prompt, "research analyst"):
			return `{"learnings":["leaf fact"],"followUpQuestions":[]}`, nil
		default:
			return "# Report", nil
		}
	}}
	orch := newTestOrchestrator(llm, searcher)

	collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 2, Breadth: 2},
	}))

	mu.Lock()
	got := maxInflight
	mu.Unlock()
	if got < 2 {
		t.Fatalf("sibling-node queries should overlap under the level-wide limiter, peak in-flight = %d", got)
	}
}

func TestRunEmitsPartialReportOnFatalError(t *testing.T) {
	// A panicking planner escapes the per-unit boundary: GenerateQueries is
	// called from the control loop itself.
	searcher := &stubSearcher{fn: func(string) SearchOutcome {
		return successOutcome("https://a.example/x")
	}}
	calls := 0
	llm := &stubLLM{completeFn: func(_, prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "research planner"):
			calls++
			if calls > 1 {
				panic("planner corrupted")
			}
			return `{"queries":[{"query":"first"}]}`, nil
		case strings.Contains(prompt, "research analyst"):
			return `{"learnings":["salvaged fact"],"followUpQuestions":["next"]}`, nil
		default:
			return "# Report", nil
		}
	}}
	orch := newTestOrchestrator(llm, searcher)

	events := collect(t, orch.Run(context.Background(), Request{
		Query:   "topic",
		Options: Options{Deep: true, Depth: 2, Breadth: 2},
	}))

	if _, ok := frameOfType(events, EventError); !ok {
		t.Fatal("fatal control-loop failure must emit an error frame")
	}
	content, ok := frameOfType(events, EventContent)
	if !ok {
		t.Fatal("partial learnings should yield a best-effort content frame")
	}
	if !strings.Contains(content.Content.(string), "salvaged fact") {
		t.Fatalf("partial report missing collected learnings:\n%v", content.Content)
	}
	if last := events[len(events)-1]; last.Type != EventComplete {
		t.Fatalf("stream still ends with complete, got %v", last.Type)
	}
}
