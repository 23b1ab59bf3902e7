package research

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mkamali/deepscout/internal/config"
	"github.com/mkamali/deepscout/internal/telemetry"
)

// Enricher upgrades a bare source URL with page metadata after the fact.
type Enricher interface {
	Fetch(ctx context.Context, url string) (title, excerpt string, err error)
}

// Orchestrator drives research runs. One invocation of Run owns its state
// exclusively; the orchestrator itself is safe for concurrent use.
type Orchestrator struct {
	cfg       config.ResearchConfig
	routing   config.LLMRoutingConfig
	llm       LLM
	searcher  Searcher
	planner   *Planner
	distiller *Distiller
	enricher  Enricher
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewOrchestrator(cfg config.ResearchConfig, routing config.LLMRoutingConfig, llm LLM, searcher Searcher, enricher Enricher, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		routing:   routing,
		llm:       llm,
		searcher:  searcher,
		planner:   NewPlanner(llm, logger),
		distiller: NewDistiller(llm, logger),
		enricher:  enricher,
		telemetry: tele,
		logger:    logger,
	}
}

// run is the per-invocation state. The three aggregate sets and the source
// list are the only write-shared state across concurrent units; everything
// goes through the mutex.
type run struct {
	o      *Orchestrator
	ctx    context.Context
	events chan<- StreamEvent

	planModel      string
	distillModel   string
	synthesisModel string

	mu              sync.Mutex
	visitedQueries  map[string]struct{}
	visitedURLs     map[string]struct{}
	learnings       []string
	sources         []Source
	searchSucceeded bool
}

// Run starts a research run and returns the event stream. The channel is
// closed when the run finishes or ctx is cancelled; cancellation stops
// emission promptly even if in-flight provider calls take time to unwind.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan StreamEvent {
	events := make(chan StreamEvent, 32)
	opts := req.Options.Clamped()
	mode := opts.Mode()
	runID := uuid.NewString()
	o.telemetry.RecordRunStarted(string(mode))
	o.logger.Printf("run %s started: mode=%s query=%q depth=%d breadth=%d", runID, mode, req.Query, opts.Depth, opts.Breadth)

	r := &run{
		o:              o,
		ctx:            ctx,
		events:         events,
		planModel:      o.routeModel(opts.ModelKey, o.routing.Planning),
		distillModel:   o.routeModel(opts.ModelKey, o.routing.Distill),
		synthesisModel: o.routeModel(opts.ModelKey, o.routing.Synthesis),
		visitedQueries: make(map[string]struct{}),
		visitedURLs:    make(map[string]struct{}),
	}

	go func() {
		defer close(events)
		status := "ok"
		defer func() {
			if p := recover(); p != nil {
				// Run-fatal: only control-loop panics land here. Partial
				// results are always preferred over silence.
				status = "panic"
				o.logger.Printf("run %s aborted: %v", runID, p)
				r.emit(StreamEvent{Type: EventError, Content: fmt.Sprintf("research aborted: %v", p)})
				if len(r.learnings) > 0 {
					r.emit(contentEvent(EventContent, FallbackReport(req.Query, r.learnings, r.snapshotSources())))
				}
				r.emit(completeEvent("error"))
			}
			o.telemetry.RecordRunFinished(string(mode), status)
			o.logger.Printf("run %s finished: status=%s learnings=%d sources=%d", runID, status, len(r.learnings), len(r.sources))
		}()

		if mode == ModeDeep {
			r.deep(req.Query, opts.Depth, opts.Breadth)
		} else {
			r.regular(req.Query)
		}
	}()
	return events
}

func (o *Orchestrator) routeModel(override, stage string) string {
	if override != "" {
		return o.llm.Resolve(override)
	}
	if stage != "" {
		return stage
	}
	return o.routing.Default
}

// emit delivers one frame unless the consumer is gone. The ctx check runs
// before the send: a buffered channel would otherwise race the send against
// Done and let frames slip out after cancellation.
func (r *run) emit(ev StreamEvent) {
	if r.ctx.Err() != nil {
		return
	}
	select {
	case r.events <- ev:
		r.o.telemetry.RecordEvent(string(ev.Type))
	case <-r.ctx.Done():
	}
}

func (r *run) progress(pct float64, status, details string) {
	r.emit(progressEvent(math.Floor(pct), status, details))
}

// regular is the single-pass mode: one search, one synthesis. A failed
// search does not halt the run, it only lowers the confidence annotation.
func (r *run) regular(query string) {
	r.progress(10, "Searching", query)
	outcome := r.o.searcher.Search(r.ctx, query)
	r.emit(contentEvent(EventSearchResults, formatSearchBlock(query, outcome)))

	if outcome.Succeeded {
		r.mu.Lock()
		r.searchSucceeded = true
		r.mu.Unlock()
		if fresh := r.recordSources(outcome.Sources); len(fresh) > 0 {
			r.emit(sourcesEvent(fresh))
		}
	} else {
		r.emit(contentEvent(EventReasoning, "Live search unavailable; answering from model knowledge."))
	}

	var enriched sync.WaitGroup
	enriched.Add(1)
	go func() {
		defer enriched.Done()
		r.enrichSources()
	}()

	r.progress(40, "Synthesizing", "")
	confidence := 0.85
	if !outcome.Succeeded {
		confidence = 0.65
	}
	sources := r.snapshotSources()

	prompt := regularSynthesisPrompt(query, outcome)
	if err := r.streamReport(prompt, sources, confidence); err != nil {
		enriched.Wait()
		if r.ctx.Err() != nil {
			// Cancellation is not a synthesis failure; stop without frames.
			return
		}
		r.emit(StreamEvent{Type: EventError, Content: fmt.Sprintf("synthesis failed: %v", err)})
		r.emit(contentEvent(EventContent, FallbackReport(query, r.learnings, sources)))
		r.emit(completeEvent("error"))
		return
	}

	enriched.Wait()
	r.progress(100, "Done", "")
	r.emit(completeEvent("done"))
}

// deep is the breadth-first recursive mode: a work queue of depth-tagged
// nodes, drained strictly level by level.
func (r *run) deep(topic string, maxDepth, breadth int) {
	r.progress(5, "Planning", topic)

	queue := []researchNode{{query: topic, depth: 1}}
	for depth := 1; depth <= maxDepth && len(queue) > 0; depth++ {
		level := queue
		queue = nil

		// Plan the whole level first so the concurrency limiter spans all
		// sibling nodes at this depth, not just one node's queries.
		var units []GeneratedQuery
		for _, node := range level {
			if node.depth != depth {
				// Follow-ups always carry parent depth + 1; anything else
				// slipped past a bounds check and is discarded.
				continue
			}
			if !r.markVisited(node.query) {
				continue
			}
			generated := r.o.planner.GenerateQueries(r.ctx, r.planModel, node.query, breadth, r.snapshotLearnings())
			r.emit(contentEvent(EventReasoning, fmt.Sprintf("Depth %d/%d: expanding %q into %d searches", depth, maxDepth, node.query, len(generated))))
			units = append(units, generated...)
		}
		if r.ctx.Err() != nil {
			return
		}

		levelTotal := len(units)
		levelDone := 0
		g, gctx := errgroup.WithContext(r.ctx)
		g.SetLimit(r.o.concurrency())
		var pending []researchNode
		var pendingMu sync.Mutex

		for _, gq := range units {
			gq := gq
			g.Go(func() error {
				defer func() {
					if p := recover(); p != nil {
						// Per-unit failures never abort the run.
						r.o.logger.Printf("unit %q panicked: %v", gq.Query, p)
						r.emit(contentEvent(EventReasoning, fmt.Sprintf("Skipping %q after an internal error.", gq.Query)))
					}
				}()
				followUps := r.processUnit(gctx, gq, depth, maxDepth)
				if len(followUps) > 0 {
					pendingMu.Lock()
					pending = append(pending, followUps...)
					pendingMu.Unlock()
				}

				r.mu.Lock()
				levelDone++
				done := levelDone
				r.mu.Unlock()
				r.progress(deepProgress(depth, maxDepth, done, levelTotal), "Researching",
					fmt.Sprintf("depth %d/%d, %d/%d queries", depth, maxDepth, done, levelTotal))
				return nil
			})
		}
		_ = g.Wait()
		if r.ctx.Err() != nil {
			return
		}
		queue = append(queue, pending...)
	}

	r.finishDeep(topic)
}

// processUnit runs one search+distill pipeline and returns the follow-up
// nodes it discovered, already depth-tagged and bounds-checked.
func (r *run) processUnit(ctx context.Context, gq GeneratedQuery, depth, maxDepth int) []researchNode {
	outcome := r.o.searcher.Search(ctx, gq.Query)
	r.emit(contentEvent(EventSearchResults, formatSearchBlock(gq.Query, outcome)))
	if !outcome.Succeeded {
		r.emit(contentEvent(EventReasoning, outcome.Message))
		return nil
	}

	r.mu.Lock()
	r.searchSucceeded = true
	r.mu.Unlock()
	if fresh := r.recordSources(outcome.Sources); len(fresh) > 0 {
		r.emit(sourcesEvent(fresh))
	}

	dist := r.o.distiller.Distill(ctx, r.distillModel, gq.Query, outcome.Results, r.o.maxLearnings(), r.o.maxFollowUps())
	for _, l := range dist.Learnings {
		if r.recordLearning(l) {
			r.emit(contentEvent(EventLearning, l))
		}
	}

	if depth+1 > maxDepth {
		// Terminal depth nodes produce no follow-ups.
		return nil
	}
	nodes := make([]researchNode, 0, len(dist.FollowUps))
	for _, f := range dist.FollowUps {
		nodes = append(nodes, researchNode{query: f.Query, depth: depth + 1})
	}
	return nodes
}

func (r *run) finishDeep(topic string) {
	if r.ctx.Err() != nil {
		return
	}
	r.enrichSources()

	learnings := r.snapshotLearnings()
	sources := r.snapshotSources()
	if len(learnings) > 0 {
		r.emit(learningsEvent(learnings))
	}

	r.progress(92, "Synthesizing", "")
	r.mu.Lock()
	succeeded := r.searchSucceeded
	r.mu.Unlock()
	confidence := 0.85
	if !succeeded {
		confidence = 0.65
	}

	if len(learnings) == 0 {
		r.emit(contentEvent(EventContent, FormatReport(emptyFindingsNote(topic), sources, confidence)))
		r.progress(100, "Done", "")
		r.emit(completeEvent("done"))
		return
	}

	prompt := deepSynthesisPrompt(topic, learnings)
	if err := r.streamReport(prompt, sources, confidence); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.emit(StreamEvent{Type: EventError, Content: fmt.Sprintf("synthesis failed: %v", err)})
		r.emit(contentEvent(EventContent, FallbackReport(topic, learnings, sources)))
		r.emit(completeEvent("error"))
		return
	}
	r.progress(100, "Done", "")
	r.emit(completeEvent("done"))
}

// streamReport runs synthesis, streaming chunk frames when the model
// supports it and falling back to one content frame when it does not.
// The sources tail always travels with the same frame type as the body.
func (r *run) streamReport(prompt string, sources []Source, confidence float64) error {
	if r.o.llm.SupportsStreaming(r.synthesisModel) {
		_, err := r.o.llm.StreamCompletion(r.ctx, r.synthesisModel, prompt, func(chunk string) error {
			r.emit(contentEvent(EventContentChunk, chunk))
			return r.ctx.Err()
		})
		if err != nil {
			return err
		}
		r.emit(contentEvent(EventContentChunk, reportTail(sources, confidence)))
		return nil
	}
	body, err := r.o.llm.Completion(r.ctx, r.synthesisModel, prompt)
	if err != nil {
		return err
	}
	r.emit(contentEvent(EventContent, FormatReport(body, sources, confidence)))
	return nil
}

// enrichSources fetches page metadata for sources that arrived without a
// usable title and re-announces them as source_update frames.
func (r *run) enrichSources() {
	if r.o.enricher == nil {
		return
	}
	budget := r.o.cfg.MaxEnrichments
	if budget <= 0 {
		budget = 4
	}
	for _, s := range r.snapshotSources() {
		if budget == 0 || r.ctx.Err() != nil {
			return
		}
		if s.Title != "" && s.Title != "Untitled" {
			continue
		}
		budget--
		title, excerpt, err := r.o.enricher.Fetch(r.ctx, s.URL)
		if err != nil || strings.TrimSpace(title) == "" {
			continue
		}
		updated := r.updateSource(s.URL, title, excerpt)
		r.emit(sourceUpdateEvent(s.URL, updated))
	}
}

// deepProgress blends depth completion with per-level query completion.
// The total is fixed once a level is planned, but the blend is still an
// approximation the UI treats as advisory.
func deepProgress(currentDepth, maxDepth, completed, total int) float64 {
	if total == 0 {
		total = 1
	}
	pct := 20 + 70*(float64(currentDepth-1)/float64(maxDepth)+
		float64(completed)/float64(total)/float64(maxDepth))
	return math.Min(90, math.Floor(pct))
}

// markVisited returns false when the query was already processed this run.
func (r *run) markVisited(query string) bool {
	key := strings.ToLower(strings.TrimSpace(query))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.visitedQueries[key]; seen {
		return false
	}
	r.visitedQueries[key] = struct{}{}
	return true
}

// recordSources appends sources whose URL has not been seen this run and
// returns just the newly-admitted ones.
func (r *run) recordSources(in []Source) []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fresh []Source
	for _, s := range dedupeSources(in) {
		if _, seen := r.visitedURLs[s.URL]; seen {
			continue
		}
		r.visitedURLs[s.URL] = struct{}{}
		r.sources = append(r.sources, s)
		fresh = append(fresh, s)
	}
	return fresh
}

func (r *run) recordLearning(l string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.learnings {
		if existing == l {
			return false
		}
	}
	r.learnings = append(r.learnings, l)
	return true
}

func (r *run) updateSource(url, title, excerpt string) Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sources {
		if r.sources[i].URL != url {
			continue
		}
		r.sources[i].Title = title
		if r.sources[i].Snippet == "" && excerpt != "" {
			r.sources[i].Snippet = trimSnippet(excerpt)
		}
		return r.sources[i]
	}
	return Source{URL: url, Title: title, Domain: deriveDomain(url)}
}

func (r *run) snapshotLearnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.learnings))
	copy(out, r.learnings)
	return out
}

func (r *run) snapshotSources() []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

func (o *Orchestrator) concurrency() int {
	if o.cfg.Concurrency < 1 {
		return 2
	}
	return o.cfg.Concurrency
}

func (o *Orchestrator) maxLearnings() int {
	if o.cfg.MaxLearnings < 1 {
		return 5
	}
	return o.cfg.MaxLearnings
}

func (o *Orchestrator) maxFollowUps() int {
	if o.cfg.MaxFollowUps < 1 {
		return 3
	}
	return o.cfg.MaxFollowUps
}

func regularSynthesisPrompt(query string, outcome SearchOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Write a well-structured markdown research report answering the question below. Use headings. Cite concrete facts from the search results where available; state clearly when you are relying on background knowledge instead.

Question: %s
`, query)
	if outcome.Succeeded {
		b.WriteString("\nSearch results:\n")
		for i, res := range outcome.Results {
			fmt.Fprintf(&b, "\n%d. %s (%s)\n", i+1, res.Title, res.URL)
			if res.Snippet != "" {
				fmt.Fprintf(&b, "   %s\n", res.Snippet)
			}
		}
	} else {
		b.WriteString("\nNo live search results are available; answer from background knowledge and say so.\n")
	}
	return b.String()
}

func deepSynthesisPrompt(topic string, learnings []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Write a comprehensive, well-structured markdown research report on the topic below, synthesizing the collected findings into a coherent narrative with headings. Do not enumerate the findings verbatim; integrate them.

Topic: %s

Findings:
`, topic)
	for _, l := range learnings {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	return b.String()
}
