// Package core implements the request coordinator: the single entry point
// that validates a chat request, applies the guardrails, consults the
// response cache, plans retrieval, assembles the prompt, runs generation,
// and accounts for the result.
//
// Both transports (HTTP and RPC) call into this package; neither carries any
// pipeline logic of its own.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sage-edu/sage/internal/generate"
	"github.com/sage-edu/sage/internal/guardrails"
	"github.com/sage-edu/sage/internal/observe"
	"github.com/sage-edu/sage/internal/promptbuild"
	"github.com/sage-edu/sage/internal/respcache"
	"github.com/sage-edu/sage/internal/retrieval"
	"github.com/sage-edu/sage/internal/stream"
	"github.com/sage-edu/sage/pkg/provider/model"
	"github.com/sage-edu/sage/pkg/types"
	"github.com/sage-edu/sage/pkg/vectorindex"
)

// MaxQuestionLen bounds accepted question length in bytes.
const MaxQuestionLen = 1000

// Validation errors returned before any pipeline work starts.
var (
	ErrEmptyQuestion   = errors.New("core: question is empty")
	ErrQuestionTooLong = fmt.Errorf("core: question exceeds %d characters", MaxQuestionLen)
	ErrInvalidClass    = errors.New("core: class number out of range")
)

// Request is one chat question with its conversation context.
type Request struct {
	Question       string
	ClassNum       int
	History        []types.ConversationTurn
	ConversationID string
}

// Coordinator wires the pipeline stages together and keeps the serving
// counters. Construct with [New]; all methods are safe for concurrent use.
type Coordinator struct {
	index      vectorindex.Index
	planner    *retrieval.Planner
	assembler  *promptbuild.Assembler
	controller *generate.Controller
	cache      *respcache.Cache
	metrics    *observe.Metrics
	log        *slog.Logger

	startTime         time.Time
	totalQueries      atomic.Int64
	cacheHits         atomic.Int64
	totalProcessingNs atomic.Int64
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithCache enables the response cache. A nil cache disables caching.
func WithCache(c *respcache.Cache) Option {
	return func(co *Coordinator) { co.cache = c }
}

// WithMetrics enables telemetry recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithLogger sets the coordinator logger.
func WithLogger(log *slog.Logger) Option {
	return func(co *Coordinator) { co.log = log }
}

// New creates a Coordinator over the given pipeline stages.
func New(index vectorindex.Index, planner *retrieval.Planner, assembler *promptbuild.Assembler, controller *generate.Controller, opts ...Option) *Coordinator {
	c := &Coordinator{
		index:      index,
		planner:    planner,
		assembler:  assembler,
		controller: controller,
		log:        slog.Default(),
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// validate normalizes and checks the request, returning the trimmed question.
func validate(req Request) (string, error) {
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return "", ErrEmptyQuestion
	}
	if len(q) > MaxQuestionLen {
		return "", ErrQuestionTooLong
	}
	if req.ClassNum != 0 && !vectorindex.ValidClass(req.ClassNum) {
		return "", ErrInvalidClass
	}
	return q, nil
}

// Process answers one chat request end to end.
func (c *Coordinator) Process(ctx context.Context, req Request) (types.Answer, error) {
	start := time.Now()

	q, err := validate(req)
	if err != nil {
		return types.Answer{}, err
	}
	c.totalQueries.Add(1)

	if guardrails.DetectInjection(q) {
		c.log.Warn("question refused by guardrails", "question", truncate(q, 80))
		if c.metrics != nil {
			c.metrics.RecordRefusal(ctx)
		}
		// No retrieval or generation ran, so the answer is not grounded.
		ans := types.Answer{Text: guardrails.RefusalMessage, ModeUsed: types.ModePureLLM}
		c.finish(&ans, req, start)
		return ans, nil
	}

	key := respcache.Key(req.ClassNum, q, req.History)
	if c.cache != nil {
		ans, ok := c.cache.Get(key)
		if c.metrics != nil {
			c.metrics.RecordCacheLookup(ctx, ok)
		}
		if ok {
			c.cacheHits.Add(1)
			ans.ConversationID = req.ConversationID
			ans.ProcessingTime = time.Since(start).Seconds()
			c.totalProcessingNs.Add(time.Since(start).Nanoseconds())
			return ans, nil
		}
	}

	sources, mode := c.gather(ctx, q, req.ClassNum)
	plan := c.assembler.Build(q, sources, req.History, mode)
	if plan.Truncated {
		c.log.Warn("prompt truncated to fit the context window", "emergency", plan.Emergency)
	}

	genStart := time.Now()
	ans, err := c.controller.Answer(ctx, plan.Prompt, q, sources, plan.Mode)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordGenerationError(ctx, "complete")
		}
		return types.Answer{}, err
	}
	if c.metrics != nil {
		c.metrics.GenerationDuration.Record(ctx, time.Since(genStart).Seconds())
	}
	c.finish(&ans, req, start)
	if c.metrics != nil {
		c.metrics.RecordQuery(ctx, string(ans.ModeUsed), ans.ProcessingTime)
	}

	if c.cache != nil {
		c.cache.Put(key, ans)
	}
	return ans, nil
}

// gather decides the generation mode and runs retrieval when the mode calls
// for grounding. Retrieval failure or an empty result degrades to pure model
// knowledge rather than failing the request.
func (c *Coordinator) gather(ctx context.Context, question string, classNum int) ([]types.SourceDocument, types.Mode) {
	mode := generate.SelectMode(question)
	if mode != types.ModeGrounded {
		return nil, mode
	}

	retStart := time.Now()
	docs, err := c.planner.Retrieve(ctx, question, classNum)
	if c.metrics != nil {
		c.metrics.RetrievalDuration.Record(ctx, time.Since(retStart).Seconds())
	}
	if err != nil {
		c.log.Warn("retrieval failed, answering from model knowledge", "error", err)
		return nil, types.ModePureLLM
	}
	if len(docs) == 0 {
		return nil, types.ModePureLLM
	}
	return docs, types.ModeGrounded
}

// finish stamps the answer with timing and identity and updates counters.
func (c *Coordinator) finish(ans *types.Answer, req Request, start time.Time) {
	elapsed := time.Since(start)
	ans.ProcessingTime = elapsed.Seconds()
	ans.ConversationID = req.ConversationID
	c.totalProcessingNs.Add(elapsed.Nanoseconds())
}

// ProcessStream answers one chat request as an ordered event stream. Events
// are pushed into sink; a false return from sink aborts the stream. The
// answer assembled from the streamed tokens is cached like a unary answer.
func (c *Coordinator) ProcessStream(ctx context.Context, req Request, sink stream.Sink) error {
	start := time.Now()

	q, err := validate(req)
	if err != nil {
		sink(stream.Error(err.Error()))
		return err
	}
	c.totalQueries.Add(1)

	if guardrails.DetectInjection(q) {
		c.log.Warn("question refused by guardrails", "question", truncate(q, 80))
		if sink(stream.Token(guardrails.RefusalMessage)) {
			sink(stream.Metadata(time.Since(start).Seconds(), 0))
			sink(stream.Done())
		}
		return nil
	}

	key := respcache.Key(req.ClassNum, q, req.History)
	if c.cache != nil {
		if ans, ok := c.cache.Get(key); ok {
			c.cacheHits.Add(1)
			c.replayCached(ans, start, sink)
			return nil
		}
	}

	if !sink(stream.Status(stream.StatusRetrieving)) {
		return nil
	}
	sources, mode := c.gather(ctx, q, req.ClassNum)
	if len(sources) > 0 && !sink(stream.Sources(sources)) {
		return nil
	}
	if !sink(stream.Status(stream.StatusGenerating)) {
		return nil
	}

	plan := c.assembler.Build(q, sources, req.History, mode)
	chunks, err := c.controller.StreamTokens(ctx, plan.Prompt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordGenerationError(ctx, "stream")
		}
		sink(stream.Error("An error occurred while generating the response"))
		return err
	}

	if c.metrics != nil {
		c.metrics.ActiveStreams.Add(ctx, 1)
		defer c.metrics.ActiveStreams.Add(ctx, -1)
	}

	var full strings.Builder
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			if c.metrics != nil {
				c.metrics.RecordGenerationError(ctx, "stream")
			}
			return c.streamFallback(ctx, q, sources, start, sink)
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		if c.metrics != nil {
			c.metrics.TokensStreamed.Add(ctx, 1)
		}
		if !sink(stream.Token(chunk.Text)) {
			drainChunks(chunks)
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ans := types.Answer{
		Text:       generate.Postprocess(full.String(), sources),
		Sources:    sources,
		Confidence: generate.Confidence(sources),
		ModeUsed:   plan.Mode,
	}
	c.finish(&ans, req, start)
	if c.cache != nil {
		c.cache.Put(key, ans)
	}

	if sink(stream.Metadata(ans.ProcessingTime, ans.Confidence)) {
		sink(stream.Done())
	}
	return nil
}

// replayCached plays a cached answer back through the stream protocol.
func (c *Coordinator) replayCached(ans types.Answer, start time.Time, sink stream.Sink) {
	if len(ans.Sources) > 0 && !sink(stream.Sources(ans.Sources)) {
		return
	}
	if !sink(stream.Token(ans.Text)) {
		return
	}
	if sink(stream.Metadata(time.Since(start).Seconds(), ans.Confidence)) {
		sink(stream.Done())
	}
	c.totalProcessingNs.Add(time.Since(start).Nanoseconds())
}

// drainChunks unblocks the token producer after a client disconnect, giving
// up once [stream.CancelBudget] elapses.
func drainChunks(chunks <-chan model.Chunk) {
	deadline := time.After(stream.CancelBudget)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-deadline:
			return
		}
	}
}

// streamFallback delivers a degraded answer after a mid-stream model
// failure, as a single token event.
func (c *Coordinator) streamFallback(ctx context.Context, question string, sources []types.SourceDocument, start time.Time, sink stream.Sink) error {
	c.log.Error("streaming generation failed, degrading to simple answer")
	ans, err := c.controller.Fallback(ctx, question, sources)
	if err != nil {
		sink(stream.Error("An error occurred while generating the response"))
		return err
	}
	if !sink(stream.Token(ans.Text)) {
		return nil
	}
	if sink(stream.Metadata(time.Since(start).Seconds(), ans.Confidence)) {
		sink(stream.Done())
	}
	return nil
}

// ── stats and readiness ──

// Stats is a point-in-time snapshot of the serving counters.
type Stats struct {
	TotalQueries      int64          `json:"total_queries"`
	CacheHits         int64          `json:"cache_hits"`
	CacheHitRate      float64        `json:"cache_hit_rate"`
	AvgProcessingTime float64        `json:"avg_processing_time"`
	UptimeSeconds     float64        `json:"uptime_seconds"`
	CacheSize         int            `json:"cache_size"`
	CacheCapacity     int            `json:"cache_capacity"`
	DocumentCounts    map[string]int `json:"document_counts"`
	TotalDocuments    int            `json:"total_documents"`
	IndexHealth       string         `json:"index_health"`
}

// Stats gathers the serving counters and per-class document counts.
// Collections that fail to report are skipped rather than failing the whole
// snapshot.
func (c *Coordinator) Stats(ctx context.Context) Stats {
	s := Stats{
		TotalQueries:   c.totalQueries.Load(),
		CacheHits:      c.cacheHits.Load(),
		UptimeSeconds:  time.Since(c.startTime).Seconds(),
		DocumentCounts: make(map[string]int),
	}
	if s.TotalQueries > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.TotalQueries)
		s.AvgProcessingTime = (time.Duration(c.totalProcessingNs.Load()) / time.Duration(s.TotalQueries)).Seconds()
	}
	if c.cache != nil {
		s.CacheSize = c.cache.Size()
		s.CacheCapacity = c.cache.Capacity()
	}

	for classNum := vectorindex.MinClass; classNum <= vectorindex.MaxClass; classNum++ {
		n, err := c.index.Count(ctx, classNum)
		if err != nil {
			c.log.Warn("collection count failed", "class", classNum, "error", err)
			continue
		}
		s.DocumentCounts[vectorindex.CollectionName(classNum)] = n
		s.TotalDocuments += n
	}

	health, err := c.index.IntegrityCheck(ctx)
	if err != nil {
		c.log.Warn("integrity check failed", "error", err)
	}
	s.IndexHealth = health.String()
	return s
}

// Ready reports whether the coordinator can serve answers: the index must
// not be corrupt and at least one class collection must be reachable.
func (c *Coordinator) Ready(ctx context.Context) (bool, string) {
	health, err := c.index.IntegrityCheck(ctx)
	if err != nil || health == vectorindex.Corrupt {
		return false, "vector index unavailable"
	}
	for classNum := vectorindex.MinClass; classNum <= vectorindex.MaxClass; classNum++ {
		if _, err := c.index.Count(ctx, classNum); err == nil {
			return true, ""
		}
	}
	return false, "no class collection reachable"
}

// ClearCache drops every cached answer and returns how many were evicted.
func (c *Coordinator) ClearCache() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Clear()
}

// Index exposes the underlying vector index for the ingestion endpoints.
func (c *Coordinator) Index() vectorindex.Index { return c.index }

// Planner exposes the retrieval planner for the search endpoints.
func (c *Coordinator) Planner() *retrieval.Planner { return c.planner }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
