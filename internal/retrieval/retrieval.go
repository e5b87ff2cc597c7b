// Package retrieval plans and executes vector search across the per-class
// curriculum collections.
//
// A class-scoped question queries a single collection; an unscoped question
// fans out over the priority classes concurrently, with a per-class timeout
// so one slow collection cannot stall the whole request. Merged candidates
// are filtered by a similarity floor and a domain co-filter, then ranked by
// ascending distance.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sage-edu/sage/internal/guardrails"
	"github.com/sage-edu/sage/pkg/types"
	"github.com/sage-edu/sage/pkg/vectorindex"
)

const (
	// PerClassTimeout bounds each collection query during fan-out.
	PerClassTimeout = 2 * time.Second

	// TotalBudget bounds the whole retrieval phase.
	TotalBudget = 5 * time.Second

	// MaxConcurrentClasses caps the fan-out parallelism.
	MaxConcurrentClasses = 4

	// SimilarityFloor drops candidates below this similarity after merging.
	SimilarityFloor = 0.75

	// DefaultTopK is the result count used when the caller does not override.
	DefaultTopK = 5
)

// PriorityClasses are the collections searched when no class is specified,
// covering the secondary grades where question volume concentrates.
var PriorityClasses = []int{6, 7, 8, 9, 10, 11, 12}

// Planner executes retrieval against one vector index.
type Planner struct {
	index vectorindex.Index
	log   *slog.Logger
	topK  int
	floor float64
}

// Option configures a [Planner].
type Option func(*Planner)

// WithLogger sets the logger used for per-class failures.
func WithLogger(log *slog.Logger) Option {
	return func(p *Planner) { p.log = log }
}

// WithTopK overrides the default result count.
func WithTopK(k int) Option {
	return func(p *Planner) {
		if k > 0 {
			p.topK = k
		}
	}
}

// WithSimilarityFloor overrides the post-merge similarity cutoff.
func WithSimilarityFloor(floor float64) Option {
	return func(p *Planner) { p.floor = floor }
}

// New creates a Planner over index.
func New(index vectorindex.Index, opts ...Option) *Planner {
	p := &Planner{
		index: index,
		log:   slog.Default(),
		topK:  DefaultTopK,
		floor: SimilarityFloor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Retrieve returns the ranked source documents for question. classNum == 0
// fans out over [PriorityClasses]; a valid class queries only that
// collection. Partial fan-out failures are tolerated; Retrieve fails only
// when every queried collection fails.
func (p *Planner) Retrieve(ctx context.Context, question string, classNum int) ([]types.SourceDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, TotalBudget)
	defer cancel()

	var candidates []vectorindex.Candidate
	var err error
	if classNum != 0 {
		if !vectorindex.ValidClass(classNum) {
			return nil, fmt.Errorf("retrieval: class %d out of range", classNum)
		}
		candidates, err = p.index.Query(ctx, classNum, question, p.topK)
		if err != nil {
			return nil, fmt.Errorf("retrieval: class %d: %w", classNum, err)
		}
	} else {
		candidates, err = p.fanOut(ctx, question, p.topK)
		if err != nil {
			return nil, err
		}
	}

	return p.rank(question, candidates), nil
}

// fanOut queries every priority class concurrently and merges whatever
// succeeded within the budget.
func (p *Planner) fanOut(ctx context.Context, question string, k int) ([]vectorindex.Candidate, error) {
	perClassK := k / 4
	if perClassK < 1 {
		perClassK = 1
	}

	var (
		mu     sync.Mutex
		merged []vectorindex.Candidate
		failed int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentClasses)
	for _, classNum := range PriorityClasses {
		g.Go(func() error {
			classCtx, cancel := context.WithTimeout(ctx, PerClassTimeout)
			defer cancel()

			results, err := p.index.Query(classCtx, classNum, question, perClassK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				p.log.Warn("class query failed", "class", classNum, "error", err)
				return nil
			}
			merged = append(merged, results...)
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(PriorityClasses) {
		return nil, fmt.Errorf("retrieval: all %d class queries failed", failed)
	}
	return merged, nil
}

// rank orders candidates by ascending distance, keeps topK, then applies the
// similarity floor and the domain co-filter and assigns 1-based ranks.
// Filtering after truncation means a weak top-k set yields fewer than topK
// documents rather than back-filling with even weaker matches.
func (p *Planner) rank(question string, candidates []vectorindex.Candidate) []types.SourceDocument {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	if len(candidates) > p.topK {
		candidates = candidates[:p.topK]
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if c.Similarity < p.floor {
			continue
		}
		if !guardrails.RelevantContent(question, c.Content) {
			continue
		}
		kept = append(kept, c)
	}

	out := make([]types.SourceDocument, len(kept))
	for i, c := range kept {
		out[i] = types.SourceDocument{
			Content:     c.Content,
			Metadata:    c.Metadata,
			Subject:     c.Subject,
			SourceClass: c.SourceClass,
			Distance:    c.Distance,
			Similarity:  c.Similarity,
			Rank:        i + 1,
		}
	}
	return out
}

// Search runs a raw similarity search without the chat-path floor, for the
// document-search endpoints. threshold is the minimum similarity to keep;
// ranks follow result order.
func (p *Planner) Search(ctx context.Context, question string, classNum, limit int, threshold float64) ([]types.SourceDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, TotalBudget)
	defer cancel()

	var candidates []vectorindex.Candidate
	if classNum != 0 {
		if !vectorindex.ValidClass(classNum) {
			return nil, fmt.Errorf("retrieval: class %d out of range", classNum)
		}
		results, err := p.index.Query(ctx, classNum, question, limit)
		if err != nil {
			return nil, fmt.Errorf("retrieval: class %d: %w", classNum, err)
		}
		candidates = results
	} else {
		var err error
		if candidates, err = p.fanOut(ctx, question, limit); err != nil {
			return nil, err
		}
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	}

	out := make([]types.SourceDocument, 0, limit)
	for _, c := range candidates {
		if c.Similarity < threshold {
			continue
		}
		out = append(out, types.SourceDocument{
			Content:     c.Content,
			Metadata:    c.Metadata,
			Subject:     c.Subject,
			SourceClass: c.SourceClass,
			Distance:    c.Distance,
			Similarity:  c.Similarity,
			Rank:        len(out) + 1,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
