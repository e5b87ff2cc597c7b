// Package mock provides an in-memory test double for the vector index.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	idx := &mock.Index{}
//	idx.QueryResults = map[int][]vectorindex.Candidate{
//	    10: {{Content: "Photosynthesis is...", Distance: 0.1}},
//	}
//
//	// inject idx into the system under test …
//
//	if got := idx.CallCount("Query"); got != 1 {
//	    t.Errorf("expected 1 Query call, got %d", got)
//	}
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sage-edu/sage/pkg/vectorindex"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

var _ vectorindex.Index = (*Index)(nil)

// Index is a configurable test double for [vectorindex.Index].
//
// Query results are served per class from QueryResults with Similarity and
// SourceClass filled in automatically. QueryDelay can hold a per-class delay
// to exercise fan-out timeout behavior; a delayed query still honors context
// cancellation.
type Index struct {
	mu    sync.Mutex
	calls []Call

	// QueryResults maps class number to the candidates returned by Query.
	QueryResults map[int][]vectorindex.Candidate

	// QueryDelay maps class number to an artificial delay applied before
	// Query returns.
	QueryDelay map[int]time.Duration

	// QueryErr is returned by Query when non-nil.
	QueryErr error

	// CountResults maps class number to the value returned by Count.
	CountResults map[int]int

	// CountErr is returned by Count when non-nil.
	CountErr error

	// InsertErr is returned by Insert (and per item by BatchInsert) when
	// non-nil.
	InsertErr error

	// Health is returned by IntegrityCheck. Defaults to Healthy.
	Health vectorindex.HealthState

	// HealthErr is returned by IntegrityCheck when non-nil.
	HealthErr error

	nextID int
}

func (m *Index) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (m *Index) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Index) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// OpenOrCreate implements vectorindex.Index.
func (m *Index) OpenOrCreate(_ context.Context, classNum int) error {
	m.record("OpenOrCreate", classNum)
	return nil
}

// Count implements vectorindex.Index.
func (m *Index) Count(_ context.Context, classNum int) (int, error) {
	m.record("Count", classNum)
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CountResults[classNum], nil
}

// Query implements vectorindex.Index.
func (m *Index) Query(ctx context.Context, classNum int, queryText string, k int) ([]vectorindex.Candidate, error) {
	m.record("Query", classNum, queryText, k)

	m.mu.Lock()
	delay := m.QueryDelay[classNum]
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.QueryResults[classNum]
	if len(src) > k {
		src = src[:k]
	}
	out := make([]vectorindex.Candidate, len(src))
	for i, c := range src {
		c.Similarity = vectorindex.Similarity(c.Distance)
		if c.SourceClass == 0 {
			c.SourceClass = classNum
		}
		out[i] = c
	}
	return out, nil
}

// Insert implements vectorindex.Index.
func (m *Index) Insert(_ context.Context, classNum int, doc vectorindex.Document) (string, error) {
	m.record("Insert", classNum, doc)
	if m.InsertErr != nil {
		return "", m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return "doc-" + strconv.Itoa(m.nextID), nil
}

// BatchInsert implements vectorindex.Index.
func (m *Index) BatchInsert(ctx context.Context, classNum int, docs []vectorindex.Document) (vectorindex.BatchResult, error) {
	m.record("BatchInsert", classNum, len(docs))
	var res vectorindex.BatchResult
	for range docs {
		if m.InsertErr != nil {
			res.Errors = append(res.Errors, m.InsertErr)
			continue
		}
		m.mu.Lock()
		m.nextID++
		id := "doc-" + strconv.Itoa(m.nextID)
		m.mu.Unlock()
		res.IDs = append(res.IDs, id)
	}
	return res, nil
}

// IntegrityCheck implements vectorindex.Index.
func (m *Index) IntegrityCheck(_ context.Context) (vectorindex.HealthState, error) {
	m.record("IntegrityCheck")
	return m.Health, m.HealthErr
}

// Close implements vectorindex.Index.
func (m *Index) Close() {
	m.record("Close")
}
