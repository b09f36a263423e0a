// Package results defines the persistence boundary of a run and its
// PostgreSQL implementation.
package results

import (
	"context"
	"sync"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

// Sink persists unit results and run completion. Calls are best-effort
// from the scheduler's point of view: errors are logged, never propagated.
type Sink interface {
	PersistResult(ctx context.Context, projectID string, result reach.EstimateResult) error
	MarkRunComplete(ctx context.Context, projectID string, successCount, errorCount int) error
}

// NopSink discards everything.
type NopSink struct{}

// PersistResult implements Sink.
func (NopSink) PersistResult(context.Context, string, reach.EstimateResult) error { return nil }

// MarkRunComplete implements Sink.
func (NopSink) MarkRunComplete(context.Context, string, int, int) error { return nil }

// Completion is a recorded MarkRunComplete call.
type Completion struct {
	ProjectID    string
	SuccessCount int
	ErrorCount   int
}

// MemorySink keeps everything in memory.
type MemorySink struct {
	mu          sync.Mutex
	results     map[string][]reach.EstimateResult
	completions []Completion
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{results: make(map[string][]reach.EstimateResult)}
}

// PersistResult implements Sink.
func (s *MemorySink) PersistResult(_ context.Context, projectID string, result reach.EstimateResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[projectID] = append(s.results[projectID], result)
	return nil
}

// MarkRunComplete implements Sink.
func (s *MemorySink) MarkRunComplete(_ context.Context, projectID string, successCount, errorCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, Completion{ProjectID: projectID, SuccessCount: successCount, ErrorCount: errorCount})
	return nil
}

// Results returns the results persisted for a project, in arrival order.
func (s *MemorySink) Results(projectID string) []reach.EstimateResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reach.EstimateResult(nil), s.results[projectID]...)
}

// Completions returns all recorded run completions.
func (s *MemorySink) Completions() []Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Completion(nil), s.completions...)
}
