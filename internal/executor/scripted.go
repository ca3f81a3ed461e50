package executor

import (
	"context"
	"sync"

	"github.com/vk/gantry/internal/pipeline"
)

// Scripted is a deterministic in-process executor for tests: each job name
// maps to a queue of pre-planned outcomes consumed one per dispatch. Jobs
// without a plan succeed immediately.
type Scripted struct {
	mu         sync.Mutex
	plans      map[string][]Outcome
	dispatches map[string]int
	order      []string
	// Block, when non-nil, is closed by the test to release all dispatches;
	// it models long-running jobs for concurrency assertions.
	Block chan struct{}
}

// NewScripted creates an empty scripted executor.
func NewScripted() *Scripted {
	return &Scripted{
		plans:      make(map[string][]Outcome),
		dispatches: make(map[string]int),
	}
}

// Plan appends outcomes for a job; dispatch n gets the n-th outcome, and
// dispatches beyond the plan succeed.
func (s *Scripted) Plan(jobName string, outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[jobName] = append(s.plans[jobName], outcomes...)
}

// Dispatch implements Executor.
func (s *Scripted) Dispatch(ctx context.Context, job *pipeline.JobTemplate, env map[string]string, workdir string) (Outcome, error) {
	s.mu.Lock()
	n := s.dispatches[job.Name]
	s.dispatches[job.Name] = n + 1
	s.order = append(s.order, job.Name)
	plan := s.plans[job.Name]
	s.mu.Unlock()

	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if n < len(plan) {
		return plan[n], nil
	}
	return Outcome{Success: true}, nil
}

// Cancel implements Executor. Cancellation is driven by the dispatch context.
func (s *Scripted) Cancel(jobName string) {}

// Dispatches returns how many times a job was dispatched.
func (s *Scripted) Dispatches(jobName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches[jobName]
}

// DispatchOrder returns job names in the order they were dispatched.
func (s *Scripted) DispatchOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
