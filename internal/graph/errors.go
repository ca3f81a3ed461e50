package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrCycle marks a dependency cycle among the live jobs.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnresolvedNeeds marks a needs reference to a job that is not part
	// of this pipeline (unknown, hidden, or excluded by its rules).
	ErrUnresolvedNeeds = errors.New("unresolved needs reference")
	// ErrStageOrder marks a needs edge pointing at a later-stage job.
	ErrStageOrder = errors.New("needs violates stage order")
	// ErrBadDependencies marks an artifact dependency on a non-ancestor job.
	ErrBadDependencies = errors.New("dependencies must name ancestors")
)

// GraphError wraps a build-time graph validation failure. It is fatal: the
// pipeline never starts.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func graphErrf(kind error, format string, args ...any) error {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
