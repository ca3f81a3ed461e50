// Package artifact tracks which jobs produced which named artifact sets and
// materializes them for downstream consumers, plus the cross-run cache keyed
// by explicit strings. Storage is a local directory tree; writes are
// append-only and keyed by producing job or cache key, so concurrent jobs
// never contend on the same write path.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/pipeline"
)

// ErrDependencyUnavailable is returned when a required upstream artifact set
// is missing at dispatch time, e.g. because the producer was skipped or the
// set outlived its retention window.
var ErrDependencyUnavailable = errors.New("required artifact unavailable")

// DependencyError identifies which upstream let a dependent job down.
type DependencyError struct {
	Job      string
	Upstream string
	Reason   string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("job %q: artifact from %q unavailable: %s", e.Job, e.Upstream, e.Reason)
}

func (e *DependencyError) Unwrap() error { return ErrDependencyUnavailable }

// Set is one published artifact bundle.
type Set struct {
	Job  string
	Name string
	Dir  string
	// ExpiresAt is the lazy retention deadline; zero means the set never
	// expires.
	ExpiresAt time.Time
}

// Broker owns artifact and cache storage for the engine. Artifact sets live
// for one run; cache entries persist across runs under their key.
type Broker struct {
	artifactRoot string
	cacheRoot    string

	mu   sync.Mutex
	sets map[string]*Set // keyed by producing job name

	now func() time.Time
}

// NewBroker creates a broker rooted at the given directories, creating them
// as needed.
func NewBroker(artifactRoot, cacheRoot string) (*Broker, error) {
	for _, dir := range []string{artifactRoot, cacheRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating broker root %q: %w", dir, err)
		}
	}
	return &Broker{
		artifactRoot: artifactRoot,
		cacheRoot:    cacheRoot,
		sets:         make(map[string]*Set),
		now:          time.Now,
	}, nil
}

// Publish collects a finished job's declared artifact paths from its working
// directory, honoring the collection policy: on_success sets are dropped for
// failed jobs, always sets are kept either way. It returns the storage ref,
// or the empty string when nothing was collected.
func (b *Broker) Publish(ctx context.Context, job *pipeline.JobTemplate, workdir string, state pipeline.State) (string, error) {
	spec := job.Artifacts
	if spec == nil {
		return "", nil
	}
	if spec.When == pipeline.CollectOnSuccess && state != pipeline.StateSuccess {
		ctxlog.FromContext(ctx).Debug("Skipping artifact collection for unsuccessful job.", "job", job.Name, "state", string(state))
		return "", nil
	}

	dir := filepath.Join(b.artifactRoot, job.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir for %q: %w", job.Name, err)
	}
	for _, p := range spec.Paths {
		if err := copyTree(filepath.Join(workdir, p), filepath.Join(dir, p)); err != nil {
			return "", fmt.Errorf("collecting %q from job %q: %w", p, job.Name, err)
		}
	}

	set := &Set{Job: job.Name, Name: spec.Name, Dir: dir}
	if spec.ExpireIn > 0 {
		set.ExpiresAt = b.now().Add(spec.ExpireIn)
	}
	b.mu.Lock()
	b.sets[job.Name] = set
	b.mu.Unlock()

	ctxlog.FromContext(ctx).Info("Artifacts published.", "job", job.Name, "set", spec.Name, "paths", len(spec.Paths))
	return dir, nil
}

// Resolve materializes the artifact sets of the named upstream jobs into a
// consumer's working directory. Every listed upstream is required: a missing
// or expired set fails the dispatch with a DependencyError.
func (b *Broker) Resolve(ctx context.Context, job *pipeline.JobTemplate, upstreams []string, workdir string) ([]*Set, error) {
	logger := ctxlog.FromContext(ctx)
	resolved := make([]*Set, 0, len(upstreams))
	for _, upstream := range upstreams {
		b.mu.Lock()
		set, ok := b.sets[upstream]
		b.mu.Unlock()

		if !ok {
			return nil, &DependencyError{Job: job.Name, Upstream: upstream, Reason: "never published"}
		}
		if !set.ExpiresAt.IsZero() && b.now().After(set.ExpiresAt) {
			// Lazy expiry: a read past the retention window treats the set
			// as absent.
			return nil, &DependencyError{Job: job.Name, Upstream: upstream, Reason: "expired"}
		}
		if err := copyTree(set.Dir, workdir); err != nil {
			return nil, fmt.Errorf("materializing artifacts of %q for %q: %w", upstream, job.Name, err)
		}
		resolved = append(resolved, set)
		logger.Debug("Artifacts materialized.", "job", job.Name, "from", upstream)
	}
	return resolved, nil
}

// PullCache copies the cache entry for the job's key into its working
// directory. A miss is an empty starting state, not an error.
func (b *Broker) PullCache(ctx context.Context, spec *pipeline.CacheSpec, workdir string) (bool, error) {
	if spec == nil {
		return false, nil
	}
	dir := filepath.Join(b.cacheRoot, sanitizeKey(spec.Key))
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			ctxlog.FromContext(ctx).Debug("Cache miss.", "key", spec.Key)
			return false, nil
		}
		return false, fmt.Errorf("probing cache %q: %w", spec.Key, err)
	}
	if err := copyTree(dir, workdir); err != nil {
		return false, fmt.Errorf("restoring cache %q: %w", spec.Key, err)
	}
	ctxlog.FromContext(ctx).Debug("Cache restored.", "key", spec.Key)
	return true, nil
}

// PushCache stores the job's declared cache paths back under the key. Paths
// the job never produced are skipped silently: a partial cache is still a
// valid cache.
func (b *Broker) PushCache(ctx context.Context, spec *pipeline.CacheSpec, workdir string) error {
	if spec == nil {
		return nil
	}
	dir := filepath.Join(b.cacheRoot, sanitizeKey(spec.Key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir %q: %w", spec.Key, err)
	}
	for _, p := range spec.Paths {
		src := filepath.Join(workdir, p)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyTree(src, filepath.Join(dir, p)); err != nil {
			return fmt.Errorf("saving cache path %q under %q: %w", p, spec.Key, err)
		}
	}
	ctxlog.FromContext(ctx).Debug("Cache saved.", "key", spec.Key)
	return nil
}

// sanitizeKey makes a cache key safe to use as a directory name.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, key)
}
