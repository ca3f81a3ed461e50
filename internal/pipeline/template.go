package pipeline

import (
	"time"

	"github.com/vk/gantry/internal/retry"
	"github.com/vk/gantry/internal/rules"
)

// CollectPolicy controls when a job's artifacts are published.
type CollectPolicy string

const (
	// CollectOnSuccess publishes artifacts only for successful jobs.
	CollectOnSuccess CollectPolicy = "on_success"
	// CollectAlways publishes artifacts even when the job failed.
	CollectAlways CollectPolicy = "always"
)

// ArtifactSpec declares the named output blob set a job produces.
type ArtifactSpec struct {
	Name  string
	Paths []string
	// ExpireIn is the retention window. Zero means the artifacts never
	// expire. Expiry is enforced lazily: a read past the window treats the
	// set as absent.
	ExpireIn time.Duration
	When     CollectPolicy
}

// CacheSpec declares a cross-run reusable blob set, keyed independently of
// any single pipeline.
type CacheSpec struct {
	Key   string
	Paths []string
}

// JobTemplate is a fully resolved, immutable job declaration. Inheritance
// (`extends`) has already been flattened by the loader; a template never
// refers back to its bases.
type JobTemplate struct {
	Name  string
	Stage string

	// Script is the opaque payload handed to the executor. The engine never
	// interprets its contents.
	Script []string
	Image  string

	// Tags select the runner pool the job is dispatched to. An untagged job
	// uses the default pool.
	Tags []string

	// Variables are job-level overrides, nearest-wins over the global and
	// invocation variables.
	Variables map[string]string

	// Needs lists explicit predecessors, opting the job out of the strict
	// stage barrier. nil means "no needs declared": the job depends on every
	// job of every earlier stage. A non-nil empty slice detaches the job
	// from all predecessors.
	Needs []string

	// Dependencies names the jobs whose artifacts are materialized before
	// dispatch. nil means "derive from Needs". A non-nil value (even empty)
	// is an explicit override and must be a subset of the job's graph
	// ancestors.
	Dependencies []string

	// AllowFailure lets the job fail without blocking downstream jobs or the
	// pipeline's overall success.
	AllowFailure bool

	Retry     retry.Policy
	Rules     *rules.RuleSet
	Artifacts *ArtifactSpec
	Cache     *CacheSpec
}

// ArtifactSources resolves the needs/dependencies precedence: an explicit
// Dependencies list wins, otherwise Needs doubles as the artifact source set.
func (t *JobTemplate) ArtifactSources() []string {
	if t.Dependencies != nil {
		return t.Dependencies
	}
	return t.Needs
}

// HasNeeds reports whether the template declared an explicit needs list and
// therefore bypasses the strict stage barrier.
func (t *JobTemplate) HasNeeds() bool { return t.Needs != nil }
