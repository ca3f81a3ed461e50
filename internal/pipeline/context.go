// Package pipeline holds the immutable domain model shared by the loader,
// graph builder, scheduler and broker: invocation context, job templates,
// per-job runtime states and the pipeline result record.
package pipeline

// Source identifies the event that triggered a pipeline.
type Source string

const (
	SourcePush         Source = "push"
	SourceSchedule     Source = "schedule"
	SourceMergeRequest Source = "merge_request"
	SourceWeb          Source = "web"
	SourceAPI          Source = "api"
	SourceTrigger      Source = "trigger"
)

// ContextOptions describes one pipeline invocation.
type ContextOptions struct {
	Source     Source
	Ref        string
	Tag        string // commit tag, empty for branch pipelines
	SHA        string
	PipelineID string
	// Vars are extra variables supplied by the triggering event. They are
	// merged under the predefined CI_* set and never override it.
	Vars map[string]string
}

// Context is the immutable invocation metadata a pipeline run is evaluated
// against. It is created once per run and only ever read afterwards.
type Context struct {
	source Source
	ref    string
	tag    string
	vars   map[string]string
}

// NewContext builds a Context, deriving the predefined CI_* variables from
// the options. CI_COMMIT_BRANCH is only set for branch pipelines and
// CI_COMMIT_TAG only for tag pipelines, mirroring how the triggering system
// populates its environment.
func NewContext(opts ContextOptions) *Context {
	vars := make(map[string]string, len(opts.Vars)+8)
	for k, v := range opts.Vars {
		vars[k] = v
	}
	vars["CI_PIPELINE_SOURCE"] = string(opts.Source)
	vars["CI_COMMIT_REF_NAME"] = opts.Ref
	vars["CI_COMMIT_SHA"] = opts.SHA
	vars["CI_PIPELINE_ID"] = opts.PipelineID
	if opts.Tag != "" {
		vars["CI_COMMIT_TAG"] = opts.Tag
	} else {
		vars["CI_COMMIT_BRANCH"] = opts.Ref
	}
	return &Context{
		source: opts.Source,
		ref:    opts.Ref,
		tag:    opts.Tag,
		vars:   vars,
	}
}

// Source returns the triggering event kind.
func (c *Context) Source() Source { return c.source }

// Ref returns the branch or tag name the pipeline runs against.
func (c *Context) Ref() string { return c.ref }

// Tag returns the commit tag, or the empty string for branch pipelines.
func (c *Context) Tag() string { return c.tag }

// Var returns a single context variable, or the empty string if unset.
func (c *Context) Var(name string) string { return c.vars[name] }

// VarMap returns a copy of all context variables. Callers may freely merge
// job-level overrides into the copy.
func (c *Context) VarMap() map[string]string {
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}
