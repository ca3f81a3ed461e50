// Package graph turns a loaded pipeline definition plus an invocation
// context into the immutable job DAG a run executes. Rule evaluation decides
// the live job set; stage barriers and explicit needs both collapse into a
// single edge type here, so the scheduler never special-cases the two.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/gantry/internal/config"
	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/rules"
)

// Node is one live job in the DAG.
type Node struct {
	Name     string
	Template *pipeline.JobTemplate
	// Action is the run policy the job's rules produced (always, on_success
	// or manual; excluded jobs never become nodes).
	Action     rules.Action
	StageIndex int
	Deps       map[string]*Node
	Dependents map[string]*Node
}

// Graph is the immutable result of a build. Order preserves the document
// order of the live jobs so every downstream pass is deterministic.
type Graph struct {
	Nodes  map[string]*Node
	Order  []string
	Stages []string
	// Variables are the document-level variables, carried along so the
	// scheduler can resolve each job's environment without the definition.
	Variables map[string]string
}

// Build evaluates every template's rules under the invocation context, links
// the surviving jobs into a DAG and validates it. The same definition and
// context always yield an isomorphic graph.
func Build(ctx context.Context, def *pipeline.Definition, pctx *pipeline.Context) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: starting graph construction.", "templates", len(def.Jobs))

	g := &Graph{
		Nodes:     make(map[string]*Node),
		Stages:    def.Stages,
		Variables: def.Variables,
	}

	// First pass: rule evaluation selects the live job set.
	for _, tmpl := range def.Jobs {
		action, err := evaluateTemplate(tmpl, def, pctx)
		if err != nil {
			return nil, &config.ConfigurationError{Msg: fmt.Sprintf("job %q", tmpl.Name), Err: err}
		}
		if action == rules.ActionExcluded || action == rules.ActionNever {
			logger.Debug("Build: job excluded by rules.", "job", tmpl.Name, "action", string(action))
			continue
		}
		stageIdx, err := def.StageIndex(tmpl.Stage)
		if err != nil {
			return nil, &config.ConfigurationError{Msg: fmt.Sprintf("job %q", tmpl.Name), Err: err}
		}
		g.Nodes[tmpl.Name] = &Node{
			Name:       tmpl.Name,
			Template:   tmpl,
			Action:     action,
			StageIndex: stageIdx,
			Deps:       make(map[string]*Node),
			Dependents: make(map[string]*Node),
		}
		g.Order = append(g.Order, tmpl.Name)
	}
	logger.Debug("Build: live job set selected.", "jobs", len(g.Order))

	// Second pass: link edges. Explicit needs replace the stage barrier;
	// everything else depends on all earlier stages.
	for _, name := range g.Order {
		node := g.Nodes[name]
		if node.Template.HasNeeds() {
			if err := linkNeeds(node, g); err != nil {
				return nil, err
			}
			continue
		}
		for _, otherName := range g.Order {
			other := g.Nodes[otherName]
			if other.StageIndex < node.StageIndex {
				addEdge(other, node)
			}
		}
	}
	logger.Debug("Build: edge linking complete.")

	if err := validateDependencies(g); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	logger.Debug("Build: cycle detection passed.")

	return g, nil
}

// evaluateTemplate runs the job's rules against the merged variable scope:
// invocation context, then global variables, then job overrides.
func evaluateTemplate(tmpl *pipeline.JobTemplate, def *pipeline.Definition, pctx *pipeline.Context) (rules.Action, error) {
	vars := pctx.VarMap()
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range tmpl.Variables {
		vars[k] = v
	}
	return tmpl.Rules.Evaluate(vars)
}

// linkNeeds wires a job's explicit predecessor list.
func linkNeeds(node *Node, g *Graph) error {
	for _, need := range node.Template.Needs {
		target, ok := g.Nodes[need]
		if !ok {
			return graphErrf(ErrUnresolvedNeeds, "job %q needs %q, which is not part of this pipeline", node.Name, need)
		}
		if target == node {
			return graphErrf(ErrCycle, "job %q needs itself", node.Name)
		}
		if target.StageIndex > node.StageIndex {
			return graphErrf(ErrStageOrder, "job %q (stage %q) needs %q (stage %q)",
				node.Name, node.Template.Stage, need, target.Template.Stage)
		}
		addEdge(target, node)
	}
	return nil
}

// addEdge records that `to` depends on `from`.
func addEdge(from, to *Node) {
	to.Deps[from.Name] = from
	from.Dependents[to.Name] = to
}

// validateDependencies enforces the canonical precedence rule: an explicit
// dependencies list must name graph ancestors of the job, since artifacts
// can only flow along edges that already order the two jobs.
func validateDependencies(g *Graph) error {
	for _, name := range g.Order {
		node := g.Nodes[name]
		deps := node.Template.Dependencies
		if deps == nil {
			continue
		}
		ancestors := g.Ancestors(name)
		for _, dep := range deps {
			if _, ok := ancestors[dep]; !ok {
				return graphErrf(ErrBadDependencies, "job %q lists %q, which is not an ancestor", name, dep)
			}
		}
	}
	return nil
}

// Ancestors returns the transitive predecessor set of a job.
func (g *Graph) Ancestors(name string) map[string]*Node {
	out := make(map[string]*Node)
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, dep := range n.Deps {
			if _, seen := out[dep.Name]; seen {
				continue
			}
			out[dep.Name] = dep
			walk(dep)
		}
	}
	if n, ok := g.Nodes[name]; ok {
		walk(n)
	}
	return out
}

// DepNames returns a node's direct predecessors in sorted order.
func (n *Node) DepNames() []string {
	names := make([]string, 0, len(n.Deps))
	for name := range n.Deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// detectCycles runs a three-color depth-first search over the dependents
// relation. Cycles can only arise from malformed same-stage needs, since
// cross-stage needs are already constrained to point backwards.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		if permanent[n.Name] {
			return nil
		}
		if temporary[n.Name] {
			return graphErrf(ErrCycle, "involving job %q", n.Name)
		}
		temporary[n.Name] = true
		for _, depName := range sortedKeys(n.Dependents) {
			if err := visit(n.Dependents[depName]); err != nil {
				return err
			}
		}
		delete(temporary, n.Name)
		permanent[n.Name] = true
		return nil
	}

	for _, name := range g.Order {
		if !permanent[name] {
			if err := visit(g.Nodes[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
