// Package rules implements the first-match predicate engine that decides
// whether a job is part of a pipeline and under which policy it runs.
//
// Conditions are HCL expressions over the pipeline's variables, parsed once
// at configuration load time and evaluated against a cty scope. Evaluation is
// pure: the same variables always produce the same action, which lets the
// graph builder re-evaluate templates under speculative contexts.
package rules

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Action is the run policy produced by rule evaluation.
type Action string

const (
	// ActionExcluded means no rule matched: the job is not part of the pipeline.
	ActionExcluded Action = "excluded"
	// ActionNever explicitly excludes the job.
	ActionNever Action = "never"
	// ActionAlways runs the job regardless of upstream outcomes.
	ActionAlways Action = "always"
	// ActionOnSuccess runs the job when its predecessors succeed.
	ActionOnSuccess Action = "on_success"
	// ActionManual materializes the job but leaves it to a human trigger.
	ActionManual Action = "manual"
)

// ParseAction maps a configuration `when` value to an Action. The empty
// string defaults to on_success, matching the dialect's implicit policy.
func ParseAction(s string) (Action, error) {
	switch s {
	case "":
		return ActionOnSuccess, nil
	case "never", "always", "on_success", "manual":
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown rule action %q", s)
	}
}

// Rule is one ordered (condition, action) pair. An empty If matches
// unconditionally, which is how a trailing catch-all rule is written.
type Rule struct {
	If   string
	When Action
}

// RuleSet is an ordered, compiled rule list ready for evaluation.
type RuleSet struct {
	rules []compiledRule
}

type compiledRule struct {
	src  Rule
	expr hcl.Expression // nil for an unconditional rule
}

// Compile parses every condition expression in the given rule list. A
// malformed expression is reported here, at load time, never at schedule
// time.
func Compile(raw []Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]compiledRule, 0, len(raw))}
	for i, r := range raw {
		cr := compiledRule{src: r}
		if r.If != "" {
			expr, diags := hclsyntax.ParseExpression([]byte(r.If), fmt.Sprintf("rules[%d].if", i), hcl.Pos{Line: 1, Column: 1})
			if diags.HasErrors() {
				return nil, fmt.Errorf("rule %d: parsing condition %q: %s", i, r.If, diags.Error())
			}
			cr.expr = expr
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate walks the rules in declared order and returns the action of the
// first rule whose condition holds. Later rules are not consulted once a
// match is found. An empty rule set means the job carries no rules at all and
// is included with the dialect's default policy; a non-empty set where
// nothing matches excludes the job.
func (rs *RuleSet) Evaluate(vars map[string]string) (Action, error) {
	if rs.Len() == 0 {
		return ActionOnSuccess, nil
	}
	for i, cr := range rs.rules {
		if cr.expr == nil {
			return cr.src.When, nil
		}
		ok, err := evalCondition(cr.expr, vars)
		if err != nil {
			return ActionExcluded, fmt.Errorf("rule %d (%q): %w", i, cr.src.If, err)
		}
		if ok {
			return cr.src.When, nil
		}
	}
	return ActionExcluded, nil
}

// evalCondition evaluates one compiled condition against the variable scope.
// Variables the expression references but the scope does not define are bound
// to the empty string, so `CI_COMMIT_TAG != ""` works on untagged pipelines.
func evalCondition(expr hcl.Expression, vars map[string]string) (bool, error) {
	scope := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		scope[k] = cty.StringVal(v)
	}
	for _, traversal := range expr.Variables() {
		root := traversal.RootName()
		if _, ok := scope[root]; !ok {
			scope[root] = cty.StringVal("")
		}
	}

	val, diags := expr.Value(&hcl.EvalContext{
		Variables: scope,
		Functions: conditionFunctions,
	})
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluating condition: %s", diags.Error())
	}
	if val.Type() != cty.Bool {
		return false, fmt.Errorf("condition produced %s, want bool", val.Type().FriendlyName())
	}
	return val.True(), nil
}

// conditionFunctions is the fixed function scope available to conditions.
// match(value, pattern) is the dialect's regex operator.
var conditionFunctions = map[string]function.Function{
	"match": function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "value", Type: cty.String},
			{Name: "pattern", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			re, err := regexp.Compile(args[1].AsString())
			if err != nil {
				return cty.NilVal, fmt.Errorf("invalid pattern: %w", err)
			}
			return cty.BoolVal(re.MatchString(args[0].AsString())), nil
		},
	}),
}

// Referenced returns the sorted set of variable names the rule conditions
// read. Useful for diagnostics when a pipeline behaves unexpectedly.
func (rs *RuleSet) Referenced() []string {
	seen := make(map[string]struct{})
	for _, cr := range rs.rules {
		if cr.expr == nil {
			continue
		}
		for _, traversal := range cr.expr.Variables() {
			seen[traversal.RootName()] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
