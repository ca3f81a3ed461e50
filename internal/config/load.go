// Package config loads the declarative pipeline document: YAML parsing,
// extends flattening, rule compilation and structural validation. Every
// failure here is a ConfigurationError raised before any job runs.
package config

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/pipeline"
	"github.com/vk/gantry/internal/retry"
	"github.com/vk/gantry/internal/rules"
)

// Load reads and parses a pipeline file into an immutable Definition.
func Load(ctx context.Context, path string) (*pipeline.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrf(err, "reading pipeline file %q", path)
	}
	return Parse(ctx, data)
}

// Parse builds a Definition from raw document bytes.
func Parse(ctx context.Context, data []byte) (*pipeline.Definition, error) {
	logger := ctxlog.FromContext(ctx)

	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	logger.Debug("Pipeline document parsed.", "stages", len(doc.Stages), "jobs", len(doc.order))

	flattened, err := resolveExtends(doc)
	if err != nil {
		return nil, err
	}
	logger.Debug("Extends resolution complete.")

	def := &pipeline.Definition{
		Stages:    doc.Stages,
		Variables: doc.Variables,
	}
	for _, name := range doc.order {
		if hidden(name) {
			continue
		}
		tmpl, err := buildTemplate(name, flattened[name], def)
		if err != nil {
			return nil, err
		}
		def.Jobs = append(def.Jobs, tmpl)
	}
	if len(def.Jobs) == 0 {
		return nil, configErrf(nil, "pipeline document declares no runnable jobs")
	}

	logger.Debug("Pipeline definition loaded.", "jobs", len(def.Jobs))
	return def, nil
}

// buildTemplate converts one flattened job body into a validated template.
func buildTemplate(name string, flat map[string]any, def *pipeline.Definition) (*pipeline.JobTemplate, error) {
	// Round-trip through YAML to decode the merged generic map with the same
	// flexible scalar handling the original document got.
	blob, err := yaml.Marshal(flat)
	if err != nil {
		return nil, configErrf(err, "job %q: re-encoding merged body", name)
	}
	var raw rawJob
	if err := yaml.Unmarshal(blob, &raw); err != nil {
		return nil, configErrf(err, "job %q: decoding merged body", name)
	}

	if raw.Stage == "" {
		return nil, configErrf(nil, "job %q declares no stage", name)
	}
	if _, err := def.StageIndex(raw.Stage); err != nil {
		return nil, configErrf(err, "job %q", name)
	}
	if len(raw.Script) == 0 {
		return nil, configErrf(nil, "job %q declares no script", name)
	}

	tmpl := &pipeline.JobTemplate{
		Name:         name,
		Stage:        raw.Stage,
		Script:       raw.Script,
		Image:        raw.Image,
		Tags:         raw.Tags,
		Variables:    raw.Variables,
		AllowFailure: raw.AllowFailure,
	}
	if raw.Needs != nil {
		tmpl.Needs = *raw.Needs
		if tmpl.Needs == nil {
			tmpl.Needs = []string{}
		}
	}
	if raw.Dependencies != nil {
		tmpl.Dependencies = *raw.Dependencies
		if tmpl.Dependencies == nil {
			tmpl.Dependencies = []string{}
		}
	}

	if tmpl.Retry, err = buildRetry(name, raw.Retry); err != nil {
		return nil, err
	}
	if tmpl.Rules, err = buildRules(name, raw.Rules); err != nil {
		return nil, err
	}
	if tmpl.Artifacts, err = buildArtifacts(name, raw.Artifacts); err != nil {
		return nil, err
	}
	if raw.Cache != nil {
		if raw.Cache.Key == "" {
			return nil, configErrf(nil, "job %q: cache declares no key", name)
		}
		tmpl.Cache = &pipeline.CacheSpec{Key: raw.Cache.Key, Paths: raw.Cache.Paths}
	}
	return tmpl, nil
}

func buildRetry(name string, raw rawRetry) (retry.Policy, error) {
	if raw.Max < 0 {
		return retry.Policy{}, configErrf(nil, "job %q: retry.max must not be negative", name)
	}
	for _, w := range raw.When {
		switch w {
		case retry.Always,
			string(retry.ScriptFailure),
			string(retry.RunnerSystemFailure),
			string(retry.APIFailure):
		default:
			return retry.Policy{}, configErrf(nil, "job %q: unknown retry reason %q", name, w)
		}
	}
	return retry.Policy{Max: raw.Max, When: raw.When}, nil
}

func buildRules(name string, raw []rawRule) (*rules.RuleSet, error) {
	list := make([]rules.Rule, 0, len(raw))
	for _, r := range raw {
		action, err := rules.ParseAction(r.When)
		if err != nil {
			return nil, configErrf(err, "job %q", name)
		}
		list = append(list, rules.Rule{If: r.If, When: action})
	}
	rs, err := rules.Compile(list)
	if err != nil {
		return nil, configErrf(err, "job %q", name)
	}
	return rs, nil
}

func buildArtifacts(name string, raw *rawArtifacts) (*pipeline.ArtifactSpec, error) {
	if raw == nil {
		return nil, nil
	}
	if len(raw.Paths) == 0 {
		return nil, configErrf(nil, "job %q: artifacts declare no paths", name)
	}
	expiry, err := parseExpiry(raw.ExpireIn)
	if err != nil {
		return nil, configErrf(err, "job %q: artifacts.expire_in", name)
	}
	spec := &pipeline.ArtifactSpec{
		Name:     raw.Name,
		Paths:    raw.Paths,
		ExpireIn: expiry,
	}
	switch raw.When {
	case "", string(pipeline.CollectOnSuccess):
		spec.When = pipeline.CollectOnSuccess
	case string(pipeline.CollectAlways):
		spec.When = pipeline.CollectAlways
	default:
		return nil, configErrf(nil, "job %q: unknown artifacts.when %q", name, raw.When)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	return spec, nil
}
