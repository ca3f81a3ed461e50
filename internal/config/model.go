package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// document is the raw parsed pipeline file: the reserved top-level keys plus
// every job mapping in declaration order. Jobs are kept as generic maps until
// extends resolution has flattened them.
type document struct {
	Stages    []string
	Variables map[string]string
	// jobs maps job name to its undecoded body; order preserves the
	// document so later passes stay deterministic.
	jobs  map[string]map[string]any
	order []string
}

// reserved top-level keys that are not job names.
var reservedKeys = map[string]struct{}{
	"stages":    {},
	"variables": {},
}

// parseDocument splits the top-level mapping into reserved keys and jobs.
func parseDocument(data []byte) (*document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, configErrf(err, "parsing pipeline document")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, configErrf(nil, "empty pipeline document")
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, configErrf(nil, "pipeline document must be a mapping")
	}

	doc := &document{
		Variables: map[string]string{},
		jobs:      map[string]map[string]any{},
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode, valNode := mapping.Content[i], mapping.Content[i+1]
		key := keyNode.Value

		switch key {
		case "stages":
			if err := valNode.Decode(&doc.Stages); err != nil {
				return nil, configErrf(err, "decoding stages")
			}
		case "variables":
			if err := valNode.Decode(&doc.Variables); err != nil {
				return nil, configErrf(err, "decoding variables")
			}
		default:
			if _, dup := doc.jobs[key]; dup {
				return nil, configErrf(nil, "duplicate job %q", key)
			}
			var body map[string]any
			if err := valNode.Decode(&body); err != nil {
				return nil, configErrf(err, "decoding job %q", key)
			}
			doc.jobs[key] = body
			doc.order = append(doc.order, key)
		}
	}
	if len(doc.Stages) == 0 {
		return nil, configErrf(nil, "pipeline document declares no stages")
	}
	return doc, nil
}

// hidden reports whether a job name is a template-only declaration.
func hidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// rawJob is the decoded shape of one flattened job body.
type rawJob struct {
	Stage        string            `yaml:"stage"`
	Script       stringList        `yaml:"script"`
	Image        string            `yaml:"image"`
	Tags         []string          `yaml:"tags"`
	Variables    map[string]string `yaml:"variables"`
	Rules        []rawRule         `yaml:"rules"`
	Needs        *[]string         `yaml:"needs"`
	Dependencies *[]string         `yaml:"dependencies"`
	AllowFailure bool              `yaml:"allow_failure"`
	Retry        rawRetry          `yaml:"retry"`
	Artifacts    *rawArtifacts     `yaml:"artifacts"`
	Cache        *rawCache         `yaml:"cache"`
}

type rawRule struct {
	If   string `yaml:"if"`
	When string `yaml:"when"`
}

type rawRetry struct {
	Max  int        `yaml:"max"`
	When stringList `yaml:"when"`
}

// UnmarshalYAML accepts both the bare-count shorthand (`retry: 2`) and the
// full mapping form.
func (r *rawRetry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.Max)
	}
	type plain rawRetry
	return value.Decode((*plain)(r))
}

type rawArtifacts struct {
	Name     string   `yaml:"name"`
	Paths    []string `yaml:"paths"`
	ExpireIn string   `yaml:"expire_in"`
	When     string   `yaml:"when"`
}

type rawCache struct {
	Key   string   `yaml:"key"`
	Paths []string `yaml:"paths"`
}

// stringList accepts either a single scalar or a sequence of scalars.
type stringList []string

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = stringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}
