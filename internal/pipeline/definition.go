package pipeline

import "fmt"

// Definition is the loaded, validated pipeline document: ordered stages,
// global variables and the flattened job templates. It is loaded once and
// immutable afterwards; hidden templates have already been stripped.
type Definition struct {
	Stages    []string
	Variables map[string]string
	// Jobs preserves document order so that graph construction and dispatch
	// tie-breaking stay deterministic across runs.
	Jobs []*JobTemplate
}

// StageIndex returns the ordinal of a stage name, or an error for a stage
// the document never declared.
func (d *Definition) StageIndex(name string) (int, error) {
	for i, s := range d.Stages {
		if s == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Job looks a template up by name.
func (d *Definition) Job(name string) (*JobTemplate, bool) {
	for _, j := range d.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return nil, false
}
