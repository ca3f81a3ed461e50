package config

// resolveExtends flattens the extends relation for every job in the
// document. Bases are merged left to right, the child last, so the nearest
// declaration wins. The merge is deterministic and side-effect free: inputs
// are never mutated, every call builds fresh maps.
func resolveExtends(doc *document) (map[string]map[string]any, error) {
	resolved := make(map[string]map[string]any, len(doc.jobs))
	// visiting tracks the current resolution chain for cycle detection.
	visiting := make(map[string]bool)

	var resolve func(name string) (map[string]any, error)
	resolve = func(name string) (map[string]any, error) {
		if flat, ok := resolved[name]; ok {
			return flat, nil
		}
		if visiting[name] {
			return nil, configErrf(nil, "cyclic extends involving job %q", name)
		}
		body, ok := doc.jobs[name]
		if !ok {
			return nil, configErrf(nil, "extends references unknown job %q", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		bases, err := extendsList(name, body)
		if err != nil {
			return nil, err
		}

		flat := map[string]any{}
		for _, base := range bases {
			parent, err := resolve(base)
			if err != nil {
				return nil, err
			}
			flat = mergeValue(flat, parent).(map[string]any)
		}
		flat = mergeValue(flat, body).(map[string]any)
		delete(flat, "extends")

		resolved[name] = flat
		return flat, nil
	}

	for _, name := range doc.order {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// extendsList reads a job's extends key as either a single name or a list.
func extendsList(name string, body map[string]any) ([]string, error) {
	raw, ok := body["extends"]
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, configErrf(nil, "job %q: extends entries must be job names", name)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, configErrf(nil, "job %q: extends must be a job name or list of job names", name)
	}
}

// mergeValue composes an overriding value onto a base value: mappings merge
// key-wise, everything else (scalars and lists alike) is replaced wholesale
// by the override.
func mergeValue(base, override any) any {
	baseMap, baseIsMap := base.(map[string]any)
	overMap, overIsMap := override.(map[string]any)
	if !baseIsMap || !overIsMap {
		return copyValue(override)
	}

	out := make(map[string]any, len(baseMap)+len(overMap))
	for k, v := range baseMap {
		out[k] = copyValue(v)
	}
	for k, v := range overMap {
		if existing, ok := out[k]; ok {
			out[k] = mergeValue(existing, v)
		} else {
			out[k] = copyValue(v)
		}
	}
	return out
}

// copyValue deep-copies the container shapes yaml produces so merged jobs
// never alias the document they came from.
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
