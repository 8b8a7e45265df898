package config

import "fmt"

// DeepMerge merges src into dst and returns dst. Objects merge key by key,
// recursively; any other value in src (arrays, scalars, null) replaces the
// value in dst wholesale. A nil dst is allocated.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, sv := range src {
		srcMap, srcIsMap := asMap(sv)
		dstMap, dstIsMap := asMap(dst[k])
		if srcIsMap && dstIsMap {
			dst[k] = DeepMerge(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			dst[k] = DeepMerge(nil, srcMap)
			continue
		}
		dst[k] = sv
	}
	return dst
}

// asMap normalizes the map shapes produced by the YAML, JSON and TOML
// decoders into map[string]any.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
