package storage

import "github.com/PaesslerAG/jsonpath"

// matchesJSONPath evaluates a JSONPath predicate against a node's metadata
// map, used by ListNodes and the retrieval engine's metadata filter. A
// malformed path or a path that resolves to nothing is treated as no match
// rather than an error, since filters are advisory narrowing, not validation.
func matchesJSONPath(metadata map[string]interface{}, path string) bool {
	if path == "" {
		return true
	}
	v, err := jsonpath.Get(path, map[string]interface{}{"metadata": metadata})
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}
