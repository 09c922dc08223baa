package v1

import "encoding/json"

// runIDPaths lists every place a run id has been written across payload
// revisions, in lookup order. All of them are still read.
var runIDPaths = [][]string{
	{"runId"},
	{"run_id"},
	{"metadata", "runId"},
	{"metadata", "run_id"},
	{"message", "runId"},
	{"message", "run_id"},
	{"messageMetadata", "runId"},
}

// ExtractRunID returns the first non-empty run id found in a raw payload, or
// "" when none is present or the payload is not a JSON object.
func ExtractRunID(raw json.RawMessage) string {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(unwrapEncoded(raw), &root); err != nil {
		return ""
	}
	for _, path := range runIDPaths {
		if id := lookupString(root, path); id != "" {
			return id
		}
	}
	return ""
}

func lookupString(obj map[string]json.RawMessage, path []string) string {
	value, ok := obj[path[0]]
	if !ok {
		return ""
	}
	if len(path) == 1 {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return ""
		}
		return s
	}
	var child map[string]json.RawMessage
	if err := json.Unmarshal(value, &child); err != nil {
		return ""
	}
	return lookupString(child, path[1:])
}
