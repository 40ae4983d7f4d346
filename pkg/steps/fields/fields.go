// Package fields reads and writes item payload fields addressed by
// dot-separated paths ("author.name", "rows.0.title"). Paths follow gjson
// syntax for reads and sjson syntax for writes.
package fields

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Get returns the value at path. The second result is false when nothing
// is stored there.
func Get(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}
	if !strings.ContainsAny(path, ".#*?|@") {
		return nil, false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Set returns data with value stored at path, creating intermediate
// objects as needed. data itself is left untouched when the path is nested.
func Set(data map[string]any, path string, value any) (map[string]any, error) {
	if data == nil {
		data = map[string]any{}
	}
	if !strings.Contains(path, ".") {
		data[path] = value
		return data, nil
	}
	return rewrite(data, path, func(raw []byte) ([]byte, error) {
		return sjson.SetBytes(raw, path, value)
	})
}

// Delete returns data without path.
func Delete(data map[string]any, path string) (map[string]any, error) {
	if !strings.Contains(path, ".") {
		delete(data, path)
		return data, nil
	}
	return rewrite(data, path, func(raw []byte) ([]byte, error) {
		return sjson.DeleteBytes(raw, path)
	})
}

func rewrite(data map[string]any, path string, fn func([]byte) ([]byte, error)) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-serializable: %w", err)
	}
	raw, err = fn(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot update %q: %w", path, err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cannot decode updated payload: %w", err)
	}
	return out, nil
}
