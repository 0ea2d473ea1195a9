// Package rawdoc provides tolerant accessors over decoded JSON documents.
// Scan output arrives as map[string]interface{} straight from encoding/json;
// these helpers absorb missing keys and the float64 numbers the decoder
// produces so callers never panic on a malformed section.
package rawdoc

import (
	"encoding/json"
	"strconv"
)

// Doc is a decoded JSON object.
type Doc = map[string]interface{}

// Parse decodes raw JSON into a Doc.
func Parse(data []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Object returns the nested object at key, or nil when absent or not an object.
func Object(d Doc, key string) Doc {
	if d == nil {
		return nil
	}
	if v, ok := d[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// Array returns the slice at key, or nil when absent or not an array.
func Array(d Doc, key string) []interface{} {
	if d == nil {
		return nil
	}
	if v, ok := d[key].([]interface{}); ok {
		return v
	}
	return nil
}

// Objects returns the array at key filtered down to its object elements.
func Objects(d Doc, key string) []Doc {
	raw := Array(d, key)
	if raw == nil {
		return nil
	}
	out := make([]Doc, 0, len(raw))
	for _, e := range raw {
		if obj, ok := e.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// Str returns the string at key, or "" when absent or not a string.
func Str(d Doc, key string) string {
	if d == nil {
		return ""
	}
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the bool at key. String "true" counts as true.
func Bool(d Doc, key string) bool {
	if d == nil {
		return false
	}
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// SafeInt converts the value at key to int64. JSON numbers decode as
// float64; numeric strings are accepted too. Anything else yields 0.
func SafeInt(d Doc, key string) int64 {
	if d == nil {
		return 0
	}
	switch v := d[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

// SafeFloat converts the value at key to float64, defaulting to 0.
func SafeFloat(d Doc, key string) float64 {
	if d == nil {
		return 0
	}
	switch v := d[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

// Truncate cuts s to at most max bytes. Truncation lands on a byte
// boundary; documents store ASCII command output so that is acceptable.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
