package lab

import (
	"encoding/json"
	"strings"
)

// DecodeMap normalizes a JSON-like column value into a map. Values may arrive
// as encoded text, raw bytes or already-decoded maps; anything that is not a
// JSON object yields nil.
func DecodeMap(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	case Metadata:
		return map[string]any(t)
	case json.RawMessage:
		return decodeBytes(t)
	case []byte:
		return decodeBytes(t)
	case string:
		return decodeBytes([]byte(t))
	case *string:
		if t == nil {
			return nil
		}
		return decodeBytes([]byte(*t))
	}
	return nil
}

func decodeBytes(b []byte) map[string]any {
	s := strings.TrimSpace(string(b))
	if s == "" || s[0] != '{' {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// DecodeFieldSchema normalizes an exam type field schema column. Malformed
// schemas yield nil so callers skip range checks rather than fail.
func DecodeFieldSchema(v any) FieldSchema {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil
	case FieldSchema:
		return t
	case []Section:
		return FieldSchema(t)
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		// Already-decoded structures (map or []any) are re-encoded once.
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		raw = b
	}
	var fs FieldSchema
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil
	}
	return fs
}
