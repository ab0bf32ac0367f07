package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldList is an ordered (field, value) pair list: every stream entry
// carries its fields in the order they were set. go-redis's XAddArgs.Values
// accepts a flat []string and writes it to Redis in that exact order —
// unlike a map[string]interface{}, which would scramble field order on
// every call. Every call site that builds a stream entry goes through
// FieldList so this invariant holds everywhere.
type FieldList []string

// Append adds one field/value pair and returns the (mutated) list, so calls
// can be chained: fields := FieldList{}.Append("a", "1").Append("b", "2").
func (f FieldList) Append(field, value string) FieldList {
	return append(f, field, value)
}

// AppendAll appends another FieldList's pairs in order.
func (f FieldList) AppendAll(other FieldList) FieldList {
	return append(f, other...)
}

// Args returns the list as a flat []string suitable for redis.XAddArgs.Values.
func (f FieldList) Args() []string { return []string(f) }

// Map builds a lookup map from the list, discarding order — use only for
// reads where order no longer matters (e.g. rendering JSON for an HTTP
// response where Go will re-order map keys anyway).
func (f FieldList) Map() map[string]string {
	m := make(map[string]string, len(f)/2)
	for i := 0; i+1 < len(f); i += 2 {
		m[f[i]] = f[i+1]
	}
	return m
}

// Get returns the value for a field, and whether it was present.
func (f FieldList) Get(field string) (string, bool) {
	for i := 0; i+1 < len(f); i += 2 {
		if f[i] == field {
			return f[i+1], true
		}
	}
	return "", false
}

// FlattenJSON decodes a top-level JSON object, preserving key order, and
// returns it as a FieldList. Non-string values are re-encoded to their
// compact JSON form so every stream field is a string, per the data model.
// A nil or empty raw message yields an empty FieldList (not an error).
func FlattenJSON(raw json.RawMessage) (FieldList, error) {
	if len(raw) == 0 {
		return FieldList{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, fmt.Errorf("payload must be a JSON object, got %v", tok)
	}

	var fields FieldList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode payload key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("payload key is not a string: %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode payload value for %q: %w", key, err)
		}

		value, err := jsonValueToString(raw)
		if err != nil {
			return nil, fmt.Errorf("stringify payload value for %q: %w", key, err)
		}

		fields = append(fields, key, value)
	}

	return fields, nil
}

func jsonValueToString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", err
	}
	return buf.String(), nil
}
