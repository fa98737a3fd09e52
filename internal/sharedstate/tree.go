package sharedstate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Encode marshals a value for storage. A nil value, or one that encodes to
// JSON null, reports remove=true.
func Encode(value any) (raw json.RawMessage, remove bool, err error) {
	if value == nil {
		return nil, true, nil
	}
	if r, ok := value.(json.RawMessage); ok {
		if len(r) == 0 || string(r) == "null" {
			return nil, true, nil
		}
		return r, false, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("encode value: %w", err)
	}
	if string(data) == "null" {
		return nil, true, nil
	}
	return data, false, nil
}

// Merge overlays partial onto the object stored in existing. A non-object
// existing value is replaced.
func Merge(existing json.RawMessage, partial map[string]any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &fields); err != nil {
			fields = map[string]json.RawMessage{}
		}
	}
	for key, value := range partial {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", key, err)
		}
		fields[key] = data
	}
	return json.Marshal(fields)
}

// ApplyIncrement adds delta to an integer field of the object in existing
// and overlays extra. applied is false when the result would be negative.
func ApplyIncrement(existing json.RawMessage, field string, delta int, extra map[string]any) (json.RawMessage, int, bool, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(existing, &fields); err != nil {
		return nil, 0, false, fmt.Errorf("decode counter record: %w", err)
	}
	current := 0
	if raw, ok := fields[field]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, 0, false, fmt.Errorf("decode %s: %w", field, err)
		}
	}
	next := current + delta
	if next < 0 {
		return existing, current, false, nil
	}
	partial := map[string]any{field: next}
	for key, value := range extra {
		partial[key] = value
	}
	merged, err := Merge(existing, partial)
	if err != nil {
		return nil, 0, false, err
	}
	return merged, next, true, nil
}

// Assemble builds the object for path out of its stored descendants. rows
// is keyed by full path.
func Assemble(path string, rows map[string]json.RawMessage) (json.RawMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	prefix := DescendantPrefix(path)
	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	root := map[string]any{}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		segments := strings.Split(rel, "/")
		node := root
		for _, segment := range segments[:len(segments)-1] {
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
		node[segments[len(segments)-1]] = rows[key]
	}
	return json.Marshal(root)
}

// Extract walks rel (a slash separated path) into the object stored in value.
// It returns nil when any step is missing.
func Extract(value json.RawMessage, rel string) json.RawMessage {
	current := value
	for _, segment := range strings.Split(rel, "/") {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(current, &fields); err != nil {
			return nil
		}
		next, ok := fields[segment]
		if !ok || string(next) == "null" {
			return nil
		}
		current = next
	}
	return current
}

// Patch replaces the value at rel inside an assembled view, removing it
// when value is nil. Objects left empty disappear, the way Assemble omits
// them.
func Patch(view json.RawMessage, rel string, value json.RawMessage) (json.RawMessage, error) {
	return patch(view, strings.Split(rel, "/"), value)
}

func patch(node json.RawMessage, segments []string, value json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(node) > 0 && string(node) != "null" {
		if err := json.Unmarshal(node, &fields); err != nil {
			return nil, fmt.Errorf("patch %s: %w", strings.Join(segments, "/"), err)
		}
	}
	head := segments[0]
	next := value
	if len(segments) > 1 {
		child, err := patch(fields[head], segments[1:], value)
		if err != nil {
			return nil, err
		}
		next = child
	}
	if next == nil {
		delete(fields, head)
	} else {
		fields[head] = next
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return json.Marshal(fields)
}

// Resolve picks the value visible at path given the row stored exactly at
// path, the nearest stored ancestor and the stored descendants.
func Resolve(path string, exact json.RawMessage, ancestorPath string, ancestor json.RawMessage, descendants map[string]json.RawMessage) (json.RawMessage, error) {
	if exact != nil {
		return exact, nil
	}
	if ancestor != nil {
		return Extract(ancestor, strings.TrimPrefix(path, DescendantPrefix(ancestorPath))), nil
	}
	return Assemble(path, descendants)
}

// Decode unmarshals a stored value. Absent values decode to nil.
func Decode[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode state value: %w", err)
	}
	return &out, nil
}
