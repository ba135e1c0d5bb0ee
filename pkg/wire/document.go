package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PathSeparator separates a field key from an entity key in a change path
const PathSeparator = "/"

// ErrEmptyPath is returned when a change addresses no field
var ErrEmptyPath = errors.New("empty change path")

// Document is the shared editable model of one app.
//
// Fields holds the model content. Field keys must not contain PathSeparator;
// a path "a/b" addresses key b of the map stored under field a. A nil value is
// the same as an absent one.
type Document struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parent     string         `json:"parent,omitempty"`
	LastUpdate int64          `json:"lastUpdate"`
	Size       int            `json:"size"`
	Fields     map[string]any `json:"fields"`
}

// NewDocument creates an empty document
func NewDocument(id, name string) *Document {
	return &Document{
		ID:     id,
		Name:   name,
		Fields: make(map[string]any),
	}
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Fields = CopyMap(d.Fields)
	if c.Fields == nil {
		c.Fields = make(map[string]any)
	}
	return &c
}

// Get returns the value stored at path, or nil
func (d *Document) Get(path string) any {
	key, sub, nested := SplitPath(path)
	value, ok := d.Fields[key]
	if !ok || !nested {
		return value
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return m[sub]
}

// Set stores value at path. A nil value removes the entry.
func (d *Document) Set(path string, value any) error {
	key, sub, nested := SplitPath(path)
	if key == "" {
		return ErrEmptyPath
	}
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	if !nested {
		if value == nil {
			delete(d.Fields, key)
		} else {
			d.Fields[key] = value
		}
		return nil
	}

	m, ok := d.Fields[key].(map[string]any)
	if !ok {
		if value == nil {
			return nil
		}
		m = make(map[string]any)
		d.Fields[key] = m
	}
	if value == nil {
		delete(m, sub)
	} else {
		m[sub] = value
	}
	return nil
}

// Apply merges changes into the document in order. Values are copied so the
// document never shares mutable state with the caller.
func (d *Document) Apply(changes []Change) error {
	for _, change := range changes {
		var value any
		if !change.IsRemove() {
			value = Copy(change.Value)
		}
		if err := d.Set(change.Path, value); err != nil {
			return fmt.Errorf("failed to apply change %q: %w", change.Path, err)
		}
	}
	return nil
}

// Touch advances LastUpdate to now, keeping it strictly increasing, and
// recomputes the serialized size.
func (d *Document) Touch(nowMillis int64) {
	if nowMillis <= d.LastUpdate {
		nowMillis = d.LastUpdate + 1
	}
	d.LastUpdate = nowMillis
	d.Size = 0
	if data, err := json.Marshal(d); err == nil {
		d.Size = len(data)
	}
}

// SplitPath splits a change path into its field key and, for a nested path,
// the entity key inside that field
func SplitPath(path string) (key, sub string, nested bool) {
	return strings.Cut(path, PathSeparator)
}

// JoinPath builds the path of an entity inside a collection field
func JoinPath(field, key string) string {
	return field + PathSeparator + key
}

// Copy deep-copies maps and slices decoded from JSON or built by callers.
// Other values are returned as is.
func Copy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Copy(item)
		}
		return out
	default:
		return v
	}
}

// CopyMap deep-copies a map
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Copy(v)
	}
	return out
}
