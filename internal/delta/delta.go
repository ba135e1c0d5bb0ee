// Package delta computes field level differences between two document
// snapshots.
package delta

import (
	"reflect"
	"sort"

	"protoedit/editcore/pkg/wire"

	"github.com/wI2L/jsondiff"
)

// Delta holds the old and new values of every key that differs between two
// snapshots. An empty Delta means nothing changed.
type Delta struct {
	Old map[string]any `json:"old"`
	New map[string]any `json:"new"`
}

// Compute compares old and new for each key of interest and records only the
// keys whose values differ. A key absent from old is recorded with a nil old
// value, and likewise for new.
func Compute(old, new map[string]any, keys []string) Delta {
	d := Delta{
		Old: make(map[string]any),
		New: make(map[string]any),
	}
	for _, key := range keys {
		o := old[key]
		n := new[key]
		if equal(o, n) {
			continue
		}
		d.Old[key] = wire.Copy(o)
		d.New[key] = wire.Copy(n)
	}
	return d
}

// Between computes the delta between two documents at entity level. A field
// holding a map in both snapshots is compared key by key ("field/key"), every
// other field as a whole.
func Between(old, new *wire.Document) Delta {
	var oldFields, newFields map[string]any
	if old != nil {
		oldFields = old.Fields
	}
	if new != nil {
		newFields = new.Fields
	}
	fo, fn := flatten(oldFields, newFields)
	return Compute(fo, fn, Keys(fo, fn))
}

// Keys returns the sorted union of the keys of a and b
func Keys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether no key changed
func (d Delta) IsEmpty() bool {
	return len(d.New) == 0
}

// Len returns the number of changed keys
func (d Delta) Len() int {
	return len(d.New)
}

// Keys returns the changed keys in sorted order
func (d Delta) Keys() []string {
	return Keys(d.New, nil)
}

// Changes converts the delta into change descriptors ordered by path
func (d Delta) Changes() []wire.Change {
	keys := d.Keys()
	changes := make([]wire.Change, 0, len(keys))
	for _, key := range keys {
		value := d.New[key]
		if value == nil {
			changes = append(changes, wire.Change{Type: wire.ChangeRemove, Path: key})
			continue
		}
		changes = append(changes, wire.Change{Type: wire.ChangeSet, Path: key, Value: value})
	}
	return changes
}

// Invert returns the delta that undoes d
func (d Delta) Invert() Delta {
	return Delta{Old: d.New, New: d.Old}
}

// flatten expands map valued fields present as maps on both sides into
// "field/key" entries
func flatten(old, new map[string]any) (map[string]any, map[string]any) {
	fo := make(map[string]any, len(old))
	fn := make(map[string]any, len(new))
	for _, key := range Keys(old, new) {
		om, oldIsMap := old[key].(map[string]any)
		nm, newIsMap := new[key].(map[string]any)
		if !oldIsMap || !newIsMap {
			if v, ok := old[key]; ok {
				fo[key] = v
			}
			if v, ok := new[key]; ok {
				fn[key] = v
			}
			continue
		}
		for sub, v := range om {
			fo[wire.JoinPath(key, sub)] = v
		}
		for sub, v := range nm {
			fn[wire.JoinPath(key, sub)] = v
		}
	}
	return fo, fn
}

// equal compares two values by their JSON representation so that numbers
// decoded from the network compare equal to the ones built locally
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	patch, err := jsondiff.Compare(a, b)
	if err != nil {
		return reflect.DeepEqual(a, b)
	}
	return len(patch) == 0
}
