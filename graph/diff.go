package graph

import (
	"reflect"

	"github.com/certainly-param/tracelens/types"
)

// Change records the old and new value of a modified key.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// StateDiff is a one-level structural comparison of two states.
type StateDiff struct {
	Added    map[string]any    `json:"added"`
	Removed  map[string]any    `json:"removed"`
	Modified map[string]Change `json:"modified"`
}

// Empty reports whether the diff records no differences.
func (d StateDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff compares two states over the union of their top-level keys. Keys
// only in b are added, keys only in a are removed, keys in both with
// unequal values are modified. Equality is value equality on decoded
// structured data; there is no recursion — a nested change surfaces as
// a whole-value replacement under Modified.
func Diff(a, b types.State) StateDiff {
	d := StateDiff{
		Added:    map[string]any{},
		Removed:  map[string]any{},
		Modified: map[string]Change{},
	}

	for key, bv := range b {
		av, inA := a[key]
		if !inA {
			d.Added[key] = bv
			continue
		}
		if !reflect.DeepEqual(av, bv) {
			d.Modified[key] = Change{Old: av, New: bv}
		}
	}

	for key, av := range a {
		if _, inB := b[key]; !inB {
			d.Removed[key] = av
		}
	}

	return d
}
