package delta

import (
	"testing"

	"protoedit/editcore/pkg/wire"

	"github.com/go-playground/assert/v2"
)

func TestComputeChangedKeyOnly(t *testing.T) {
	old := map[string]any{"color": "red", "w": 10}
	new := map[string]any{"color": "red", "w": 20}

	d := Compute(old, new, Keys(old, new))

	assert.Equal(t, 1, d.Len())
	assert.Equal(t, map[string]any{"w": 10}, d.Old)
	assert.Equal(t, map[string]any{"w": 20}, d.New)
}

func TestComputeSameSnapshotIsEmpty(t *testing.T) {
	x := map[string]any{
		"color": "red",
		"grid":  map[string]any{"w": 8, "h": 8},
		"tags":  []any{"a", "b"},
	}

	d := Compute(x, x, Keys(x, x))

	assert.Equal(t, true, d.IsEmpty())
	assert.Equal(t, 0, len(d.Changes()))
}

func TestComputeExactlyDifferingKeys(t *testing.T) {
	x := map[string]any{"a": 1, "b": "two", "c": true}
	y := map[string]any{"a": 1, "b": "three", "d": 4.5}

	d := Compute(x, y, Keys(x, y))

	assert.Equal(t, []string{"b", "c", "d"}, d.Keys())
	assert.Equal(t, nil, d.Old["d"])
	assert.Equal(t, nil, d.New["c"])
	assert.Equal(t, true, d.Old["c"])
}

func TestComputeOnlyKeysOfInterest(t *testing.T) {
	x := map[string]any{"a": 1, "b": 2}
	y := map[string]any{"a": 5, "b": 6}

	d := Compute(x, y, []string{"b"})

	assert.Equal(t, []string{"b"}, d.Keys())
}

func TestComputeNumbersCompareByValue(t *testing.T) {
	x := map[string]any{"w": 10}
	y := map[string]any{"w": float64(10)}

	assert.Equal(t, true, Compute(x, y, Keys(x, y)).IsEmpty())
}

func TestBetweenEntityLevel(t *testing.T) {
	old := wire.NewDocument("app1", "demo")
	old.Fields["widgets"] = map[string]any{
		"w1": map[string]any{"x": 1},
		"w2": map[string]any{"x": 2},
	}
	old.Fields["color"] = "red"

	new := old.Clone()
	new.Fields["widgets"].(map[string]any)["w2"] = map[string]any{"x": 3}
	delete(new.Fields["widgets"].(map[string]any), "w1")
	new.Fields["grid"] = map[string]any{"w": 8}

	d := Between(old, new)

	assert.Equal(t, []string{"grid", "widgets/w1", "widgets/w2"}, d.Keys())

	changes := d.Changes()
	assert.Equal(t, wire.ChangeSet, changes[0].Type)
	assert.Equal(t, wire.ChangeRemove, changes[1].Type)
	assert.Equal(t, "widgets/w2", changes[2].Path)
}

func TestChangesReplayOntoOld(t *testing.T) {
	old := wire.NewDocument("app1", "demo")
	old.Fields["lines"] = map[string]any{"l1": map[string]any{"from": "a", "to": "b"}}
	old.Fields["name"] = "first"

	new := old.Clone()
	new.Fields["lines"].(map[string]any)["l2"] = map[string]any{"from": "b", "to": "c"}
	new.Fields["name"] = "second"

	d := Between(old, new)
	replay := old.Clone()
	assert.Equal(t, nil, replay.Apply(d.Changes()))

	assert.Equal(t, true, Between(replay, new).IsEmpty())
}

func TestInvert(t *testing.T) {
	x := map[string]any{"w": 10}
	y := map[string]any{"w": 20}

	inv := Compute(x, y, Keys(x, y)).Invert()

	assert.Equal(t, 20, inv.Old["w"])
	assert.Equal(t, 10, inv.New["w"])
}
