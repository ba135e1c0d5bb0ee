package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDocumentSetAndGet(t *testing.T) {
	doc := NewDocument("a", "demo")
	assert.Equal(t, nil, doc.Set("color", "red"))
	assert.Equal(t, nil, doc.Set("widgets/w1", map[string]any{"x": 1.0}))
	assert.Equal(t, "red", doc.Get("color"))
	assert.Equal(t, map[string]any{"x": 1.0}, doc.Get("widgets/w1"))
	assert.Equal(t, nil, doc.Get("widgets/w2"))
	assert.Equal(t, nil, doc.Get("color/x"))

	assert.Equal(t, nil, doc.Set("widgets/w1", nil))
	assert.Equal(t, map[string]any{}, doc.Fields["widgets"])
	assert.Equal(t, nil, doc.Set("color", nil))
	_, ok := doc.Fields["color"]
	assert.Equal(t, false, ok)

	assert.Equal(t, ErrEmptyPath, doc.Set("", 1))
}

func TestDocumentApplyCopiesValues(t *testing.T) {
	doc := NewDocument("a", "demo")
	value := map[string]any{"tags": []any{"x"}}
	err := doc.Apply([]Change{
		{Path: "meta", Value: value},
		{Path: "color", Value: "red"},
		{Type: ChangeRemove, Path: "color", Value: "ignored"},
	})
	assert.Equal(t, nil, err)

	value["tags"].([]any)[0] = "changed"
	assert.Equal(t, map[string]any{"meta": map[string]any{"tags": []any{"x"}}}, doc.Fields)

	err = doc.Apply([]Change{{Path: "", Value: 1}})
	assert.Equal(t, true, errors.Is(err, ErrEmptyPath))
}

func TestTouchKeepsLastUpdateIncreasing(t *testing.T) {
	doc := NewDocument("a", "demo")
	doc.Touch(1000)
	assert.Equal(t, int64(1000), doc.LastUpdate)
	doc.Touch(900)
	assert.Equal(t, int64(1001), doc.LastUpdate)
	assert.Equal(t, true, doc.Size > 0)

	size := doc.Size
	doc.Fields["color"] = "a long enough value"
	doc.Touch(2000)
	assert.Equal(t, true, doc.Size > size)
}

func TestCloneIsDeep(t *testing.T) {
	doc := NewDocument("a", "demo")
	doc.Fields["widgets"] = map[string]any{"w1": map[string]any{"x": 1.0}}
	c := doc.Clone()
	c.Fields["widgets"].(map[string]any)["w1"].(map[string]any)["x"] = 2.0
	assert.Equal(t, 1.0, doc.Get("widgets/w1").(map[string]any)["x"])
}

func TestUpdateFraming(t *testing.T) {
	var buf bytes.Buffer
	full := Update{Version: `"0000abcd"`, Body: []byte(`{"id":"a"}`)}
	patch := Update{
		Version: `"0000beef"`,
		Parents: []string{`"0000abcd"`},
		Patches: []Patch{
			{Unit: "replace", Range: "/fields/color", Content: []byte(`"blue"`)},
			{Unit: "remove", Range: "/fields/w", Content: []byte(`null`)},
		},
	}
	assert.Equal(t, nil, WriteUpdate(&buf, full))
	assert.Equal(t, nil, WriteUpdate(&buf, patch))

	r := bufio.NewReader(&buf)
	got, err := ReadUpdate(r)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, got.IsFull())
	assert.Equal(t, full.Version, got.Version)
	assert.Equal(t, string(full.Body), string(got.Body))

	got, err = ReadUpdate(r)
	assert.Equal(t, nil, err)
	assert.Equal(t, patch, got)

	_, err = ReadUpdate(r)
	assert.Equal(t, io.EOF, err)
}
