package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"protoedit/editcore/internal/sched"
	"protoedit/editcore/pkg/wire"

	"github.com/go-playground/assert/v2"
)

type fakeRemote struct {
	len, pos, lastUUID int
	failDelete         bool
	posOffset          int
	calls              []string
}

func (r *fakeRemote) AddCommand(_ context.Context, _ string, cmd *Command) (wire.CommandAck, error) {
	r.calls = append(r.calls, "add")
	r.len = r.pos + 1
	r.pos = r.len
	if cmd.ID+1 > r.lastUUID {
		r.lastUUID = cmd.ID + 1
	}
	return wire.CommandAck{Pos: r.pos + r.posOffset, LastUUID: r.lastUUID}, nil
}

func (r *fakeRemote) DeleteCommand(_ context.Context, _ string, count int) (wire.CommandAck, error) {
	r.calls = append(r.calls, "delete")
	if r.failDelete {
		return wire.CommandAck{}, errors.New("connection refused")
	}
	r.len -= count
	if r.pos > r.len {
		r.pos = r.len
	}
	return wire.CommandAck{Pos: r.pos, LastUUID: r.lastUUID}, nil
}

func (r *fakeRemote) UndoCommand(context.Context, string) (wire.CommandAck, error) {
	r.calls = append(r.calls, "undo")
	if r.pos > 0 {
		r.pos--
	}
	return wire.CommandAck{Pos: r.pos, LastUUID: r.lastUUID}, nil
}

func (r *fakeRemote) RedoCommand(context.Context, string) (wire.CommandAck, error) {
	r.calls = append(r.calls, "redo")
	if r.pos < r.len {
		r.pos++
	}
	return wire.CommandAck{Pos: r.pos, LastUUID: r.lastUUID}, nil
}

type recorder struct {
	undo, redo bool
	errors     []string
	added      int
}

func (r *recorder) CommandAdded(n int)   { r.added = n }
func (r *recorder) UndoEnabled(b bool)   { r.undo = b }
func (r *recorder) RedoEnabled(b bool)   { r.redo = b }
func (r *recorder) ShowError(msg string) { r.errors = append(r.errors, msg) }

type fixture struct {
	doc    *wire.Document
	sched  *sched.Manual
	remote *fakeRemote
	obs    *recorder
	reg    *Registry
	h      *History
}

func newFixture(public bool) *fixture {
	f := &fixture{
		doc:    wire.NewDocument("app1", "demo"),
		sched:  sched.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		remote: &fakeRemote{},
		obs:    &recorder{},
		reg:    NewRegistry(),
	}
	f.reg.Register(KindSetField, HandlerFuncs[*SetField]{
		OnRedo: func(_ *Command, p *SetField) { f.doc.Set(p.Path, p.New) },
		OnUndo: func(_ *Command, p *SetField) { f.doc.Set(p.Path, p.Old) },
	})
	f.h = NewHistory(HistoryOptions{
		Scheduler: f.sched,
		Registry:  f.reg,
		Remote:    f.remote,
		Observer:  f.obs,
		AppID:     func() string { return f.doc.ID },
		Public:    public,
	})
	return f
}

// set pushes a SetField command and applies it, the way the controller does
func (f *fixture) set(path string, value any) *Command {
	cmd := New(&SetField{Path: path, Old: f.doc.Get(path), New: value}, 0)
	f.h.Push(cmd)
	f.doc.Set(path, value)
	return cmd
}

func TestUndoTwiceAfterThreeCommands(t *testing.T) {
	f := newFixture(true)
	f.set("a", 1)
	f.set("b", 2)
	f.set("c", 3)
	assert.Equal(t, 3, f.h.Snapshot().Len())
	assert.Equal(t, 3, f.h.Snapshot().Pos)

	f.h.Undo()
	f.h.Undo()

	assert.Equal(t, 1, f.h.Snapshot().Pos)
	assert.Equal(t, map[string]any{"a": 1}, f.doc.Fields)
	assert.Equal(t, true, f.obs.undo)
	assert.Equal(t, true, f.obs.redo)
}

func TestPushAfterUndoDiscardsFuture(t *testing.T) {
	f := newFixture(true)
	a := f.set("a", 1)
	f.set("b", 2)
	f.set("c", 3)
	f.h.Undo()
	f.h.Undo()

	d := f.set("d", 4)

	s := f.h.Snapshot()
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Pos)
	assert.Equal(t, a, s.Commands[0])
	assert.Equal(t, d, s.Commands[1])
	assert.Equal(t, 3, d.ID)
	assert.Equal(t, false, f.obs.redo)
	assert.Equal(t, false, f.h.CanRedo())
}

func TestUndoAllRestoresInitialDocument(t *testing.T) {
	f := newFixture(true)
	f.doc.Fields["title"] = "start"
	f.doc.Fields["widgets"] = map[string]any{}
	initial := f.doc.Clone()

	f.set("title", "next")
	f.set("color", "red")
	f.set("title", "last")
	f.set("widgets/w1", map[string]any{"x": 10})
	f.set("color", nil)

	for f.h.CanUndo() {
		f.h.Undo()
	}

	assert.Equal(t, initial.Fields, f.doc.Fields)
	assert.Equal(t, 0, f.h.Snapshot().Pos)
	assert.Equal(t, false, f.obs.undo)
	cmd, err := f.h.Undo()
	assert.Equal(t, (*Command)(nil), cmd)
	assert.Equal(t, nil, err)
}

func TestUndoRedoIsIdentity(t *testing.T) {
	f := newFixture(true)
	f.set("w", 10)
	f.set("w", 20)
	before := f.doc.Clone()
	pos := f.h.Snapshot().Pos

	f.h.Undo()
	assert.Equal(t, 10, f.doc.Get("w"))
	f.h.Redo()

	assert.Equal(t, pos, f.h.Snapshot().Pos)
	assert.Equal(t, before.Fields, f.doc.Fields)
	cmd, _ := f.h.Redo()
	assert.Equal(t, (*Command)(nil), cmd)
}

func TestMissingHandlerLeavesDocumentUnchanged(t *testing.T) {
	f := newFixture(true)
	f.set("a", 1)
	f.h.Push(New(&Raw{Type: "SetGrid"}, 0))
	before := f.doc.Clone()

	cmd, err := f.h.Undo()

	assert.Equal(t, Kind("SetGrid"), cmd.Kind)
	assert.Equal(t, true, errors.Is(err, ErrHandlerMissing))
	assert.Equal(t, 1, f.h.Snapshot().Pos)
	assert.Equal(t, before.Fields, f.doc.Fields)

	_, err = f.h.Redo()
	assert.Equal(t, true, errors.Is(err, ErrHandlerMissing))
	assert.Equal(t, 2, f.h.Snapshot().Pos)
	assert.Equal(t, before.Fields, f.doc.Fields)
}

func TestMultiIteratesChildrenForwardBothWays(t *testing.T) {
	f := newFixture(true)
	var order []string
	f.reg.Register("Trace", HandlerFuncs[*Raw]{
		OnRedo: func(_ *Command, p *Raw) { order = append(order, "redo:"+string(p.Data)) },
		OnUndo: func(_ *Command, p *Raw) { order = append(order, "undo:"+string(p.Data)) },
	})
	multi := New(&Multi{Children: []*Command{
		New(&Raw{Type: "Trace", Data: json.RawMessage("1")}, 0),
		New(&Raw{Type: "Trace", Data: json.RawMessage("2")}, 0),
	}}, 0)
	f.h.Push(multi)

	f.h.Undo()
	f.h.Redo()

	assert.Equal(t, []string{"undo:1", "undo:2", "redo:1", "redo:2"}, order)
}

func TestPrivatePushWaitsForRemoteTruncation(t *testing.T) {
	f := newFixture(false)
	f.set("a", 1)
	f.set("b", 2)
	f.set("c", 3)
	f.sched.RunPending()
	f.h.Undo()
	f.h.Undo()
	f.sched.RunPending()

	f.set("d", 4)
	assert.Equal(t, 3, f.h.Snapshot().Len())

	f.sched.RunPending()

	s := f.h.Snapshot()
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Pos)
	assert.Equal(t, 2, f.remote.pos)
	assert.Equal(t, []string{"add", "add", "add", "undo", "undo", "delete", "add"}, f.remote.calls)
}

func TestPrivateTruncationFailureKeepsStack(t *testing.T) {
	f := newFixture(false)
	f.set("a", 1)
	f.set("b", 2)
	f.sched.RunPending()
	f.h.Undo()
	f.sched.RunPending()
	f.remote.failDelete = true

	f.set("c", 3)
	f.sched.RunPending()

	s := f.h.Snapshot()
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Pos)
	assert.Equal(t, 1, len(f.obs.errors))
}

func TestAcknowledgedPositionOverwritesLocal(t *testing.T) {
	f := newFixture(false)
	f.set("a", 1)
	f.set("b", 2)
	f.sched.RunPending()
	assert.Equal(t, 2, f.h.Snapshot().Pos)

	f.remote.posOffset = -1
	f.set("c", 3)
	f.sched.RunPending()
	assert.Equal(t, 2, f.h.Snapshot().Pos)
	assert.Equal(t, 3, f.h.Snapshot().LastUUID)

	// local pos 2 of 3, so the next push cuts off c first
	f.remote.posOffset = 10
	f.set("d", 4)
	f.sched.RunPending()
	assert.Equal(t, 3, f.h.Snapshot().Len())
	assert.Equal(t, 3, f.h.Snapshot().Pos)
	assert.Equal(t, "delete", f.remote.calls[len(f.remote.calls)-2])
}

func TestStaleAcknowledgementIsReportedNotApplied(t *testing.T) {
	f := newFixture(false)
	f.set("a", 1)
	f.set("b", 2)
	f.set("c", 3)
	f.h.Undo()
	f.h.Undo()

	f.sched.RunPending()

	s := f.h.Snapshot()
	assert.Equal(t, 1, s.Pos)
	assert.Equal(t, 3, s.LastUUID)
	assert.Equal(t, map[string]any{"a": 1}, f.doc.Fields)
	// acks of a, b and c and of the first undo all disagree with pos 1
	assert.Equal(t, 4, f.h.Divergences())
}

func TestMatchingAcknowledgementsAreNotDivergent(t *testing.T) {
	f := newFixture(false)
	f.set("a", 1)
	f.sched.RunPending()
	f.set("b", 2)
	f.sched.RunPending()
	f.h.Undo()
	f.sched.RunPending()

	assert.Equal(t, 0, f.h.Divergences())
}

func TestLoadClampsPosition(t *testing.T) {
	f := newFixture(true)
	f.h.Load(&Stack{
		Commands: []*Command{New(&SetField{Path: "a", New: 1}, 0)},
		Pos:      5,
		LastUUID: 1,
	})

	assert.Equal(t, 1, f.h.Snapshot().Pos)
	assert.Equal(t, true, f.obs.undo)
	assert.Equal(t, false, f.obs.redo)
}

func TestCommandJSON(t *testing.T) {
	cmd := New(&Multi{Children: []*Command{
		New(&SetField{Path: "grid", Old: nil, New: map[string]any{"w": 8.0}}, 1),
		{Kind: "SetGrid", Payload: &Raw{Type: "SetGrid", Data: json.RawMessage(`{"n":1}`)}},
	}}, 2)
	cmd.ID = 7

	data, err := json.Marshal(cmd)
	assert.Equal(t, nil, err)

	var decoded Command
	assert.Equal(t, nil, json.Unmarshal(data, &decoded))
	assert.Equal(t, 7, decoded.ID)
	assert.Equal(t, KindMulti, decoded.Kind)

	children := decoded.Payload.(*Multi).Children
	assert.Equal(t, 2, len(children))
	assert.Equal(t, map[string]any{"w": 8.0}, children[0].Payload.(*SetField).New)
	assert.Equal(t, `{"n":1}`, string(children[1].Payload.(*Raw).Data))

	err = NewRegistry().Undo(children[1])
	assert.Equal(t, true, errors.Is(err, ErrHandlerMissing))
}
