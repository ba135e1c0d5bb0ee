package modelsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"protoedit/editcore/internal/delta"
	"protoedit/editcore/internal/sched"
	"protoedit/editcore/internal/store"
	"protoedit/editcore/internal/transaction"
	"protoedit/editcore/pkg/wire"

	"github.com/go-playground/assert/v2"
)

type fakeRemote struct {
	updates  [][]wire.Change
	saves    []*wire.Document
	result   wire.UpdateResult
	failNext bool
}

func (r *fakeRemote) UpdateApp(_ context.Context, _ *wire.Document, changes []wire.Change) (wire.UpdateResult, error) {
	r.updates = append(r.updates, changes)
	if r.failNext {
		r.failNext = false
		return wire.UpdateResult{}, errors.New("connection refused")
	}
	return r.result, nil
}

func (r *fakeRemote) SaveApp(_ context.Context, doc *wire.Document) (*wire.Document, error) {
	r.saves = append(r.saves, doc)
	return doc, nil
}

type notices struct {
	success, errors, warnings []string
}

func (n *notices) ShowSuccess(msg string)     { n.success = append(n.success, msg) }
func (n *notices) ShowError(msg string)       { n.errors = append(n.errors, msg) }
func (n *notices) NotSavedWarning(msg string) { n.warnings = append(n.warnings, msg) }

type fixture struct {
	sched      *sched.Manual
	doc        *wire.Document
	remote     *fakeRemote
	store      *store.MemoryStore
	notices    *notices
	broadcasts []delta.Delta
	errs       []error
	tracker    *transaction.Tracker
	engine     *Engine
}

func newFixture(public bool) *fixture {
	f := &fixture{
		sched:   sched.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		doc:     wire.NewDocument("app-1", "demo"),
		remote:  &fakeRemote{result: wire.UpdateResult{Type: wire.ResultOK}},
		store:   store.NewMemoryStore(),
		notices: &notices{},
	}
	f.doc.Fields["color"] = "red"
	f.doc.Fields["w"] = 10
	f.tracker = transaction.NewTracker(f.sched)
	f.engine = New(Options{
		Scheduler: f.sched,
		Remote:    f.remote,
		Store:     f.store,
		Tracker:   f.tracker,
		Notifier:  f.notices,
		Source:    func() *wire.Document { return f.doc },
		Broadcast: func(d delta.Delta) { f.broadcasts = append(f.broadcasts, d) },
		OnError:   func(err error) { f.errs = append(f.errs, err) },
		Public:    public,
	})
	f.engine.SetBaseline(f.doc)
	return f
}

func (f *fixture) edit(path string, value any) {
	f.doc.Set(path, value)
	f.doc.Touch(f.sched.Now().UnixMilli())
	f.engine.MarkDirty()
}

func TestBurstWithinDebounceFlushesOnce(t *testing.T) {
	f := newFixture(false)

	for i := 1; i <= 5; i++ {
		f.edit("w", 10+i)
		f.sched.Advance(50 * time.Millisecond)
	}
	assert.Equal(t, 0, len(f.remote.updates))

	f.sched.Advance(time.Second)

	assert.Equal(t, 1, len(f.remote.updates))
	assert.Equal(t, []wire.Change{{Type: wire.ChangeSet, Path: "w", Value: 15}}, f.remote.updates[0])
	assert.Equal(t, 0, len(f.remote.saves))
	assert.Equal(t, []string{MsgUpdated}, f.notices.success)
	assert.Equal(t, false, f.engine.Dirty())
	assert.Equal(t, 0, f.tracker.Len())
}

func TestFlushAdvancesBaselineAndStoresLocally(t *testing.T) {
	f := newFixture(false)
	f.edit("color", "blue")
	f.sched.Advance(time.Second)

	assert.Equal(t, f.doc.Fields, f.engine.Baseline().Fields)

	local, err := f.store.Get(context.Background(), "app-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "blue", local.Fields["color"])

	assert.Equal(t, 1, len(f.broadcasts))
	assert.Equal(t, map[string]any{"color": "blue"}, f.broadcasts[0].New)
	assert.Equal(t, map[string]any{"color": "red"}, f.broadcasts[0].Old)
}

func TestEmptyDeltaFallsBackToFullSave(t *testing.T) {
	f := newFixture(false)
	f.engine.MarkDirty()
	f.sched.Advance(time.Second)

	assert.Equal(t, 0, len(f.remote.updates))
	assert.Equal(t, 1, len(f.remote.saves))
	assert.Equal(t, []string{MsgSaved}, f.notices.success)
	assert.Equal(t, 0, len(f.broadcasts))
}

func TestErrorAcknowledgementFallsBackToFullSave(t *testing.T) {
	f := newFixture(false)
	f.remote.result = wire.UpdateResult{Type: wire.ResultError, Errors: []string{"bad path"}}
	f.edit("color", "green")
	f.sched.Advance(time.Second)

	assert.Equal(t, 1, len(f.remote.updates))
	assert.Equal(t, 1, len(f.remote.saves))
	assert.Equal(t, "green", f.remote.saves[0].Fields["color"])
	assert.Equal(t, []string{MsgSaved}, f.notices.success)
}

func TestNetworkFailureStillPersistsLocally(t *testing.T) {
	f := newFixture(false)
	f.remote.failNext = true
	f.edit("color", "black")
	f.sched.Advance(time.Second)

	assert.Equal(t, []string{MsgNotSaved}, f.notices.errors)
	assert.Equal(t, 1, len(f.errs))
	assert.Equal(t, true, errors.Is(f.errs[0], ErrNetworkFailure))
	assert.Equal(t, "black", f.engine.Baseline().Fields["color"])

	local, err := f.store.Get(context.Background(), "app-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "black", local.Fields["color"])

	// the unacknowledged transaction stays open
	assert.Equal(t, 1, f.tracker.Len())
}

func TestPublicModeOnlyWarns(t *testing.T) {
	f := newFixture(true)
	f.edit("color", "pink")
	f.sched.Advance(time.Second)

	assert.Equal(t, []string{MsgRegister}, f.notices.warnings)
	assert.Equal(t, 0, len(f.remote.updates))
	assert.Equal(t, 0, len(f.remote.saves))
	_, err := f.store.Get(context.Background(), "app-1")
	assert.Equal(t, true, errors.Is(err, store.ErrNotFound))
}

func TestImmediateModeFlushesSynchronously(t *testing.T) {
	f := newFixture(false)
	f.engine.immediate = true
	f.edit("w", 11)
	f.edit("w", 12)
	f.sched.RunPending()

	assert.Equal(t, 2, len(f.remote.updates))
	assert.Equal(t, 12, f.remote.updates[1][0].Value)
	assert.Equal(t, 0, f.sched.Timers())
}

func TestCloseCancelsPendingFlush(t *testing.T) {
	f := newFixture(false)
	f.edit("w", 99)
	f.engine.Close()
	f.sched.Advance(time.Second)

	assert.Equal(t, 0, len(f.remote.updates))
	f.engine.MarkDirty()
	assert.Equal(t, 0, f.sched.Timers())
}

func TestCheckLocalCopyReportsNewerCopy(t *testing.T) {
	f := newFixture(false)
	newer := f.doc.Clone()
	newer.LastUpdate = f.doc.LastUpdate + 1000
	assert.Equal(t, nil, f.store.Save(context.Background(), newer))

	f.engine.CheckLocalCopy(f.doc)
	f.sched.RunPending()

	assert.Equal(t, 1, len(f.errs))
	assert.Equal(t, true, errors.Is(f.errs[0], ErrModelDivergence))

	f.engine.CheckLocalCopy(newer)
	f.sched.RunPending()
	assert.Equal(t, 1, len(f.errs))
}

func TestPendingCountsWritesInFlight(t *testing.T) {
	f := newFixture(false)
	f.edit("color", "blue")
	f.engine.Flush()
	// update and local write
	assert.Equal(t, 2, f.engine.Pending())

	f.sched.RunPending()
	assert.Equal(t, 0, f.engine.Pending())

	f.engine.MarkDirty()
	f.engine.Flush()
	// full save and local write, no transaction
	assert.Equal(t, 2, f.engine.Pending())
	assert.Equal(t, 0, f.tracker.Len())

	f.sched.RunPending()
	assert.Equal(t, 0, f.engine.Pending())
	assert.Equal(t, 1, len(f.remote.saves))
}
