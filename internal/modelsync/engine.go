// Package modelsync persists document changes optimistically: mutations mark
// the document dirty, and a debounced flush sends the delta against the last
// persisted baseline to the model service and writes the document to the
// local store.
package modelsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"protoedit/editcore/internal/delta"
	"protoedit/editcore/internal/metrics"
	"protoedit/editcore/internal/sched"
	"protoedit/editcore/internal/store"
	"protoedit/editcore/internal/transaction"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
)

// DefaultDebounce is the quiet period between a mutation and its flush
const DefaultDebounce = 300 * time.Millisecond

// User visible messages
const (
	MsgUpdated  = "Model Updated!"
	MsgSaved    = "Model Saved!"
	MsgNotSaved = "Could not reach server! Changes not saved!"
	MsgRegister = "Please register to save changes..."
)

var (
	// ErrNetworkFailure wraps rejected model service calls
	ErrNetworkFailure = errors.New("network failure")
	// ErrModelDivergence reports a local copy newer than the loaded document
	ErrModelDivergence = errors.New("local copy is newer than the loaded document")
)

// Remote is the part of the model service the engine persists to
type Remote interface {
	UpdateApp(ctx context.Context, doc *wire.Document, changes []wire.Change) (wire.UpdateResult, error)
	SaveApp(ctx context.Context, doc *wire.Document) (*wire.Document, error)
}

// Notifier shows persistence outcomes to the user
type Notifier interface {
	ShowSuccess(msg string)
	ShowError(msg string)
	NotSavedWarning(msg string)
}

// Options configures an Engine
type Options struct {
	Context   context.Context
	Scheduler sched.Scheduler
	Remote    Remote
	Store     store.Store
	Tracker   *transaction.Tracker
	Notifier  Notifier

	// Source returns the current document. The engine only reads it.
	Source func() *wire.Document
	// Broadcast receives every non-empty delta once it is stored locally
	Broadcast func(delta.Delta)
	// OnError receives network failures and model divergence
	OnError func(error)

	Debounce  time.Duration
	Immediate bool
	Public    bool
}

// Engine tracks the dirty state of one document and flushes it.
//
// All methods must be called on the scheduler thread. Flushes are not
// mutually exclusive: a flush may start while the call of a previous one is
// still outstanding.
type Engine struct {
	ctx       context.Context
	sched     sched.Scheduler
	remote    Remote
	store     store.Store
	tracker   *transaction.Tracker
	notifier  Notifier
	source    func() *wire.Document
	broadcast func(delta.Delta)
	onError   func(error)
	debounce  time.Duration
	immediate bool
	public    bool

	active   bool
	dirty    bool
	baseline *wire.Document
	timer    sched.Timer
	// pending counts persistence calls whose result has not been handled
	pending int
}

// New creates an engine
func New(opts Options) *Engine {
	e := &Engine{
		ctx:       opts.Context,
		sched:     opts.Scheduler,
		remote:    opts.Remote,
		store:     opts.Store,
		tracker:   opts.Tracker,
		notifier:  opts.Notifier,
		source:    opts.Source,
		broadcast: opts.Broadcast,
		onError:   opts.OnError,
		debounce:  opts.Debounce,
		immediate: opts.Immediate,
		public:    opts.Public || opts.Remote == nil,
		active:    true,
	}
	if e.ctx == nil {
		e.ctx = context.Background()
	}
	if e.debounce <= 0 {
		e.debounce = DefaultDebounce
	}
	if e.tracker == nil {
		e.tracker = transaction.NewTracker(e.sched)
	}
	return e
}

// SetPublic switches restricted mode, in which nothing is persisted
func (e *Engine) SetPublic(public bool) {
	e.public = public || e.remote == nil
}

// SetBaseline replaces the baseline with a copy of doc
func (e *Engine) SetBaseline(doc *wire.Document) {
	e.baseline = doc.Clone()
}

// Baseline returns a copy of the baseline
func (e *Engine) Baseline() *wire.Document {
	return e.baseline.Clone()
}

// Dirty reports whether changes wait for a flush
func (e *Engine) Dirty() bool {
	return e.dirty
}

// MarkDirty records a mutation and schedules a flush. A flush that is
// already scheduled is not pushed back, so every burst of mutations is
// flushed once, one debounce period after its first mutation.
func (e *Engine) MarkDirty() {
	if !e.active {
		return
	}
	e.dirty = true
	if e.immediate {
		e.Flush()
		return
	}
	if e.timer != nil {
		return
	}
	e.timer = e.sched.AfterFunc(e.debounce, func() {
		e.timer = nil
		if e.active {
			e.Flush()
		}
	})
}

// Flush persists pending changes now
func (e *Engine) Flush() {
	if e.public {
		metrics.Flushes.WithLabelValues(metrics.FlushSkipped).Inc()
		glog.V(1).Infof("Public mode, changes are not saved")
		e.notifyWarning(MsgRegister)
		return
	}
	if !e.dirty {
		return
	}
	doc := e.current()
	if doc == nil {
		glog.Warningf("Flush without a document")
		return
	}

	var d delta.Delta
	if e.baseline == nil {
		glog.Warningf("Flush of %s without baseline, storing locally only", doc.ID)
	} else {
		d = delta.Between(e.baseline, doc)
		glog.V(3).Infof("Save changes %d", d.Len())
		if !d.IsEmpty() {
			e.update(doc, d)
		} else {
			metrics.Flushes.WithLabelValues(metrics.FlushFull).Inc()
			glog.Errorf("Flush of %s triggered without changes, sending entire document", doc.ID)
			e.save(doc)
		}
	}
	e.dirty = false

	e.saveLocal(doc, d)
	e.baseline = doc.Clone()
}

func (e *Engine) current() *wire.Document {
	if e.source == nil {
		return nil
	}
	return e.source().Clone()
}

func (e *Engine) update(doc *wire.Document, d delta.Delta) {
	metrics.Flushes.WithLabelValues(metrics.FlushDelta).Inc()
	changes := d.Changes()
	txID := e.tracker.Start(changes)
	e.pending++
	sched.Await(e.sched, func() (wire.UpdateResult, error) {
		return e.remote.UpdateApp(e.ctx, doc, changes)
	}, func(res wire.UpdateResult, err error) {
		e.pending--
		if err != nil {
			e.networkFailure("update", doc.ID, err)
			return
		}
		e.tracker.End(txID)
		e.onUpdated(res)
	})
}

// onUpdated falls back to a full save when the service could not apply the
// changes
func (e *Engine) onUpdated(res wire.UpdateResult) {
	if res.Type == wire.ResultError {
		glog.Errorf("Error while partial save: %v", res.Errors)
		metrics.Flushes.WithLabelValues(metrics.FlushFull).Inc()
		if doc := e.current(); doc != nil {
			e.save(doc)
		}
		return
	}
	e.notifySuccess(MsgUpdated)
}

func (e *Engine) save(doc *wire.Document) {
	e.pending++
	sched.Await(e.sched, func() (*wire.Document, error) {
		return e.remote.SaveApp(e.ctx, doc)
	}, func(_ *wire.Document, err error) {
		e.pending--
		if err != nil {
			e.networkFailure("save", doc.ID, err)
			return
		}
		e.notifySuccess(MsgSaved)
	})
}

// saveLocal writes doc to the local store and broadcasts d once it is there
func (e *Engine) saveLocal(doc *wire.Document, d delta.Delta) {
	if e.store == nil {
		e.publish(d)
		return
	}
	e.pending++
	sched.Await(e.sched, func() (struct{}, error) {
		return struct{}{}, e.store.Save(e.ctx, doc)
	}, func(_ struct{}, err error) {
		e.pending--
		if err != nil {
			metrics.PersistFailures.WithLabelValues(metrics.TargetLocal).Inc()
			glog.Errorf("Failed to store %s locally: %v", doc.ID, err)
			return
		}
		glog.V(3).Infof("Stored %s locally", doc.ID)
		e.publish(d)
	})
}

func (e *Engine) publish(d delta.Delta) {
	if d.IsEmpty() || e.broadcast == nil {
		return
	}
	e.broadcast(d)
}

func (e *Engine) networkFailure(op, id string, err error) {
	err = fmt.Errorf("%w: %s of %s: %v", ErrNetworkFailure, op, id, err)
	metrics.PersistFailures.WithLabelValues(metrics.TargetRemote).Inc()
	glog.Errorf("Something went wrong with the model service: %v", err)
	if e.notifier != nil {
		e.notifier.ShowError(MsgNotSaved)
	}
	if e.onError != nil {
		e.onError(err)
	}
}

// CheckLocalCopy loads the locally stored copy of doc and reports a
// divergence when it is newer. The divergence is never resolved.
func (e *Engine) CheckLocalCopy(doc *wire.Document) {
	if e.store == nil || doc == nil {
		return
	}
	id, lastUpdate := doc.ID, doc.LastUpdate
	sched.Await(e.sched, func() (*wire.Document, error) {
		return e.store.Get(e.ctx, id)
	}, func(local *wire.Document, err error) {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			glog.Errorf("Failed to load local copy of %s: %v", id, err)
			return
		}
		glog.V(2).Infof("Check local copy of %s: %d > %d", id, local.LastUpdate, lastUpdate)
		if local.LastUpdate <= lastUpdate {
			return
		}
		err = fmt.Errorf("%w: %s local %d, loaded %d", ErrModelDivergence, id, local.LastUpdate, lastUpdate)
		metrics.ModelDivergence.Inc()
		glog.Errorf("Model divergence: %v", err)
		if e.onError != nil {
			e.onError(err)
		}
	})
}

// Pending returns the number of remote and local writes still in flight.
// The fallback save started by an error acknowledgement counts once the
// acknowledgement is handled.
func (e *Engine) Pending() int {
	return e.pending
}

// Close stops the pending flush. Calls already in flight complete.
func (e *Engine) Close() {
	e.active = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) notifySuccess(msg string) {
	if e.notifier != nil {
		e.notifier.ShowSuccess(msg)
	}
}

func (e *Engine) notifyWarning(msg string) {
	if e.notifier != nil {
		e.notifier.NotSavedWarning(msg)
	}
}
