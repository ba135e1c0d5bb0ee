// Package controller owns the document of one editing session. Every
// mutation goes through the Controller, which records it as a command,
// renders it and schedules its persistence.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"protoedit/editcore/internal/collab"
	"protoedit/editcore/internal/command"
	"protoedit/editcore/internal/modelsync"
	"protoedit/editcore/internal/sched"
	"protoedit/editcore/internal/store"
	"protoedit/editcore/internal/transaction"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
)

// ErrNoEntry is returned when removing an entry that does not exist
var ErrNoEntry = errors.New("no such entry")

// Presenter displays the document and user notices. Calls are one way.
type Presenter interface {
	Render(doc *wire.Document)
	RenderPartial(doc *wire.Document, changes []wire.Change)
	SetUndoEnabled(enabled bool)
	SetRedoEnabled(enabled bool)
	ShowSuccess(msg string)
	ShowError(msg string)
	NotSavedWarning(msg string)
}

// Service is the model service used by a session
type Service interface {
	command.Remote
	modelsync.Remote
	CopyApp(ctx context.Context, id, name string) (*wire.Document, error)
	CreateApp(ctx context.Context, doc *wire.Document) (*wire.Document, error)
}

// Options configures a Controller
type Options struct {
	Context   context.Context
	Scheduler sched.Scheduler
	// Service may be nil, which forces public mode
	Service   Service
	Store     store.Store
	Presenter Presenter
	// Bridge defaults to a bridge with a random origin
	Bridge *collab.Bridge

	Debounce  time.Duration
	Immediate bool
	Public    bool

	TransactionOptions []transaction.Option
}

// Controller is the single writer of the session document. All methods must
// be called on the scheduler thread.
type Controller struct {
	ctx       context.Context
	sched     sched.Scheduler
	service   Service
	presenter Presenter
	registry  *command.Registry
	history   *command.History
	sync      *modelsync.Engine
	tracker   *transaction.Tracker
	bridge    *collab.Bridge

	doc    *wire.Document
	active bool

	// replaying is set while handlers run; changes they make are collected
	// instead of rendered one by one
	replaying bool
	collected []wire.Change
}

// New creates a controller with the built in command kinds registered
func New(opts Options) *Controller {
	c := &Controller{
		ctx:       opts.Context,
		sched:     opts.Scheduler,
		service:   opts.Service,
		presenter: opts.Presenter,
		registry:  command.NewRegistry(),
		bridge:    opts.Bridge,
		doc:       wire.NewDocument("", ""),
		active:    true,
	}
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	if c.presenter == nil {
		c.presenter = nopPresenter{}
	}
	if c.bridge == nil {
		c.bridge = collab.NewBridge(c.sched, "")
	}
	c.bridge.SetTarget(c)

	var (
		cmdRemote  command.Remote
		syncRemote modelsync.Remote
	)
	if c.service != nil {
		cmdRemote, syncRemote = c.service, c.service
	}

	c.tracker = transaction.NewTracker(c.sched, opts.TransactionOptions...)
	c.history = command.NewHistory(command.HistoryOptions{
		Context:   c.ctx,
		Scheduler: c.sched,
		Registry:  c.registry,
		Remote:    cmdRemote,
		Observer:  observer{c.presenter},
		AppID:     func() string { return c.doc.ID },
		Public:    opts.Public,
	})
	c.sync = modelsync.New(modelsync.Options{
		Context:   c.ctx,
		Scheduler: c.sched,
		Remote:    syncRemote,
		Store:     opts.Store,
		Tracker:   c.tracker,
		Notifier:  c.presenter,
		Source:    func() *wire.Document { return c.doc },
		Broadcast: c.bridge.Broadcast,
		Debounce:  opts.Debounce,
		Immediate: opts.Immediate,
		Public:    opts.Public,
	})
	c.registerBuiltins()
	return c
}

func (c *Controller) registerBuiltins() {
	c.registry.Register(command.KindSetField, command.HandlerFuncs[*command.SetField]{
		OnRedo: func(_ *command.Command, p *command.SetField) { c.set(p.Path, p.New) },
		OnUndo: func(_ *command.Command, p *command.SetField) { c.set(p.Path, p.Old) },
	})
	c.registry.Register(command.KindAddEntry, command.HandlerFuncs[*command.AddEntry]{
		OnRedo: func(_ *command.Command, p *command.AddEntry) { c.set(wire.JoinPath(p.Collection, p.ID), p.Value) },
		OnUndo: func(_ *command.Command, p *command.AddEntry) { c.set(wire.JoinPath(p.Collection, p.ID), nil) },
	})
	c.registry.Register(command.KindRemoveEntry, command.HandlerFuncs[*command.RemoveEntry]{
		OnRedo: func(_ *command.Command, p *command.RemoveEntry) { c.set(wire.JoinPath(p.Collection, p.ID), nil) },
		OnUndo: func(_ *command.Command, p *command.RemoveEntry) { c.set(wire.JoinPath(p.Collection, p.ID), p.Value) },
	})
}

// set writes a copy of value so the document never shares state with a
// command payload
func (c *Controller) set(path string, value any) {
	c.ApplyModelChange(change(path, value))
}

func change(path string, value any) wire.Change {
	if value == nil {
		return wire.Change{Type: wire.ChangeRemove, Path: path}
	}
	return wire.Change{Type: wire.ChangeSet, Path: path, Value: value}
}

// Register binds a handler to a custom command kind
func (c *Controller) Register(kind command.Kind, h command.Handler) {
	c.registry.Register(kind, h)
}

// SetModel makes doc the session document. The baseline is reset and the
// local copy is checked for newer changes.
func (c *Controller) SetModel(doc *wire.Document) {
	glog.V(1).Infof("Set model %s", doc.ID)
	c.doc = doc.Clone()
	c.sync.SetBaseline(c.doc)
	c.presenter.Render(c.doc)
	c.sync.CheckLocalCopy(c.doc)
}

// CheckLocalCopy compares the document with its local copy again, e.g.
// after the copy was written by another process
func (c *Controller) CheckLocalCopy() {
	c.sync.CheckLocalCopy(c.doc)
}

// Document returns a copy of the session document
func (c *Controller) Document() *wire.Document {
	return c.doc.Clone()
}

// SetCommandStack replaces the command stack, e.g. with the one loaded from
// the model service
func (c *Controller) SetCommandStack(s *command.Stack) {
	c.history.Load(s)
}

// CommandStack returns a copy of the command stack
func (c *Controller) CommandStack() *command.Stack {
	return c.history.Snapshot()
}

// SetField sets the value at path
func (c *Controller) SetField(path string, value any) {
	c.execute(command.New(setFieldPayload(c.doc, path, value), c.now()))
}

// AddEntry inserts value under id in collection
func (c *Controller) AddEntry(collection, id string, value any) {
	c.execute(command.New(addEntryPayload(c.doc, collection, id, value), c.now()))
}

// setFieldPayload builds the command of a write to path. A nested write into
// a field that holds no map creates the map, so the command covers the whole
// field and its undo restores what was there before.
func setFieldPayload(doc *wire.Document, path string, value any) *command.SetField {
	field, key, nested := wire.SplitPath(path)
	if nested && value != nil {
		if _, ok := doc.Fields[field].(map[string]any); !ok {
			return &command.SetField{
				Path: field,
				Old:  wire.Copy(doc.Fields[field]),
				New:  map[string]any{key: wire.Copy(value)},
			}
		}
	}
	return &command.SetField{
		Path: path,
		Old:  wire.Copy(doc.Get(path)),
		New:  wire.Copy(value),
	}
}

// addEntryPayload builds the command inserting value under id. The first
// entry of a missing collection is recorded as a write of the whole field.
func addEntryPayload(doc *wire.Document, collection, id string, value any) command.Payload {
	if _, ok := doc.Fields[collection].(map[string]any); !ok {
		return setFieldPayload(doc, wire.JoinPath(collection, id), value)
	}
	return &command.AddEntry{
		Collection: collection,
		ID:         id,
		Value:      wire.Copy(value),
	}
}

// RemoveEntry deletes id from collection
func (c *Controller) RemoveEntry(collection, id string) error {
	old := c.doc.Get(wire.JoinPath(collection, id))
	if old == nil {
		return fmt.Errorf("%w: %s", ErrNoEntry, wire.JoinPath(collection, id))
	}
	p := &command.RemoveEntry{
		Collection: collection,
		ID:         id,
		Value:      wire.Copy(old),
	}
	c.execute(command.New(p, c.now()))
	return nil
}

// Batch groups the mutations made by fn into one command that is undone
// and redone as a single step
func (c *Controller) Batch(fn func(b *Batch)) {
	if !c.active {
		glog.Warningf("Ignoring batch on inactive controller")
		return
	}
	b := &Batch{c: c}
	fn(b)
	if len(b.children) == 0 {
		return
	}
	c.record(command.New(&command.Multi{Children: b.children}, c.now()), b.changes)
}

// Execute applies a command of a registered kind and records it
func (c *Controller) Execute(cmd *command.Command) error {
	if !c.registry.Has(cmd.Kind) {
		return fmt.Errorf("%w: %s", command.ErrHandlerMissing, cmd.Kind)
	}
	if cmd.Timestamp == 0 {
		cmd.Timestamp = c.now()
	}
	c.execute(cmd)
	return nil
}

func (c *Controller) execute(cmd *command.Command) {
	if !c.active {
		glog.Warningf("Ignoring %s on inactive controller", cmd.Kind)
		return
	}
	changes, err := c.replay(cmd, c.registry.Redo)
	if err != nil {
		glog.Warningf("Command %s applied with errors: %v", cmd.Kind, err)
	}
	c.record(cmd, changes)
}

func (c *Controller) record(cmd *command.Command, changes []wire.Change) {
	c.history.Push(cmd)
	c.modelChanged(changes)
}

// replay runs op with change collection on and returns the changes made
func (c *Controller) replay(cmd *command.Command, op func(*command.Command) error) ([]wire.Change, error) {
	c.replaying = true
	c.collected = nil
	defer func() {
		c.replaying = false
		c.collected = nil
	}()
	err := op(cmd)
	return c.collected, err
}

// ApplyModelChange applies changes made by a command handler. Outside a
// handler the changes are rendered and persisted right away.
func (c *Controller) ApplyModelChange(changes ...wire.Change) {
	for _, ch := range changes {
		var value any
		if !ch.IsRemove() {
			value = wire.Copy(ch.Value)
		}
		if err := c.doc.Set(ch.Path, value); err != nil {
			glog.Warningf("Could not apply change: %v", err)
			continue
		}
		if c.replaying {
			c.collected = append(c.collected, change(ch.Path, value))
		}
	}
	if !c.replaying {
		c.modelChanged(changes)
	}
}

// modelChanged renders the changes and schedules their persistence
func (c *Controller) modelChanged(changes []wire.Change) {
	if !c.active {
		return
	}
	c.presenter.RenderPartial(c.doc, changes)
	c.doc.Touch(c.now())
	c.sync.MarkDirty()
}

// Undo reverts the last command and renders the whole document
func (c *Controller) Undo() {
	c.step(c.history.Undo)
}

// Redo reapplies the last undone command and renders the whole document
func (c *Controller) Redo() {
	c.step(c.history.Redo)
}

// step runs an undo or redo and renders the whole document. A command
// without handler leaves the document as it was, so nothing is persisted.
func (c *Controller) step(op func() (*command.Command, error)) {
	if !c.active {
		return
	}
	c.replaying = true
	cmd, err := op()
	changed := len(c.collected) > 0
	c.replaying = false
	c.collected = nil
	if cmd == nil {
		return
	}
	if !changed && errors.Is(err, command.ErrHandlerMissing) {
		c.presenter.Render(c.doc)
		return
	}
	c.doc.Touch(c.now())
	c.presenter.Render(c.doc)
	c.sync.MarkDirty()
}

// CanUndo reports whether Undo would do something
func (c *Controller) CanUndo() bool {
	return c.history.CanUndo()
}

// CanRedo reports whether Redo would do something
func (c *Controller) CanRedo() bool {
	return c.history.CanRedo()
}

// OnLocalChange registers the listener for outbound collab events
func (c *Controller) OnLocalChange(fn func(wire.CollabEvent)) {
	c.bridge.OnLocalChange(fn)
}

// ReceiveRemoteEvent accepts an event from any goroutine
func (c *Controller) ReceiveRemoteEvent(ev wire.CollabEvent) {
	c.bridge.Receive(ev)
}

// ApplyRemoteEvent merges the changes of another session into the document,
// last write wins. The baseline is reset so the changes are not sent back.
// Commands are not rebased.
func (c *Controller) ApplyRemoteEvent(ev wire.CollabEvent) {
	if !c.active {
		return
	}
	if err := c.doc.Apply(ev.Changes); err != nil {
		glog.Errorf("Could not apply collab event of %s: %v", ev.Origin, err)
	}
	c.sync.SetBaseline(c.doc)
	c.presenter.Render(c.doc)
}

// Flush persists pending changes without waiting for the debounce period
func (c *Controller) Flush() {
	c.sync.Flush()
}

// Dirty reports whether changes wait for a flush
func (c *Controller) Dirty() bool {
	return c.sync.Dirty()
}

// Baseline returns a copy of the last persisted snapshot
func (c *Controller) Baseline() *wire.Document {
	return c.sync.Baseline()
}

// Transactions returns the number of unacknowledged updates
func (c *Controller) Transactions() int {
	return c.tracker.Len()
}

// Pending returns the number of persistence calls in flight, local cache
// writes included
func (c *Controller) Pending() int {
	return c.sync.Pending()
}

// SaveAs copies the document on the model service under name
func (c *Controller) SaveAs(name string, done func(*wire.Document, error)) {
	if c.service == nil {
		done(nil, errors.New("no model service"))
		return
	}
	id := c.doc.ID
	sched.Await(c.sched, func() (*wire.Document, error) {
		return c.service.CopyApp(c.ctx, id, name)
	}, func(doc *wire.Document, err error) {
		if err != nil {
			glog.Errorf("Failed to copy %s: %v", id, err)
			c.presenter.ShowError(modelsync.MsgNotSaved)
		}
		done(doc, err)
	})
}

// SaveAsAfterSignUp stores the document, created before the user signed up,
// as a new document whose parent is the current one
func (c *Controller) SaveAsAfterSignUp(name string, done func(*wire.Document, error)) {
	if c.service == nil {
		done(nil, errors.New("no model service"))
		return
	}
	doc := c.doc.Clone()
	doc.Name = name
	doc.Parent = doc.ID
	doc.ID = ""
	sched.Await(c.sched, func() (*wire.Document, error) {
		return c.service.CreateApp(c.ctx, doc)
	}, func(created *wire.Document, err error) {
		if err != nil {
			glog.Errorf("Failed to create copy of %s: %v", doc.Parent, err)
			c.presenter.ShowError(modelsync.MsgNotSaved)
		}
		done(created, err)
	})
}

// SetPublic switches restricted mode
func (c *Controller) SetPublic(public bool) {
	c.history.SetPublic(public)
	c.sync.SetPublic(public)
}

// Close deactivates the controller. Pending flushes are dropped; calls in
// flight complete.
func (c *Controller) Close() {
	glog.V(1).Infof("Close controller of %s", c.doc.ID)
	c.active = false
	c.sync.Close()
}

func (c *Controller) now() int64 {
	return sched.Millis(c.sched)
}

// Batch collects the mutations of Controller.Batch
type Batch struct {
	c        *Controller
	children []*command.Command
	changes  []wire.Change
}

// add applies cmd right away so later mutations of the batch see its result
func (b *Batch) add(cmd *command.Command) {
	changes, err := b.c.replay(cmd, b.c.registry.Redo)
	if err != nil {
		glog.Warningf("Batched %s applied with errors: %v", cmd.Kind, err)
	}
	b.children = append(b.children, cmd)
	b.changes = append(b.changes, changes...)
}

// SetField sets the value at path
func (b *Batch) SetField(path string, value any) {
	b.add(command.New(setFieldPayload(b.c.doc, path, value), b.c.now()))
}

// AddEntry inserts value under id in collection
func (b *Batch) AddEntry(collection, id string, value any) {
	b.add(command.New(addEntryPayload(b.c.doc, collection, id, value), b.c.now()))
}

// RemoveEntry deletes id from collection if present
func (b *Batch) RemoveEntry(collection, id string) {
	old := b.c.doc.Get(wire.JoinPath(collection, id))
	if old == nil {
		return
	}
	b.add(command.New(&command.RemoveEntry{Collection: collection, ID: id, Value: wire.Copy(old)}, b.c.now()))
}
