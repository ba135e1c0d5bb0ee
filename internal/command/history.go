package command

import (
	"context"
	"fmt"

	"protoedit/editcore/internal/metrics"
	"protoedit/editcore/internal/sched"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
)

// Remote mirrors the command stack on the model service
type Remote interface {
	AddCommand(ctx context.Context, appID string, cmd *Command) (wire.CommandAck, error)
	DeleteCommand(ctx context.Context, appID string, count int) (wire.CommandAck, error)
	UndoCommand(ctx context.Context, appID string) (wire.CommandAck, error)
	RedoCommand(ctx context.Context, appID string) (wire.CommandAck, error)
}

// Observer receives the one way notifications of the history
type Observer interface {
	CommandAdded(length int)
	UndoEnabled(enabled bool)
	RedoEnabled(enabled bool)
	ShowError(msg string)
}

const notSavedMsg = "Could not reach server! Changes not saved"

// History owns the command stack of one document and keeps the model
// service copy of it in step.
//
// The local stack is updated without waiting for the service. The position
// returned by the acknowledgement of the latest push overwrites the local one;
// a mismatch is only logged, never re-synced.
type History struct {
	ctx      context.Context
	sched    sched.Scheduler
	registry *Registry
	remote   Remote
	observer Observer
	appID    func() string
	public   bool
	stack    *Stack
	// seq counts local stack operations so stale acknowledgements are
	// recognized
	seq         int
	divergences int
}

// HistoryOptions configures a History
type HistoryOptions struct {
	Context   context.Context
	Scheduler sched.Scheduler
	Registry  *Registry
	Remote    Remote
	Observer  Observer
	AppID     func() string
	Public    bool
}

// NewHistory creates an empty history
func NewHistory(opts HistoryOptions) *History {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	appID := opts.AppID
	if appID == nil {
		appID = func() string { return "" }
	}
	return &History{
		ctx:      ctx,
		sched:    opts.Scheduler,
		registry: opts.Registry,
		remote:   opts.Remote,
		observer: opts.Observer,
		appID:    appID,
		public:   opts.Public || opts.Remote == nil,
		stack:    &Stack{},
	}
}

// SetPublic switches the history to offline mode where the model service is
// never called
func (h *History) SetPublic(public bool) {
	h.public = public || h.remote == nil
}

// Push records cmd, which the caller has applied or is about to apply.
//
// When undone commands exist they are discarded first. Outside public mode
// the discard is confirmed by the model service before cmd is appended.
func (h *History) Push(cmd *Command) {
	cmd.ID = h.stack.nextID()
	h.seq++
	metrics.CommandsPushed.Inc()

	if h.stack.Pos < h.stack.Len() {
		if h.public {
			h.onCommandsDeleted(cmd)
		} else {
			count := h.stack.Len() - h.stack.Pos
			appID := h.appID()
			sched.Await(h.sched, func() (wire.CommandAck, error) {
				return h.remote.DeleteCommand(h.ctx, appID, count)
			}, func(ack wire.CommandAck, err error) {
				if err != nil {
					glog.Errorf("Failed to delete %d commands of %s: %v", count, appID, err)
					h.notifyError(notSavedMsg)
					return
				}
				glog.V(1).Infof("Cut off %d commands of %s, remote pos %d", count, appID, ack.Pos)
				h.onCommandsDeleted(cmd)
			})
		}
	} else {
		h.post(cmd)
	}

	if h.observer != nil {
		h.observer.CommandAdded(h.stack.Len())
	}
}

func (h *History) onCommandsDeleted(cmd *Command) {
	dropped := h.stack.truncate()
	glog.V(2).Infof("Dropped %d undone commands, pos %d, stack %d", dropped, h.stack.Pos, h.stack.Len())
	if h.observer != nil {
		h.observer.RedoEnabled(false)
	}
	h.post(cmd)
}

func (h *History) post(cmd *Command) {
	h.stack.append(cmd)
	glog.V(1).Infof("Added command %d (%s), pos %d, lastUUID %d", cmd.ID, cmd.Kind, h.stack.Pos, h.stack.LastUUID)
	if h.observer != nil {
		h.observer.UndoEnabled(true)
	}
	if h.public {
		return
	}

	appID := h.appID()
	seq := h.seq
	sched.Await(h.sched, func() (wire.CommandAck, error) {
		return h.remote.AddCommand(h.ctx, appID, cmd)
	}, func(ack wire.CommandAck, err error) {
		if err != nil {
			glog.Errorf("Failed to save command %d of %s: %v", cmd.ID, appID, err)
			h.notifyError(notSavedMsg)
			return
		}
		h.onCommandAdded(cmd, ack, seq)
	})
}

// onCommandAdded adopts the acknowledged position and id counter unless a
// later local operation has already moved the stack
func (h *History) onCommandAdded(cmd *Command, ack wire.CommandAck, seq int) {
	if len(ack.Errors) > 0 {
		glog.Errorf("Model service returned errors for command %d: %v", cmd.ID, ack.Errors)
	}
	if ack.Pos != h.stack.Pos || ack.LastUUID != h.stack.LastUUID {
		h.diverged(fmt.Sprintf("command %d", cmd.ID), ack)
	}
	if seq != h.seq {
		glog.V(2).Infof("Keeping local stack, acknowledgement of command %d is stale", cmd.ID)
		return
	}
	pos, clamped := h.stack.clampPos(ack.Pos)
	if clamped {
		glog.Errorf("Remote pos %d outside stack of %d commands, using %d", ack.Pos, h.stack.Len(), pos)
	}
	h.stack.Pos = pos
	h.stack.LastUUID = ack.LastUUID
	h.updateEnablement()
}

// Undo inverts the last applied command. It returns the command, or nil when
// nothing can be undone, and the error of its handler. The position moves
// even when the handler is missing.
func (h *History) Undo() (*Command, error) {
	if h.stack.Pos <= 0 {
		h.updateEnablement()
		return nil, nil
	}
	if !h.public {
		appID := h.appID()
		sched.Await(h.sched, func() (wire.CommandAck, error) {
			return h.remote.UndoCommand(h.ctx, appID)
		}, func(ack wire.CommandAck, err error) {
			if err != nil {
				glog.Errorf("Failed to undo on model service: %v", err)
				return
			}
			h.compare("undo", ack)
		})
	}

	h.seq++
	h.stack.Pos--
	cmd := h.stack.Commands[h.stack.Pos]
	metrics.UndoRedo.WithLabelValues("undo").Inc()
	glog.V(2).Infof("Undo command %d (%s), pos %d", cmd.ID, cmd.Kind, h.stack.Pos)
	err := h.registry.Undo(cmd)
	if err != nil {
		glog.Warningf("Undo of command %d failed: %v", cmd.ID, err)
	}
	h.updateEnablement()
	return cmd, err
}

// Redo reapplies the first undone command. It returns the command, or nil
// when nothing can be redone, and the error of its handler.
func (h *History) Redo() (*Command, error) {
	if h.stack.Pos >= h.stack.Len() {
		glog.V(2).Infof("Nothing to redo")
		h.updateEnablement()
		return nil, nil
	}
	if !h.public {
		appID := h.appID()
		sched.Await(h.sched, func() (wire.CommandAck, error) {
			return h.remote.RedoCommand(h.ctx, appID)
		}, func(ack wire.CommandAck, err error) {
			if err != nil {
				glog.Errorf("Failed to redo on model service: %v", err)
				return
			}
			h.compare("redo", ack)
		})
	}

	h.seq++
	cmd := h.stack.Commands[h.stack.Pos]
	h.stack.Pos++
	metrics.UndoRedo.WithLabelValues("redo").Inc()
	glog.V(2).Infof("Redo command %d (%s), pos %d", cmd.ID, cmd.Kind, h.stack.Pos)
	err := h.registry.Redo(cmd)
	if err != nil {
		glog.Warningf("Redo of command %d failed: %v", cmd.ID, err)
	}
	h.updateEnablement()
	return cmd, err
}

func (h *History) compare(op string, ack wire.CommandAck) {
	if ack.Pos != h.stack.Pos {
		h.diverged(op, ack)
		return
	}
	glog.V(2).Infof("Saved %s at pos %d", op, ack.Pos)
}

// diverged reports a model service stack that disagrees with the local one.
// The local stack is kept.
func (h *History) diverged(after string, ack wire.CommandAck) {
	h.divergences++
	metrics.StackDivergence.Inc()
	glog.Warningf("Command stack diverged after %s: remote pos %d lastUUID %d, local pos %d lastUUID %d",
		after, ack.Pos, ack.LastUUID, h.stack.Pos, h.stack.LastUUID)
}

// Divergences returns how often an acknowledgement disagreed with the local
// stack
func (h *History) Divergences() int {
	return h.divergences
}

// Load replaces the stack, e.g. with the one stored by the model service
func (h *History) Load(s *Stack) {
	if s == nil {
		s = &Stack{}
	}
	s = s.Clone()
	if pos, clamped := s.clampPos(s.Pos); clamped {
		glog.Warningf("Loaded stack pos %d outside %d commands, using %d", s.Pos, s.Len(), pos)
		s.Pos = pos
	}
	h.stack = s
	h.seq++
	glog.V(2).Infof("Loaded command stack, pos %d, stack %d", s.Pos, s.Len())
	h.updateEnablement()
}

// Snapshot returns a copy of the stack
func (h *History) Snapshot() *Stack {
	return h.stack.Clone()
}

// CanUndo reports whether Undo would do something
func (h *History) CanUndo() bool {
	return h.stack.CanUndo()
}

// CanRedo reports whether Redo would do something
func (h *History) CanRedo() bool {
	return h.stack.CanRedo()
}

func (h *History) updateEnablement() {
	if h.observer == nil {
		return
	}
	h.observer.UndoEnabled(h.stack.CanUndo())
	h.observer.RedoEnabled(h.stack.CanRedo())
}

func (h *History) notifyError(msg string) {
	metrics.PersistFailures.WithLabelValues(metrics.TargetRemote).Inc()
	if h.observer != nil {
		h.observer.ShowError(msg)
	}
}
