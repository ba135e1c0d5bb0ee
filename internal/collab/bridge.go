// Package collab turns local deltas into collab events for other sessions
// and hands events from other sessions back to the document owner.
package collab

import (
	"protoedit/editcore/internal/delta"
	"protoedit/editcore/internal/metrics"
	"protoedit/editcore/internal/sched"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Target merges remote events into the document. It is called on the
// scheduler thread.
type Target interface {
	ApplyRemoteEvent(ev wire.CollabEvent)
}

// Bridge connects one editing session to a collab transport
type Bridge struct {
	sched    sched.Scheduler
	origin   string
	listener func(wire.CollabEvent)
	target   Target
}

// NewBridge creates a bridge. An empty origin is replaced by a random one.
func NewBridge(s sched.Scheduler, origin string) *Bridge {
	if origin == "" {
		origin = uuid.NewString()
	}
	return &Bridge{sched: s, origin: origin}
}

// Origin identifies the events of this session
func (b *Bridge) Origin() string {
	return b.origin
}

// OnLocalChange registers the outbound listener, replacing any previous one
func (b *Bridge) OnLocalChange(fn func(wire.CollabEvent)) {
	b.listener = fn
}

// SetTarget sets the receiver of inbound events
func (b *Bridge) SetTarget(t Target) {
	b.target = t
}

// CreateEvent wraps d into an event of this session
func (b *Bridge) CreateEvent(d delta.Delta) wire.CollabEvent {
	return wire.CollabEvent{
		Origin:    b.origin,
		Timestamp: sched.Millis(b.sched),
		Changes:   d.Changes(),
	}
}

// Broadcast hands d to the outbound listener
func (b *Bridge) Broadcast(d delta.Delta) {
	if d.IsEmpty() {
		return
	}
	if b.listener == nil {
		glog.V(3).Infof("No collab listener, dropping %d changes", d.Len())
		return
	}
	ev := b.CreateEvent(d)
	metrics.EventsBroadcast.Inc()
	glog.V(2).Infof("Broadcast %d changes", len(ev.Changes))
	b.listener(ev)
}

// Receive accepts an event from the transport. It may be called from any
// goroutine; the event is applied on the scheduler thread. Events of this
// session are dropped.
func (b *Bridge) Receive(ev wire.CollabEvent) {
	if ev.Origin == b.origin {
		glog.V(3).Infof("Ignoring own collab event")
		return
	}
	if len(ev.Changes) == 0 {
		return
	}
	b.sched.Post(func() {
		if b.target == nil {
			glog.Warningf("No collab target, dropping event of %s", ev.Origin)
			return
		}
		metrics.EventsApplied.Inc()
		glog.V(2).Infof("Apply %d changes of %s", len(ev.Changes), ev.Origin)
		b.target.ApplyRemoteEvent(ev)
	})
}
