package command

import (
	"errors"
	"fmt"

	"protoedit/editcore/internal/metrics"

	"github.com/golang/glog"
)

var (
	// ErrHandlerMissing is returned when no handler is registered for a kind
	ErrHandlerMissing = errors.New("no handler registered")
	// ErrPayloadMismatch is returned when a handler receives a payload of an
	// unexpected type
	ErrPayloadMismatch = errors.New("unexpected payload type")
)

// Handler applies (Redo) and inverts (Undo) commands of one kind
type Handler interface {
	Redo(cmd *Command) error
	Undo(cmd *Command) error
}

// HandlerFuncs binds a forward and an inverse function to payload type P
type HandlerFuncs[P Payload] struct {
	OnRedo func(cmd *Command, p P)
	OnUndo func(cmd *Command, p P)
}

func (h HandlerFuncs[P]) Redo(cmd *Command) error {
	p, ok := cmd.Payload.(P)
	if !ok {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, cmd.Kind, cmd.Payload)
	}
	h.OnRedo(cmd, p)
	return nil
}

func (h HandlerFuncs[P]) Undo(cmd *Command) error {
	p, ok := cmd.Payload.(P)
	if !ok {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, cmd.Kind, cmd.Payload)
	}
	h.OnUndo(cmd, p)
	return nil
}

// Registry dispatches commands to the handler registered for their kind.
// Composite commands are handled by the registry itself.
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry creates a registry that already knows KindMulti
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[Kind]Handler)}
	r.handlers[KindMulti] = multiHandler{r}
	return r
}

// Register binds h to kind, replacing any previous handler
func (r *Registry) Register(kind Kind, h Handler) {
	r.handlers[kind] = h
}

// Has reports whether kind has a handler
func (r *Registry) Has(kind Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Redo applies cmd
func (r *Registry) Redo(cmd *Command) error {
	h, err := r.lookup(cmd, "redo")
	if err != nil {
		return err
	}
	return h.Redo(cmd)
}

// Undo inverts cmd
func (r *Registry) Undo(cmd *Command) error {
	h, err := r.lookup(cmd, "undo")
	if err != nil {
		return err
	}
	return h.Undo(cmd)
}

func (r *Registry) lookup(cmd *Command, op string) (Handler, error) {
	h, ok := r.handlers[cmd.Kind]
	if !ok {
		metrics.HandlerMissing.WithLabelValues(string(cmd.Kind)).Inc()
		glog.Warningf("No %s handler defined for command %d of kind %s", op, cmd.ID, cmd.Kind)
		return nil, fmt.Errorf("%w: %s %s", ErrHandlerMissing, op, cmd.Kind)
	}
	return h, nil
}

// multiHandler walks children in the same forward order for undo and redo.
// A failing child is logged and the remaining children still run.
type multiHandler struct {
	r *Registry
}

func (m multiHandler) Redo(cmd *Command) error {
	multi, ok := cmd.Payload.(*Multi)
	if !ok {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, cmd.Kind, cmd.Payload)
	}
	glog.V(2).Infof("Redo multi command %d with %d children", cmd.ID, len(multi.Children))
	var errs []error
	for _, child := range multi.Children {
		if err := m.r.Redo(child); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) Undo(cmd *Command) error {
	multi, ok := cmd.Payload.(*Multi)
	if !ok {
		return fmt.Errorf("%w: %s carries %T", ErrPayloadMismatch, cmd.Kind, cmd.Payload)
	}
	glog.V(2).Infof("Undo multi command %d with %d children", cmd.ID, len(multi.Children))
	var errs []error
	for _, child := range multi.Children {
		if err := m.r.Undo(child); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
