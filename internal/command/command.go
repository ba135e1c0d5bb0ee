// Package command implements reversible document commands and the command
// stack that undo and redo walk.
package command

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Kind tags the payload variant of a command
type Kind string

// Built in command kinds
const (
	KindSetField    Kind = "SetField"
	KindAddEntry    Kind = "AddEntry"
	KindRemoveEntry Kind = "RemoveEntry"
	KindMulti       Kind = "MultiCommand"
)

// Payload carries what a command needs to apply and invert its mutation
type Payload interface {
	Kind() Kind
}

// Command is one reversible unit of document mutation
type Command struct {
	ID        int
	Kind      Kind
	Timestamp int64
	Payload   Payload
}

// New creates a command for payload; the id is assigned on push
func New(payload Payload, timestamp int64) *Command {
	return &Command{
		Kind:      payload.Kind(),
		Timestamp: timestamp,
		Payload:   payload,
	}
}

// SetField replaces the value at Path
type SetField struct {
	Path string `json:"path"`
	Old  any    `json:"o"`
	New  any    `json:"n"`
}

func (*SetField) Kind() Kind { return KindSetField }

// AddEntry inserts Value under ID in the collection field
type AddEntry struct {
	Collection string `json:"collection"`
	ID         string `json:"modelID"`
	Value      any    `json:"model"`
}

func (*AddEntry) Kind() Kind { return KindAddEntry }

// RemoveEntry deletes ID from the collection field; Value keeps the removed
// entity for undo
type RemoveEntry struct {
	Collection string `json:"collection"`
	ID         string `json:"modelID"`
	Value      any    `json:"model"`
}

func (*RemoveEntry) Kind() Kind { return KindRemoveEntry }

// Multi groups child commands applied as one step
type Multi struct {
	Children []*Command `json:"children"`
}

func (*Multi) Kind() Kind { return KindMulti }

// Raw is the payload of a kind with no registered payload type
type Raw struct {
	Type Kind
	Data json.RawMessage
}

func (r *Raw) Kind() Kind { return r.Type }

// MarshalJSON keeps the payload bytes untouched
func (r *Raw) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

var (
	payloadsMu sync.RWMutex
	payloads   = map[Kind]func() Payload{
		KindSetField:    func() Payload { return &SetField{} },
		KindAddEntry:    func() Payload { return &AddEntry{} },
		KindRemoveEntry: func() Payload { return &RemoveEntry{} },
		KindMulti:       func() Payload { return &Multi{} },
	}
)

// RegisterPayload makes commands of kind decode into the payload built by
// factory
func RegisterPayload(kind Kind, factory func() Payload) {
	payloadsMu.Lock()
	defer payloadsMu.Unlock()
	payloads[kind] = factory
}

func newPayload(kind Kind) Payload {
	payloadsMu.RLock()
	defer payloadsMu.RUnlock()
	if factory, ok := payloads[kind]; ok {
		return factory()
	}
	return nil
}

type commandJSON struct {
	ID        int             `json:"id"`
	Type      Kind            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the command as {"id","type","timestamp","payload"}
func (c *Command) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if c.Payload != nil {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", c.Kind, err)
		}
		payload = data
	}
	return json.Marshal(commandJSON{
		ID:        c.ID,
		Type:      c.Kind,
		Timestamp: c.Timestamp,
		Payload:   payload,
	})
}

// UnmarshalJSON decodes the payload into the type registered for its kind,
// or into Raw when the kind is unknown
func (c *Command) UnmarshalJSON(data []byte) error {
	var in commandJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.ID = in.ID
	c.Kind = in.Type
	c.Timestamp = in.Timestamp

	payload := newPayload(in.Type)
	if payload == nil {
		c.Payload = &Raw{Type: in.Type, Data: in.Payload}
		return nil
	}
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", in.Type, err)
		}
	}
	c.Payload = payload
	return nil
}
