package wire

// Change types
const (
	ChangeSet    = "set"
	ChangeRemove = "remove"
)

// Result types of an update acknowledgement
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Change describes one field level modification of a document
type Change struct {
	Type  string `json:"type,omitempty"` // Type is ChangeSet (default) or ChangeRemove
	Path  string `json:"path"`           // Path is a field key or "field/entity"
	Value any    `json:"value,omitempty"`
}

// IsRemove reports whether the change deletes its path
func (c Change) IsRemove() bool {
	return c.Type == ChangeRemove || c.Value == nil
}

// CollabEvent is a package of changes broadcast by one session and applied
// verbatim by its peers
type CollabEvent struct {
	Origin    string   `json:"origin"`
	Timestamp int64    `json:"timestamp"`
	Changes   []Change `json:"changes"`
}

// UpdateRequest is the body of a partial document update
type UpdateRequest struct {
	Changes    []Change `json:"changes"`
	LastUpdate int64    `json:"lastUpdate"`
	Size       int      `json:"size"`
}

// UpdateResult acknowledges a partial document update
type UpdateResult struct {
	Type     string   `json:"type"`
	Pos      int      `json:"pos"`
	LastUUID int      `json:"lastUUID"`
	Errors   []string `json:"errors,omitempty"`
}

// CommandAck acknowledges a command stack operation with the authoritative
// stack position and id counter
type CommandAck struct {
	Pos      int      `json:"pos"`
	LastUUID int      `json:"lastUUID"`
	Errors   []string `json:"errors,omitempty"`
}

// CopyRequest is the body of a copy app call
type CopyRequest struct {
	Name string `json:"name"`
}
