// Package store keeps documents in a durable keyed cache that survives a
// process restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"protoedit/editcore/pkg/wire"
)

// ErrNotFound is returned by Get when no document is stored under the id
var ErrNotFound = errors.New("document not found")

// Store is a durable document cache
type Store interface {
	Get(ctx context.Context, id string) (*wire.Document, error)
	Save(ctx context.Context, doc *wire.Document) error
	Close() error
}

// Backend names accepted by Open
const (
	BackendFile     = "file"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Open creates the store named by backend. For the file backend location is
// a directory, for bolt a database file and for postgres a connection URL.
// The memory backend ignores location.
func Open(ctx context.Context, backend, location string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(location)
	case BackendBolt:
		return NewBoltStore(location)
	case BackendPostgres:
		return NewPostgresStore(ctx, location)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func validateID(id string) error {
	if id == "" {
		return errors.New("empty document id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid document id %q", id)
	}
	return nil
}
