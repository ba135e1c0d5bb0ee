package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"protoedit/editcore/pkg/wire"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltStore keeps documents in a single bbolt database file
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, id string) (*wire.Document, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var doc *wire.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(documentsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		doc = &wire.Document{}
		return json.Unmarshal(data, doc)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return doc, nil
}

func (s *BoltStore) Save(_ context.Context, doc *wire.Document) error {
	if err := validateID(doc.ID); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(doc.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
