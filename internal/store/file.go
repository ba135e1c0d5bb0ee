package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"protoedit/editcore/pkg/wire"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

const fileExt = ".json"

// FileStore keeps one JSON file per document in a directory
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// idFromPath converts a file path back to a document id
func (s *FileStore) idFromPath(path string) (string, bool) {
	if filepath.Dir(path) != filepath.Clean(s.dir) || !strings.HasSuffix(path, fileExt) {
		return "", false
	}
	return strings.TrimSuffix(filepath.Base(path), fileExt), true
}

func (s *FileStore) Get(_ context.Context, id string) (*wire.Document, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	var doc wire.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return &doc, nil
}

// Save writes the document to a temporary file and renames it into place
func (s *FileStore) Save(_ context.Context, doc *wire.Document) error {
	if err := validateID(doc.ID); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, doc.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write document %s: %w", doc.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write document %s: %w", doc.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(doc.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// Watch calls fn with the id of every document file written in the store
// directory, by this process or another one, until ctx is done
func (s *FileStore) Watch(ctx context.Context, fn func(id string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Save renames into place, editors usually write
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				id, ok := s.idFromPath(event.Name)
				if !ok {
					continue
				}
				glog.V(2).Infof("Document file changed: %s, id: %s", event.Name, id)
				fn(id)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				glog.Errorf("Watcher error: %v", err)
			}
		}
	}()
	return nil
}
