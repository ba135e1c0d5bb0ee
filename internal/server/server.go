// Package server is the model service: it stores documents and their command
// stacks, streams document changes to subscribers and relays collab events
// between editing sessions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"protoedit/editcore/internal/command"
	"protoedit/editcore/internal/config"
	"protoedit/editcore/internal/store"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server implements the model service
type Server struct {
	config        *config.Config
	store         store.Store
	hub           *Hub
	subscriptions map[string]map[string]*Subscription
	stacks        map[string]*command.Stack
	mu            sync.RWMutex
	docMu         sync.Mutex // serializes read-modify-write of documents
}

// New creates a server keeping documents in st and relaying collab events
// through relay
func New(config *config.Config, st store.Store, relay Relay) *Server {
	if relay == nil {
		relay = NewLocalRelay()
	}
	return &Server{
		config:        config,
		store:         st,
		hub:           NewHub(relay),
		subscriptions: make(map[string]map[string]*Subscription),
		stacks:        make(map[string]*command.Stack),
	}
}

// Watch notifies subscribers of documents written to a file store by other
// processes until ctx is done. It does nothing for other stores.
func (s *Server) Watch(ctx context.Context) error {
	fs, ok := s.store.(*store.FileStore)
	if !ok {
		return nil
	}
	glog.Infof("Watching %s for document changes", fs.Dir())
	return fs.Watch(ctx, func(id string) {
		s.reload(ctx, id)
	})
}

// reload reads a document from the store and sends it to its subscribers
func (s *Server) reload(ctx context.Context, id string) {
	if !s.hasSubscribers(id) {
		return
	}
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		glog.Errorf("Error reading document %s: %v", id, err)
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		glog.Errorf("Error encoding document %s: %v", id, err)
		return
	}
	s.notifySubscribers(id, data)
}

// Close disconnects collab clients and releases the relay
func (s *Server) Close() error {
	if err := s.hub.Close(); err != nil {
		return fmt.Errorf("failed to close hub: %w", err)
	}
	return nil
}

// SetupRoutes configures the HTTP routes for the server
func (s *Server) SetupRoutes() http.Handler {
	router := mux.NewRouter()

	rest := router.PathPrefix("/rest").Subrouter()
	rest.HandleFunc("/apps", s.handleCreateApp).Methods(http.MethodPost)
	rest.HandleFunc("/apps/copy/{id}", s.handleCopyApp).Methods(http.MethodPost)
	rest.HandleFunc("/apps/{id}", s.handleGetApp).Methods(http.MethodGet)
	rest.HandleFunc("/apps/{id}", s.handleSaveApp).Methods(http.MethodPut)
	rest.HandleFunc("/apps/{id}/update", s.handleUpdateApp).Methods(http.MethodPost)
	rest.HandleFunc("/commands/{id}", s.handleGetCommandStack).Methods(http.MethodGet)
	rest.HandleFunc("/commands/{id}", s.handleAddCommand).Methods(http.MethodPost)
	rest.HandleFunc("/commands/{id}/pop/{count:[0-9]+}", s.handleDeleteCommand).Methods(http.MethodDelete)
	rest.HandleFunc("/commands/{id}/undo", s.handleUndoCommand).Methods(http.MethodPost)
	rest.HandleFunc("/commands/{id}/redo", s.handleRedoCommand).Methods(http.MethodPost)

	router.HandleFunc("/apps/{id}", s.handleSubscribe).Methods(http.MethodGet)
	router.HandleFunc("/ws/apps/{id}", s.handleCollab).Methods(http.MethodGet)

	if s.config.Metrics.Enabled {
		router.Handle(s.config.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	if s.config.CORS.Enabled {
		return s.withCORS(router)
	}
	return router
}

func (s *Server) handleCollab(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, mux.Vars(r)["id"])
}

// stack returns the command stack of an app, creating an empty one. Callers
// hold s.mu.
func (s *Server) stack(appID string) *command.Stack {
	st, ok := s.stacks[appID]
	if !ok {
		st = &command.Stack{Commands: []*command.Command{}}
		s.stacks[appID] = st
	}
	return st
}
