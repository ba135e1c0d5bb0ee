package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"protoedit/editcore/internal/command"
	"protoedit/editcore/internal/metrics"
	"protoedit/editcore/internal/store"
	"protoedit/editcore/internal/utils"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("Error writing response: %v", err)
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// storeError maps a store error to a response
func storeError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Resource not found", http.StatusNotFound)
		return
	}
	glog.Errorf("Store error for %s: %v", id, err)
	http.Error(w, fmt.Sprintf("Error reading resource: %v", err), http.StatusInternalServerError)
}

// save stores doc and sends it to the subscribers of its subscription stream
func (s *Server) save(ctx context.Context, doc *wire.Document) error {
	if doc.Fields == nil {
		doc.Fields = make(map[string]any)
	}
	if err := s.store.Save(ctx, doc); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	s.notifySubscribers(doc.ID, data)
	return nil
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var doc wire.Document
	if err := readJSON(w, r, &doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if doc.ID == "" {
		doc.ID = utils.NewID()
	}

	s.docMu.Lock()
	defer s.docMu.Unlock()
	if _, err := s.store.Get(r.Context(), doc.ID); err == nil {
		http.Error(w, fmt.Sprintf("Resource %s already exists", doc.ID), http.StatusConflict)
		return
	}
	if err := s.save(r.Context(), &doc); err != nil {
		storeError(w, doc.ID, err)
		return
	}
	glog.Infof("Created app %s (%s)", doc.ID, doc.Name)
	writeJSON(w, http.StatusCreated, &doc)
}

func (s *Server) handleSaveApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var doc wire.Document
	if err := readJSON(w, r, &doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc.ID = id

	s.docMu.Lock()
	defer s.docMu.Unlock()
	if err := s.save(r.Context(), &doc); err != nil {
		storeError(w, id, err)
		return
	}
	glog.V(1).Infof("Saved app %s", id)
	writeJSON(w, http.StatusOK, &doc)
}

// handleUpdateApp merges a list of changes into the stored document. A
// change that cannot be applied is reported in the result, not as an HTTP
// error, so the client can fall back to a full save.
func (s *Server) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req wire.UpdateRequest
	if err := readJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.docMu.Lock()
	defer s.docMu.Unlock()
	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, id, err)
		return
	}

	res := s.commandAck(id)
	result := wire.UpdateResult{Type: wire.ResultOK, Pos: res.Pos, LastUUID: res.LastUUID}
	if err := doc.Apply(req.Changes); err != nil {
		glog.Warningf("Rejected update of %s: %v", id, err)
		metrics.AppUpdates.WithLabelValues(wire.ResultError).Inc()
		result.Type = wire.ResultError
		result.Errors = []string{err.Error()}
		writeJSON(w, http.StatusOK, result)
		return
	}
	doc.LastUpdate = req.LastUpdate
	doc.Size = req.Size
	if err := s.save(r.Context(), doc); err != nil {
		storeError(w, id, err)
		return
	}
	metrics.AppUpdates.WithLabelValues(wire.ResultOK).Inc()
	glog.V(1).Infof("Updated app %s with %d changes", id, len(req.Changes))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCopyApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req wire.CopyRequest
	if err := readJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.docMu.Lock()
	defer s.docMu.Unlock()
	src, err := s.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, id, err)
		return
	}
	doc := src.Clone()
	doc.ID = utils.NewID()
	doc.Parent = id
	if req.Name != "" {
		doc.Name = req.Name
	}
	if err := s.save(r.Context(), doc); err != nil {
		storeError(w, doc.ID, err)
		return
	}
	glog.Infof("Copied app %s to %s", id, doc.ID)
	writeJSON(w, http.StatusCreated, doc)
}

// commandAck reports the stack position of an app
func (s *Server) commandAck(appID string) wire.CommandAck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stacks[appID]; ok {
		return wire.CommandAck{Pos: st.Pos, LastUUID: st.LastUUID}
	}
	return wire.CommandAck{}
}

func (s *Server) handleGetCommandStack(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	data, err := json.Marshal(s.stack(id))
	s.mu.Unlock()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error encoding command stack: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleAddCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var cmd command.Command
	if err := readJSON(w, r, &cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	st := s.stack(id)
	st.Add(&cmd)
	ack := wire.CommandAck{Pos: st.Pos, LastUUID: st.LastUUID}
	s.mu.Unlock()

	glog.V(2).Infof("Added command %d (%s) to %s, pos %d", cmd.ID, cmd.Kind, id, ack.Pos)
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	count, err := strconv.Atoi(vars["count"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid count %q", vars["count"]), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	st := s.stack(id)
	removed := st.Pop(count)
	ack := wire.CommandAck{Pos: st.Pos, LastUUID: st.LastUUID}
	s.mu.Unlock()

	glog.V(2).Infof("Removed %d commands from %s, pos %d", removed, id, ack.Pos)
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleUndoCommand(w http.ResponseWriter, r *http.Request) {
	s.moveCommand(w, mux.Vars(r)["id"], (*command.Stack).Back, "undo")
}

func (s *Server) handleRedoCommand(w http.ResponseWriter, r *http.Request) {
	s.moveCommand(w, mux.Vars(r)["id"], (*command.Stack).Forward, "redo")
}

// moveCommand moves the stack position and acknowledges the resulting one.
// A move past either end leaves the position unchanged and says so in the
// errors of the ack.
func (s *Server) moveCommand(w http.ResponseWriter, id string, move func(*command.Stack) bool, op string) {
	s.mu.Lock()
	st := s.stack(id)
	moved := move(st)
	ack := wire.CommandAck{Pos: st.Pos, LastUUID: st.LastUUID}
	s.mu.Unlock()

	if !moved {
		ack.Errors = []string{fmt.Sprintf("nothing to %s", op)}
	}
	glog.V(2).Infof("Command %s on %s, pos %d", op, id, ack.Pos)
	writeJSON(w, http.StatusOK, ack)
}

// withCORS adds CORS headers to every response and answers preflight
// requests
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.addCORSHeaders(w, r)

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// addCORSHeaders adds CORS headers to the response
func (s *Server) addCORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", s.config.CORS.AllowOrigins)
	w.Header().Set("Access-Control-Allow-Methods", s.config.CORS.AllowMethods)
	w.Header().Set("Access-Control-Allow-Headers", s.config.CORS.AllowHeaders)

	if s.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.config.CORS.MaxAge))
}
