package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"protoedit/editcore/internal/metrics"
	"protoedit/editcore/internal/utils"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/wI2L/jsondiff"
)

// StatusSubscribed is the status code of a successful subscription
const StatusSubscribed = 209

const subscriptionBuffer = 16

// Subscription is one open document stream. The handler goroutine owning
// the response is the only writer; updates reach it through the pending
// channel.
type Subscription struct {
	ID           string
	W            http.ResponseWriter
	F            http.Flusher
	LastResource []byte // Store the last resource state to calculate patches
	LastHash     string // Store the hash of the last resource
	pending      chan []byte
}

// handleSubscribe serves the document as JSON, or as a stream of updates
// when the request carries "Subscribe: true"
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	subscribe := strings.EqualFold(r.Header.Get("Subscribe"), "true")

	var sub *Subscription
	if subscribe {
		// Ensure we can flush the response
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}
		// Subscribe before reading so no later save is missed
		sub = s.AddSubscription(id, w, flusher)
		defer s.RemoveSubscription(id, sub.ID)
	}

	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, id, err)
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error encoding resource: %v", err), http.StatusInternalServerError)
		return
	}
	hash := utils.Version(data)

	// Set common headers
	w.Header().Set("Range-Request-Allow-Methods", "PATCH, PUT")
	w.Header().Set("Range-Request-Allow-Units", "json")
	w.Header().Set("Content-Type", "application/json")

	if !subscribe {
		// Regular GET request
		w.Header().Set("Version", hash)
		w.Header().Set("Parents", "")
		w.Write(data)
		return
	}

	// Set headers for streaming
	w.Header().Set("Subscribe", "true")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(StatusSubscribed)

	// Send initial state
	if err := s.sendFullUpdate(sub, data, hash); err != nil {
		return
	}

	// Keep the connection open until client disconnects
	for {
		select {
		case <-r.Context().Done():
			return
		case newData := <-sub.pending:
			if err := s.sendUpdate(id, sub, newData); err != nil {
				glog.V(1).Infof("Subscription %s for resource %s ended: %v", sub.ID, id, err)
				return
			}
		}
	}
}

// AddSubscription adds a new subscription for a resource
func (s *Server) AddSubscription(resourceID string, w http.ResponseWriter, f http.Flusher) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{
		ID:      utils.NewID(),
		W:       w,
		F:       f,
		pending: make(chan []byte, subscriptionBuffer),
	}

	if _, exists := s.subscriptions[resourceID]; !exists {
		s.subscriptions[resourceID] = make(map[string]*Subscription)
	}
	s.subscriptions[resourceID][sub.ID] = sub
	metrics.Subscriptions.Inc()

	glog.V(1).Infof("Added subscription %s for resource %s", sub.ID, resourceID)
	return sub
}

// RemoveSubscription removes a subscription
func (s *Server) RemoveSubscription(resourceID, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs, exists := s.subscriptions[resourceID]; exists {
		if _, ok := subs[subID]; !ok {
			return
		}
		delete(subs, subID)
		metrics.Subscriptions.Dec()
		glog.V(1).Infof("Removed subscription %s for resource %s", subID, resourceID)

		// Clean up empty subscription maps
		if len(subs) == 0 {
			delete(s.subscriptions, resourceID)
		}
	}
}

func (s *Server) hasSubscribers(resourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions[resourceID]) > 0
}

// notifySubscribers hands a new state of a resource to every subscription.
// A subscription whose buffer is full misses the state; its next update is
// diffed against the last state it did send.
func (s *Server) notifySubscribers(resourceID string, newData []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.subscriptions[resourceID]
	if len(subs) == 0 {
		return
	}
	glog.V(2).Infof("Notifying %d subscribers for resource %s", len(subs), resourceID)

	for subID, sub := range subs {
		select {
		case sub.pending <- newData:
		default:
			glog.Warningf("Subscription %s for resource %s is behind, skipping update", subID, resourceID)
		}
	}
}

// sendUpdate writes newData to sub as patches against the last state it
// sent, or in full when no patch can be computed
func (s *Server) sendUpdate(resourceID string, sub *Subscription, newData []byte) error {
	newHash := utils.Version(newData)
	if sub.LastHash == newHash {
		glog.V(2).Infof("Resource %s unchanged for subscription %s, skipping update", resourceID, sub.ID)
		return nil
	}

	if len(sub.LastResource) == 0 {
		return s.sendFullUpdate(sub, newData, newHash)
	}
	sent, err := s.sendPatchUpdate(sub, newData, newHash)
	if err != nil {
		glog.Warningf("Error sending patch update: %v, falling back to full update", err)
		return s.sendFullUpdate(sub, newData, newHash)
	}
	if !sent {
		sub.LastResource, sub.LastHash = newData, newHash
	}
	return nil
}

// sendFullUpdate sends a full resource update to a subscriber
func (s *Server) sendFullUpdate(sub *Subscription, data []byte, hash string) error {
	update := wire.Update{
		Version: hash,
		Body:    data,
	}
	if sub.LastHash != "" {
		update.Parents = []string{sub.LastHash}
	}
	if err := wire.WriteUpdate(sub.W, update); err != nil {
		return err
	}
	sub.F.Flush()
	sub.LastResource, sub.LastHash = data, hash
	return nil
}

// sendPatchUpdate sends a patch update to a subscriber. It reports false
// when the states only differ in formatting.
func (s *Server) sendPatchUpdate(sub *Subscription, newData []byte, newHash string) (bool, error) {
	// Calculate patch
	patchOperations, err := jsondiff.CompareJSON(sub.LastResource, newData)
	if err != nil {
		return false, err
	}
	if len(patchOperations) == 0 {
		return false, nil
	}

	update := wire.Update{
		Version: newHash,
		Parents: []string{sub.LastHash},
	}
	for _, op := range patchOperations {
		valueJSON, err := json.Marshal(op.Value)
		if err != nil {
			return false, fmt.Errorf("failed to encode patch %s: %w", op.Path, err)
		}
		update.Patches = append(update.Patches, wire.Patch{
			Unit:    op.Type,
			Range:   op.Path,
			Content: valueJSON,
		})
	}

	if err := wire.WriteUpdate(sub.W, update); err != nil {
		return false, err
	}
	sub.F.Flush()
	sub.LastResource, sub.LastHash = newData, newHash
	return true, nil
}
