package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"protoedit/editcore/internal/command"
	"protoedit/editcore/internal/config"
	"protoedit/editcore/internal/store"
	"protoedit/editcore/pkg/wire"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server, *store.MemoryStore) {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	st := store.NewMemoryStore()
	s := New(cfg, st, nil)
	ts := httptest.NewServer(s.SetupRoutes())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts, st
}

func seed(t *testing.T, st store.Store) *wire.Document {
	doc := wire.NewDocument("a1", "Shop")
	doc.Fields["title"] = "Home"
	doc.Fields["widgets"] = map[string]any{"w1": map[string]any{"x": 1.0}}
	assert.Equal(t, nil, st.Save(context.Background(), doc))
	return doc
}

func doJSON(t *testing.T, method, url string, in, out any) int {
	var body bytes.Buffer
	if in != nil {
		assert.Equal(t, nil, json.NewEncoder(&body).Encode(in))
	}
	req, err := http.NewRequest(method, url, &body)
	assert.Equal(t, nil, err)
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		assert.Equal(t, nil, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestUpdateAppAppliesChanges(t *testing.T) {
	_, ts, st := newTestServer(t, nil)
	seed(t, st)

	var res wire.UpdateResult
	code := doJSON(t, http.MethodPost, ts.URL+"/rest/apps/a1/update", wire.UpdateRequest{
		Changes: []wire.Change{
			{Path: "title", Value: "Start"},
			{Path: "widgets/w2", Value: map[string]any{"x": 2.0}},
			{Type: wire.ChangeRemove, Path: "widgets/w1"},
		},
		LastUpdate: 42,
		Size:       100,
	}, &res)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, wire.ResultOK, res.Type)

	doc, err := st.Get(context.Background(), "a1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "Start", doc.Get("title"))
	assert.Equal(t, nil, doc.Get("widgets/w1"))
	assert.Equal(t, map[string]any{"x": 2.0}, doc.Get("widgets/w2"))
	assert.Equal(t, int64(42), doc.LastUpdate)
	assert.Equal(t, 100, doc.Size)
}

func TestUpdateAppReportsRejectedChanges(t *testing.T) {
	_, ts, st := newTestServer(t, nil)
	seed(t, st)

	var res wire.UpdateResult
	code := doJSON(t, http.MethodPost, ts.URL+"/rest/apps/a1/update", wire.UpdateRequest{
		Changes: []wire.Change{{Path: "", Value: 1.0}},
	}, &res)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, wire.ResultError, res.Type)
	assert.Equal(t, 1, len(res.Errors))

	doc, _ := st.Get(context.Background(), "a1")
	assert.Equal(t, "Home", doc.Get("title"))
}

func TestUnknownApp(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, ts.URL+"/rest/apps/missing", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/rest/apps/missing/update", wire.UpdateRequest{}, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, ts.URL+"/apps/missing", nil, nil))
}

func TestCreateAppRejectsExistingID(t *testing.T) {
	_, ts, st := newTestServer(t, nil)
	seed(t, st)
	assert.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, ts.URL+"/rest/apps", wire.NewDocument("a1", "Other"), nil))
}

func TestCommandRoutes(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)
	base := ts.URL + "/rest/commands/a1"

	for i := 0; i < 3; i++ {
		cmd := command.New(&command.SetField{Path: "title", Old: nil, New: "v"}, 1)
		cmd.ID = i
		var ack wire.CommandAck
		assert.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, base, cmd, &ack))
		assert.Equal(t, i+1, ack.Pos)
		assert.Equal(t, i+1, ack.LastUUID)
	}

	var ack wire.CommandAck
	doJSON(t, http.MethodPost, base+"/undo", struct{}{}, &ack)
	assert.Equal(t, 2, ack.Pos)
	doJSON(t, http.MethodPost, base+"/redo", struct{}{}, &ack)
	assert.Equal(t, 3, ack.Pos)
	doJSON(t, http.MethodPost, base+"/redo", struct{}{}, &ack)
	assert.Equal(t, 3, ack.Pos)
	assert.Equal(t, 1, len(ack.Errors))

	doJSON(t, http.MethodDelete, base+"/pop/2", nil, &ack)
	assert.Equal(t, 1, ack.Pos)
	assert.Equal(t, 3, ack.LastUUID)

	var stack command.Stack
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base, nil, &stack))
	assert.Equal(t, 1, stack.Len())
	assert.Equal(t, command.KindSetField, stack.Commands[0].Kind)
	assert.Equal(t, "title", stack.Commands[0].Payload.(*command.SetField).Path)
}

func TestSubscriptionStream(t *testing.T) {
	_, ts, st := newTestServer(t, nil)
	seed(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/apps/a1", nil)
	assert.Equal(t, nil, err)
	req.Header.Set("Subscribe", "true")
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	assert.Equal(t, StatusSubscribed, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	first, err := wire.ReadUpdate(r)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, first.IsFull())
	var doc wire.Document
	assert.Equal(t, nil, json.Unmarshal(first.Body, &doc))
	assert.Equal(t, "Home", doc.Get("title"))

	code := doJSON(t, http.MethodPost, ts.URL+"/rest/apps/a1/update", wire.UpdateRequest{
		Changes: []wire.Change{{Path: "title", Value: "Start"}},
	}, nil)
	assert.Equal(t, http.StatusOK, code)

	next, err := wire.ReadUpdate(r)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, next.IsFull())
	assert.Equal(t, []string{first.Version}, next.Parents)
	found := false
	for _, p := range next.Patches {
		if p.Range == "/fields/title" {
			found = true
			assert.Equal(t, "replace", p.Unit)
			assert.Equal(t, `"Start"`, string(p.Content))
		}
	}
	assert.Equal(t, true, found)
}

func TestPlainGetCarriesVersion(t *testing.T) {
	_, ts, st := newTestServer(t, nil)
	seed(t, st)

	resp, err := http.Get(ts.URL + "/apps/a1")
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, "", resp.Header.Get("Version"))
}

func TestCORSPreflight(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.CORS.Enabled = true
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/rest/apps/a1", nil)
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, nil, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func dialHub(t *testing.T, ts *httptest.Server, appID string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/apps/" + appID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, nil, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wire.CollabEvent {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev wire.CollabEvent
	assert.Equal(t, nil, conn.ReadJSON(&ev))
	return ev
}

func waitForClients(t *testing.T, s *Server, appID string, n int) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.hub.mu.Lock()
		count := 0
		if rm, ok := s.hub.rooms[appID]; ok {
			count = len(rm.clients)
		}
		s.hub.mu.Unlock()
		if count == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients on %s", n, appID)
}

func TestHubRelaysEventsPerApp(t *testing.T) {
	s, ts, _ := newTestServer(t, nil)
	alice := dialHub(t, ts, "a1")
	bob := dialHub(t, ts, "a1")
	other := dialHub(t, ts, "a2")
	waitForClients(t, s, "a1", 2)
	waitForClients(t, s, "a2", 1)

	sent := wire.CollabEvent{Origin: "alice", Timestamp: 7, Changes: []wire.Change{{Path: "title", Value: "Hi"}}}
	assert.Equal(t, nil, alice.WriteJSON(sent))

	assert.Equal(t, sent, readEvent(t, bob))
	assert.Equal(t, sent, readEvent(t, alice))

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.NotEqual(t, nil, err)
}

func TestHubDropsMalformedEvents(t *testing.T) {
	s, ts, _ := newTestServer(t, nil)
	alice := dialHub(t, ts, "a1")
	bob := dialHub(t, ts, "a1")
	waitForClients(t, s, "a1", 2)

	assert.Equal(t, nil, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	valid := wire.CollabEvent{Origin: "alice", Changes: []wire.Change{{Path: "x", Value: 1.0}}}
	assert.Equal(t, nil, alice.WriteJSON(valid))

	assert.Equal(t, valid, readEvent(t, bob))
}

func TestLocalRelayUnsubscribe(t *testing.T) {
	relay := NewLocalRelay()
	var got []string
	unsubscribe, err := relay.Subscribe(context.Background(), "a1", func(msg []byte) {
		got = append(got, string(msg))
	})
	assert.Equal(t, nil, err)

	relay.Publish(context.Background(), "a1", []byte("one"))
	relay.Publish(context.Background(), "a2", []byte("elsewhere"))
	unsubscribe()
	relay.Publish(context.Background(), "a1", []byte("two"))

	assert.Equal(t, []string{"one"}, got)
}

func TestRedisRelay(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	cfg := config.Default().Redis
	cfg.Addr = addr
	cfg.Prefix = "editcore:test:"
	relay, err := NewRedisRelay(ctx, cfg)
	assert.Equal(t, nil, err)
	defer relay.Close()

	got := make(chan string, 1)
	unsubscribe, err := relay.Subscribe(ctx, "a1", func(msg []byte) {
		got <- string(msg)
	})
	assert.Equal(t, nil, err)
	defer unsubscribe()

	assert.Equal(t, nil, relay.Publish(ctx, "a1", []byte("hello")))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no message from Redis")
	}
}
