package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"protoedit/editcore/internal/metrics"
	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Hub connects the collab websockets of an app. Every event a client sends
// is published on the relay and delivered to all clients of the app,
// including the sender, which drops its own events by origin.
type Hub struct {
	relay    Relay
	upgrader websocket.Upgrader
	mu       sync.Mutex
	rooms    map[string]*room
}

type room struct {
	clients     map[*hubClient]struct{}
	unsubscribe func()
}

type hubClient struct {
	appID string
	conn  *websocket.Conn
	send  chan []byte
}

// NewHub creates a hub publishing through relay
func NewHub(relay Relay) *Hub {
	return &Hub{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// ServeWS upgrades the request and serves the connection until it closes
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, appID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("Websocket upgrade failed: %v", err)
		return
	}

	c := &hubClient{
		appID: appID,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
	}
	if err := h.join(r.Context(), c); err != nil {
		glog.Errorf("Could not join %s: %v", appID, err)
		conn.Close()
		return
	}
	glog.V(1).Infof("Collab client connected to %s", appID)

	go c.writePump()
	h.readPump(c)
}

// join adds c to the room of its app, subscribing to the relay for the first
// client
func (h *Hub) join(ctx context.Context, c *hubClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[c.appID]
	if !ok {
		appID := c.appID
		unsubscribe, err := h.relay.Subscribe(context.WithoutCancel(ctx), appID, func(msg []byte) {
			h.deliver(appID, msg)
		})
		if err != nil {
			return err
		}
		rm = &room{clients: make(map[*hubClient]struct{}), unsubscribe: unsubscribe}
		h.rooms[appID] = rm
	}
	rm.clients[c] = struct{}{}
	metrics.HubClients.Inc()
	return nil
}

// leave removes c and drops the relay subscription with the last client
func (h *Hub) leave(c *hubClient) {
	h.mu.Lock()
	rm, ok := h.rooms[c.appID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := rm.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(rm.clients, c)
	close(c.send)
	metrics.HubClients.Dec()
	last := len(rm.clients) == 0
	if last {
		delete(h.rooms, c.appID)
	}
	h.mu.Unlock()

	if last {
		rm.unsubscribe()
	}
	glog.V(1).Infof("Collab client left %s", c.appID)
}

func (h *Hub) deliver(appID string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[appID]
	if !ok {
		return
	}
	for c := range rm.clients {
		select {
		case c.send <- msg:
		default:
			glog.Warningf("Collab client of %s is behind, dropping event", appID)
		}
	}
}

// Close disconnects every client and closes the relay
func (h *Hub) Close() error {
	h.mu.Lock()
	var conns []*websocket.Conn
	for _, rm := range h.rooms {
		for c := range rm.clients {
			conns = append(conns, c.conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return h.relay.Close()
}

func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxBodyBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("Collab client of %s disconnected: %v", c.appID, err)
			}
			return
		}
		var ev wire.CollabEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Origin == "" {
			glog.Warningf("Dropping malformed collab event for %s", c.appID)
			continue
		}
		if err := h.relay.Publish(context.Background(), c.appID, data); err != nil {
			glog.Errorf("Error relaying collab event for %s: %v", c.appID, err)
			continue
		}
		metrics.RelayMessages.Inc()
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				glog.Errorf("Error writing message to client: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
