package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

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

var (
	// ErrClosed is returned when publishing on a closed transport
	ErrClosed = errors.New("transport closed")
	// ErrSendBufferFull is returned when an event is dropped because the
	// hub does not keep up
	ErrSendBufferFull = errors.New("send buffer full")
)

// WebsocketTransport carries the events of a Bridge over a websocket
// connection to the collab hub
type WebsocketTransport struct {
	conn   *websocket.Conn
	bridge *Bridge
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// DialWebsocket connects to url and starts delivering inbound events to
// bridge. Outbound events of bridge are published on the connection.
func DialWebsocket(ctx context.Context, url string, header http.Header, bridge *Bridge) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	t := &WebsocketTransport{
		conn:   conn,
		bridge: bridge,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	bridge.OnLocalChange(func(ev wire.CollabEvent) {
		if err := t.Publish(ev); err != nil && !errors.Is(err, ErrSendBufferFull) {
			glog.Errorf("Failed to publish collab event: %v", err)
		}
	})
	go t.readPump()
	go t.writePump()
	glog.Infof("Connected to collab hub %s as %s", url, bridge.Origin())
	return t, nil
}

// Publish queues ev for sending. It never blocks: when the send buffer is
// full the event is dropped.
func (t *WebsocketTransport) Publish(ev wire.CollabEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode collab event: %w", err)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		glog.Warningf("Dropping collab event of %s, %d events waiting to be sent", ev.Origin, len(t.send))
		return ErrSendBufferFull
	}
}

// Done is closed when the connection ends
func (t *WebsocketTransport) Done() <-chan struct{} {
	return t.done
}

// Close ends the connection
func (t *WebsocketTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *WebsocketTransport) shutdown() {
	t.once.Do(func() {
		close(t.done)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		t.conn.Close()
	})
}

func (t *WebsocketTransport) readPump() {
	defer t.shutdown()
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Errorf("Collab connection lost: %v", err)
			}
			return
		}
		var ev wire.CollabEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			glog.Warningf("Dropping malformed collab event: %v", err)
			continue
		}
		t.bridge.Receive(ev)
	}
}

func (t *WebsocketTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case data := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.Errorf("Error writing collab event: %v", err)
				t.shutdown()
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.shutdown()
				return
			}
		}
	}
}
