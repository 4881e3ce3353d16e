// Package transport implements component G: the HTTP API and the
// WebSocket fan-out, grounded on the teacher's
// pkg/transport/websocket.go WebSocketServer/WebSocketConn (upgrader,
// readPump/writePump goroutine pair, ticker-driven ping, buffered send
// channel that drops the message rather than blocking a broadcast on a
// slow client).
package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coreseekdev/drawbridge/pkg/engine"
	"github.com/coreseekdev/drawbridge/pkg/logging"
	"github.com/coreseekdev/drawbridge/pkg/protocol"
	"github.com/coreseekdev/drawbridge/pkg/session"
)

var log = logging.New("transport")

const (
	writeWait      = 10 * time.Second
	pingInterval   = 54 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts one WebSocket connection to session.Subscriber.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	send chan protocol.ServerMessage
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.ServerMessage, sendBufferSize),
	}
}

func (w *wsSubscriber) ID() string { return w.id }

// Send is non-blocking: a subscriber whose buffer is full is too slow
// to keep up and drops the message rather than stalling the session
// lock every other client's broadcast runs under.
func (w *wsSubscriber) Send(msg protocol.ServerMessage) bool {
	select {
	case w.send <- msg:
		return true
	default:
		log.Printf("%s: send buffer full, dropping %s", w.id, msg.Type)
		return false
	}
}

// serveWebSocket upgrades the request and runs the connection's
// readPump/writePump until it closes, registering with and
// unregistering from sess along the way.
func serveWebSocket(eng *engine.Engine, sessionID string, w http.ResponseWriter, r *http.Request) {
	sess, err := eng.GetOrCreateSession(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	sub := newWSSubscriber(conn)
	sess.AddSubscriber(sub)
	log.Printf("%s: connected to session %s", sub.id, sessionID)

	done := make(chan struct{})
	go sub.writePump(done)
	sub.readPump(sess)

	close(done)
	remaining := sess.RemoveSubscriber(sub.id)
	if remaining == 0 {
		eng.NotifySubscriberRemoved(sessionID)
	}
	log.Printf("%s: disconnected from session %s", sub.id, sessionID)
}

// readPump reads client "update" messages until the connection closes
// or errors. It never writes to the connection itself.
func (w *wsSubscriber) readPump(sess *session.Session) {
	defer w.conn.Close()
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope protocol.ServerMessage
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Printf("%s: malformed message: %v", w.id, err)
			continue
		}
		if envelope.Type != protocol.MsgUpdate {
			log.Printf("%s: unexpected client message type %q", w.id, envelope.Type)
			continue
		}

		upd, err := protocol.ParseUpdate(envelope.Data)
		if err != nil {
			log.Printf("%s: malformed update payload: %v", w.id, err)
			continue
		}
		sess.HandleUpdate(w.id, upd)
	}
}

// writePump drains the outbound buffer to the connection and sends a
// periodic ping, matching the teacher's ticker-driven keepalive.
func (w *wsSubscriber) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-w.send:
			if !ok {
				w.conn.SetWriteDeadline(time.Now().Add(writeWait))
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteJSON(msg); err != nil {
				log.Printf("%s: write error: %v", w.id, err)
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
