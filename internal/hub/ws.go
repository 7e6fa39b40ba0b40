package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"aicsl/realtime/internal/bridge"
	"aicsl/realtime/internal/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1 << 20
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts one websocket to the hub's Sender contract. Frames are
// queued on a buffered channel; a full queue drops the frame instead of
// blocking the hub. Broadcasters can hold a session reference past its
// teardown, so Send and close share a mutex: a late Send against a closed
// connection is dropped, never a panic.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(event string, data any) {
	frame, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		c.log.Error("frame marshal failed", "event", event, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn("send queue full, dropping frame", "event", event)
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// bearerToken pulls the credential from the query string or the
// Authorization header, whichever the client used.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// ServeEventChannel handles the JSON event channel at /ws. Authentication
// happens before any session state exists; a bad token never upgrades.
func (h *Hub) ServeEventChannel(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if _, err := h.Authenticate(r.Context(), token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{ws: ws, send: make(chan []byte, sendBuffer), log: h.log}
	sess, err := h.Connect(r.Context(), token, conn)
	if err != nil {
		ws.Close()
		return
	}
	go conn.writePump()
	go h.readPump(sess, conn)
}

func (h *Hub) readPump(sess *Session, conn *wsConn) {
	ctx := context.Background()
	defer func() {
		h.Disconnect(ctx, sess)
		conn.close()
		conn.ws.Close()
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", "session_id", sess.ID, "error", err)
			}
			return
		}
		var frame inbound
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.log.Warn("malformed frame dropped", "session_id", sess.ID, "error", err)
			continue
		}
		h.handleFrame(ctx, sess, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, sess *Session, frame inbound) {
	switch frame.Event {
	case "join_room":
		var req joinRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.roomID() == "" {
			h.log.Warn("bad join request", "session_id", sess.ID)
			return
		}
		// A denied join is silent apart from the log; the connection stays up.
		_ = h.JoinRoom(ctx, sess, req.roomID(), req.Module)
	case "leave_room":
		var req joinRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.roomID() == "" {
			return
		}
		h.LeaveRoom(ctx, sess, room.Normalize(req.roomID(), req.Module))
	case "operation":
		var op Envelope
		if err := json.Unmarshal(frame.Data, &op); err != nil {
			h.log.Warn("malformed operation dropped", "session_id", sess.ID, "error", err)
			return
		}
		h.Dispatch(ctx, sess, op)
	case "batch-operations":
		var req batchRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			h.log.Warn("malformed batch dropped", "session_id", sess.ID, "error", err)
			return
		}
		n := h.Batch(ctx, sess, req.Operations)
		sess.Send("batch_result", batchResult{Status: "success", Processed: n})
	case "ping":
		sess.Send("pong", map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)})
	default:
		h.log.Warn("unknown event dropped", "event", frame.Event, "session_id", sess.ID)
	}
}

// durablePeer is one binary-channel connection for a durable document room.
type durablePeer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *durablePeer) SendBinary(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// ServeDurableChannel handles the binary document channel at
// /collab/{room}. Access is checked before the upgrade so a rejected
// client never reaches the document.
func (h *Hub) ServeDurableChannel(b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "room")
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		user, err := h.Authenticate(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !h.guard.Allow(r.Context(), user, roomID) {
			http.Error(w, "access denied", http.StatusForbidden)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error("websocket upgrade failed", "room_id", roomID, "error", err)
			return
		}
		peer := &durablePeer{ws: ws}

		ctx := context.Background()
		state, err := b.Attach(ctx, roomID, peer)
		if err != nil {
			h.log.Warn("durable attach rejected", "room_id", roomID, "error", err)
			ws.Close()
			return
		}
		defer func() {
			b.Detach(ctx, roomID, peer)
			ws.Close()
		}()

		if len(state) > 0 {
			if err := peer.SendBinary(state); err != nil {
				return
			}
		}

		ws.SetReadLimit(maxFrameSize)
		for {
			kind, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			if err := b.Apply(roomID, frame, peer); err != nil {
				h.log.Warn("durable frame rejected", "room_id", roomID, "user_id", user.ID, "error", err)
			}
		}
	}
}
