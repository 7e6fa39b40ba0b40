package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"aicsl/realtime/internal/auth"
	"aicsl/realtime/internal/crdt"
	"aicsl/realtime/internal/room"
	"aicsl/realtime/internal/store"
)

var (
	ErrUnauthorized = errors.New("hub: unauthorized")
	ErrAccessDenied = errors.New("hub: access denied")
)

// Sender delivers one server frame to a connected client. Implementations
// must not block; slow consumers drop frames rather than stall the hub.
type Sender interface {
	Send(event string, data any)
}

// Session is one authenticated event-channel connection.
type Session struct {
	ID   string
	User store.User
	conn Sender

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (s *Session) Send(event string, data any) { s.conn.Send(event, data) }

// NewSession binds an authenticated user to a connection. Connect calls
// this after token validation; tests construct sessions directly.
func NewSession(user store.User, conn Sender) *Session {
	return &Session{
		ID:    uuid.NewString(),
		User:  user,
		conn:  conn,
		rooms: make(map[string]struct{}),
	}
}

// ModuleHandler consumes operations dispatched for a registered module.
type ModuleHandler interface {
	HandleOperation(ctx context.Context, sess *Session, op Envelope) error
}

// Joiner is implemented by module handlers that want a callback when a
// session enters one of their rooms, e.g. to push recent history.
type Joiner interface {
	HandleJoin(ctx context.Context, sess *Session, roomID string)
}

// UserDirectory resolves the authenticated subject to a profile.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// RevocationChecker reports whether a token id has been revoked.
type RevocationChecker interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// AccessGuard decides whether a user may enter a room.
type AccessGuard interface {
	Allow(ctx context.Context, user store.User, roomID string) bool
}

// BridgeControl is the slice of the durable-document bridge the hub drives.
type BridgeControl interface {
	CurrentState(ctx context.Context, roomID string) ([]byte, error)
	Merge(ctx context.Context, roomID string, frame []byte) error
	Unload(ctx context.Context, roomID string)
}

// Hub tracks sessions, room membership, and fan-out for the event channel.
type Hub struct {
	secret      []byte
	users       UserDirectory
	revocations RevocationChecker
	guard       AccessGuard
	bridge      BridgeControl
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[*Session]struct{}
	handlers map[string]ModuleHandler
}

func New(secret []byte, users UserDirectory, revocations RevocationChecker, guard AccessGuard, bridge BridgeControl, log *slog.Logger) *Hub {
	return &Hub{
		secret:      secret,
		users:       users,
		revocations: revocations,
		guard:       guard,
		bridge:      bridge,
		log:         log,
		sessions:    make(map[string]*Session),
		rooms:       make(map[string]map[*Session]struct{}),
		handlers:    make(map[string]ModuleHandler),
	}
}

// RegisterModule routes operations for the named module to h. Collaborative
// modules need no handler; unhandled modules fall back to rebroadcast for
// the collaborative set and are dropped otherwise.
func (h *Hub) RegisterModule(name string, handler ModuleHandler) {
	h.mu.Lock()
	h.handlers[name] = handler
	h.mu.Unlock()
}

// Authenticate validates a token and resolves the subject's profile. Both
// transports share this path.
func (h *Hub) Authenticate(ctx context.Context, token string) (store.User, error) {
	claims, err := auth.ParseToken(h.secret, token)
	if err != nil {
		return store.User{}, ErrUnauthorized
	}
	if h.revocations != nil && claims.JTI != "" {
		revoked, err := h.revocations.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			h.log.Warn("revocation check failed", "error", err)
			return store.User{}, ErrUnauthorized
		}
		if revoked {
			return store.User{}, ErrUnauthorized
		}
	}
	user, err := h.users.GetUserByID(ctx, claims.Sub)
	if err != nil {
		h.log.Warn("user lookup failed on connect", "user_id", claims.Sub, "error", err)
		return store.User{}, ErrUnauthorized
	}
	return user, nil
}

// Connect authenticates the token and registers a new session bound to conn.
func (h *Hub) Connect(ctx context.Context, token string, conn Sender) (*Session, error) {
	user, err := h.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	sess := NewSession(user, conn)
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
	h.log.Info("session connected", "session_id", sess.ID, "user_id", user.ID)
	return sess, nil
}

// Disconnect removes the session from every room it joined and drops it
// from the registry. Safe to call more than once.
func (h *Hub) Disconnect(ctx context.Context, sess *Session) {
	if sess == nil {
		return
	}
	sess.mu.Lock()
	joined := make([]string, 0, len(sess.rooms))
	for id := range sess.rooms {
		joined = append(joined, id)
	}
	sess.mu.Unlock()
	for _, roomID := range joined {
		h.LeaveRoom(ctx, sess, roomID)
	}
	h.mu.Lock()
	delete(h.sessions, sess.ID)
	h.mu.Unlock()
	h.log.Info("session disconnected", "session_id", sess.ID, "user_id", sess.User.ID)
}

// JoinRoom admits the session to a room after an access check. A denied
// join returns ErrAccessDenied and leaves the connection untouched.
func (h *Hub) JoinRoom(ctx context.Context, sess *Session, roomID, module string) error {
	roomID = room.Normalize(roomID, module)
	if !h.guard.Allow(ctx, sess.User, roomID) {
		h.log.Warn("room join denied", "user_id", sess.User.ID, "room_id", roomID)
		return ErrAccessDenied
	}

	sess.mu.Lock()
	_, already := sess.rooms[roomID]
	sess.rooms[roomID] = struct{}{}
	sess.mu.Unlock()

	h.mu.Lock()
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[*Session]struct{})
		h.rooms[roomID] = members
	}
	members[sess] = struct{}{}
	h.mu.Unlock()

	if !already {
		h.broadcast(roomID, "user_joined", userJoinedEvent{
			UserID:   sess.User.ID,
			Username: sess.User.Username,
			Avatar:   sess.User.AvatarURL,
			RoomID:   roomID,
		}, sess.ID)
	}
	sess.Send("room_joined", roomAck{Room: roomID})

	kind, _ := room.Parse(roomID)
	if kind.Durable() && h.bridge != nil {
		state, err := h.bridge.CurrentState(ctx, roomID)
		if err != nil {
			h.log.Error("room state load failed", "room_id", roomID, "error", err)
		}
		if len(state) > 0 {
			sess.Send("room-state", roomStateEvent{
				RoomID:    roomID,
				Module:    module,
				State:     base64.StdEncoding.EncodeToString(state),
				IsInitial: true,
			})
		} else {
			sess.Send("sync_ready", syncReadyEvent{RoomID: roomID, Module: module})
		}
	}

	h.mu.RLock()
	handler := h.handlers[module]
	h.mu.RUnlock()
	if j, ok := handler.(Joiner); ok {
		j.HandleJoin(ctx, sess, roomID)
	}

	h.log.Info("room joined", "session_id", sess.ID, "user_id", sess.User.ID, "room_id", roomID)
	return nil
}

// LeaveRoom removes the session from a room, announces the departure, and
// tears down room resources once the last member is gone.
func (h *Hub) LeaveRoom(ctx context.Context, sess *Session, roomID string) {
	sess.mu.Lock()
	_, member := sess.rooms[roomID]
	delete(sess.rooms, roomID)
	sess.mu.Unlock()
	if !member {
		return
	}

	h.mu.Lock()
	empty := false
	if members, ok := h.rooms[roomID]; ok {
		delete(members, sess)
		if len(members) == 0 {
			delete(h.rooms, roomID)
			empty = true
		}
	}
	h.mu.Unlock()

	sess.Send("room_left", roomAck{Room: roomID})
	h.broadcast(roomID, "user_left", userLeftEvent{UserID: sess.User.ID, RoomID: roomID}, sess.ID)

	if empty && h.bridge != nil {
		if kind, _ := room.Parse(roomID); kind.Durable() {
			h.bridge.Unload(ctx, roomID)
		}
	}
}

// Dispatch routes one operation and reports whether it was processed.
// Registered modules get their handler; collaborative modules are
// rebroadcast to room peers verbatim; anything else is logged and dropped.
// Only a handler failure counts as unprocessed; a dropped unknown-module
// op was still consumed.
func (h *Hub) Dispatch(ctx context.Context, sess *Session, op Envelope) bool {
	op.RoomID = room.Normalize(op.RoomID, op.Module)

	h.mu.RLock()
	handler := h.handlers[op.Module]
	h.mu.RUnlock()
	if handler != nil {
		if err := handler.HandleOperation(ctx, sess, op); err != nil {
			h.log.Error("operation failed", "module", op.Module, "type", op.Type, "error", err)
			return false
		}
		return true
	}

	if room.KindForModule(op.Module) == room.KindUnknown {
		h.log.Warn("operation for unknown module dropped", "module", op.Module, "user_id", sess.User.ID)
		return true
	}
	// Ops carrying a document update also feed the replicated state, so
	// event-channel-only clients still get persistence and binary peers
	// see their edits.
	if h.bridge != nil {
		if update := decodeUpdatePayload(op.Data); update != nil {
			if err := h.bridge.Merge(ctx, op.RoomID, crdt.EncodeUpdate(update)); err != nil {
				h.log.Warn("update merge failed", "room_id", op.RoomID, "error", err)
			}
		}
	}
	h.Broadcast(op.RoomID, "operation", op, sess.ID)
	return true
}

// decodeUpdatePayload extracts the base64 document update from an
// operation's data, if one is present. Anything malformed is treated as
// no update; the op still rebroadcasts.
func decodeUpdatePayload(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	var payload struct {
		Update string `json:"update"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Update == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Update)
	if err != nil {
		return nil
	}
	return raw
}

// Batch dispatches a sequence of operations in order and reports how many
// were processed. Items are independent; one failure neither blocks nor
// rolls back the others.
func (h *Hub) Batch(ctx context.Context, sess *Session, ops []Envelope) int {
	processed := 0
	for _, op := range ops {
		if h.Dispatch(ctx, sess, op) {
			processed++
		}
	}
	return processed
}

// Broadcast fans an event out to every room member except the excluded
// session. An empty exclude id reaches everyone.
func (h *Hub) Broadcast(roomID, event string, data any, excludeSessionID string) {
	h.broadcast(roomID, event, data, excludeSessionID)
}

func (h *Hub) broadcast(roomID, event string, data any, excludeSessionID string) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[roomID]))
	for sess := range h.rooms[roomID] {
		if sess.ID != excludeSessionID {
			members = append(members, sess)
		}
	}
	h.mu.RUnlock()
	for _, sess := range members {
		sess.Send(event, data)
	}
}

// RoomSize reports the current member count of a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
