// Package bridge owns the in-memory replicated document behind each live
// durable room: bootstrap from the latest snapshot, merge of client
// updates, debounced persistence while live, and a synchronous flush when
// the last participant leaves.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"aicsl/realtime/internal/crdt"
	"aicsl/realtime/internal/room"
)

var ErrUnknownRoom = errors.New("room has no replicated state")

// Peer receives the binary frames of a durable room it is attached to.
type Peer interface {
	SendBinary(frame []byte) error
}

// Persister is the snapshot layer contract; snapshot.Service implements it.
type Persister interface {
	LoadLatest(ctx context.Context, resourceID, kind string) ([]byte, error)
	DebouncedSave(resourceID, kind string, payload []byte)
	Flush(ctx context.Context, resourceID, kind string, payload []byte) error
}

type handle struct {
	doc         *crdt.Doc
	resourceID  string
	kind        string
	unsubscribe func()

	mu           sync.Mutex
	peers        map[Peer]struct{}
	lastMutation time.Time
}

// Bridge keeps at most one document handle per durable room. The registry
// is mutated only through Attach, Detach, and Unload.
type Bridge struct {
	persister Persister
	log       *slog.Logger

	mu    sync.Mutex
	rooms map[string]*handle
}

func New(persister Persister, log *slog.Logger) *Bridge {
	return &Bridge{
		persister: persister,
		log:       log,
		rooms:     make(map[string]*handle),
	}
}

// Attach joins a peer to a durable room and returns the current full state
// for the initial push. The first attach creates the handle: the latest
// snapshot becomes the base state, and a load failure degrades to an empty
// base rather than refusing the room.
func (b *Bridge) Attach(ctx context.Context, roomID string, peer Peer) ([]byte, error) {
	kind, resourceID := room.Parse(roomID)
	if !kind.Durable() {
		return nil, ErrUnknownRoom
	}

	b.mu.Lock()
	h, ok := b.rooms[roomID]
	if !ok {
		h = b.newHandle(ctx, roomID, resourceID, string(kind))
		b.rooms[roomID] = h
	}
	b.mu.Unlock()

	h.mu.Lock()
	h.peers[peer] = struct{}{}
	state := h.doc.EncodeState()
	h.mu.Unlock()
	return state, nil
}

func (b *Bridge) newHandle(ctx context.Context, roomID, resourceID, kind string) *handle {
	h := &handle{
		doc:        crdt.NewDoc(),
		resourceID: resourceID,
		kind:       kind,
		peers:      make(map[Peer]struct{}),
	}

	payload, err := b.persister.LoadLatest(ctx, resourceID, kind)
	if err != nil {
		// Known limitation: the room starts empty and the next flush
		// overwrites nothing (snapshots are append-only), but joiners
		// lose sight of history until persistence recovers.
		b.log.Error("snapshot load failed, starting from empty state", "room", roomID, "error", err)
	} else if len(payload) > 0 {
		if applyErr := h.doc.ApplyUpdate(payload); applyErr != nil {
			b.log.Error("persisted snapshot is malformed, starting from empty state", "room", roomID, "error", applyErr)
		} else {
			b.log.Info("room bootstrapped from snapshot", "room", roomID, "bytes", len(payload))
		}
	}

	h.unsubscribe = h.doc.OnUpdate(func([]byte) {
		h.mu.Lock()
		h.lastMutation = time.Now()
		h.mu.Unlock()
		b.persister.DebouncedSave(resourceID, kind, h.doc.EncodeState())
	})
	return h
}

// Apply merges a client frame into the room's document and relays the raw
// frame to every other attached peer. Send failures to individual peers are
// logged and skipped; the transport's own teardown detaches dead peers.
func (b *Bridge) Apply(roomID string, frame []byte, from Peer) error {
	b.mu.Lock()
	h, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownRoom
	}
	return b.applyToHandle(h, roomID, frame, from)
}

// Merge folds an event-channel update into the room's document, creating
// the handle on first use, and relays the frame to every binary-channel
// peer. Peerless handles drain through Unload when the room empties.
func (b *Bridge) Merge(ctx context.Context, roomID string, frame []byte) error {
	kind, resourceID := room.Parse(roomID)
	if !kind.Durable() {
		return ErrUnknownRoom
	}

	b.mu.Lock()
	h, ok := b.rooms[roomID]
	if !ok {
		h = b.newHandle(ctx, roomID, resourceID, string(kind))
		b.rooms[roomID] = h
	}
	b.mu.Unlock()
	return b.applyToHandle(h, roomID, frame, nil)
}

func (b *Bridge) applyToHandle(h *handle, roomID string, frame []byte, from Peer) error {
	if err := h.doc.ApplyUpdate(frame); err != nil {
		return err
	}

	h.mu.Lock()
	peers := make([]Peer, 0, len(h.peers))
	for peer := range h.peers {
		if peer != from {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range peers {
		if err := peer.SendBinary(frame); err != nil {
			b.log.Warn("relay to peer failed", "room", roomID, "error", err)
		}
	}
	return nil
}

// Detach removes a peer; the last peer out drains the room.
func (b *Bridge) Detach(ctx context.Context, roomID string, peer Peer) {
	b.mu.Lock()
	h, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	delete(h.peers, peer)
	empty := len(h.peers) == 0
	h.mu.Unlock()

	if empty {
		b.drain(ctx, roomID, h, false)
	}
}

// Unload tears down an idle handle, if one exists. The hub calls this when
// a durable room's membership empties on the event channel.
func (b *Bridge) Unload(ctx context.Context, roomID string) {
	b.mu.Lock()
	h, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return
	}
	h.mu.Lock()
	empty := len(h.peers) == 0
	h.mu.Unlock()
	if empty {
		b.drain(ctx, roomID, h, false)
	}
}

// drain persists the full current state synchronously, bypassing the
// debounce window, then destroys the handle. A peer attaching between the
// caller's emptiness check and here keeps the handle alive, so the check
// is repeated under the registry lock; force (shutdown only) skips it.
// Flush failures are logged; the in-memory state is still dropped,
// matching the availability-first policy.
func (b *Bridge) drain(ctx context.Context, roomID string, h *handle, force bool) {
	b.mu.Lock()
	if b.rooms[roomID] != h {
		b.mu.Unlock()
		return
	}
	if !force {
		h.mu.Lock()
		attached := len(h.peers)
		h.mu.Unlock()
		if attached > 0 {
			b.mu.Unlock()
			return
		}
	}
	delete(b.rooms, roomID)
	b.mu.Unlock()

	h.unsubscribe()
	if h.doc.Len() == 0 {
		return
	}
	if err := b.persister.Flush(ctx, h.resourceID, h.kind, h.doc.EncodeState()); err != nil {
		b.log.Error("final flush failed on room teardown", "room", roomID, "error", err)
	} else {
		b.log.Info("room drained", "room", roomID)
	}
}

// CurrentState serves the event-channel bootstrap: the live in-memory
// state when the room is active, otherwise the latest persisted snapshot.
// A nil payload with nil error means the room has no prior state.
func (b *Bridge) CurrentState(ctx context.Context, roomID string) ([]byte, error) {
	kind, resourceID := room.Parse(roomID)
	if !kind.Durable() {
		return nil, ErrUnknownRoom
	}

	b.mu.Lock()
	h, ok := b.rooms[roomID]
	b.mu.Unlock()
	if ok {
		state := h.doc.EncodeState()
		if len(state) == 0 {
			return nil, nil
		}
		return state, nil
	}
	return b.persister.LoadLatest(ctx, resourceID, string(kind))
}

// Shutdown drains every live room regardless of attached peers. Called on
// process exit so pending state reaches storage before connections die.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	live := make(map[string]*handle, len(b.rooms))
	for id, h := range b.rooms {
		live[id] = h
	}
	b.mu.Unlock()
	for id, h := range live {
		b.drain(ctx, id, h, true)
	}
}

// LiveRooms reports the ids of rooms currently holding in-memory state.
func (b *Bridge) LiveRooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		ids = append(ids, id)
	}
	return ids
}
