package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"aicsl/realtime/internal/crdt"
)

type fakePersister struct {
	mu        sync.Mutex
	latest    map[string][]byte
	flushes   map[string][][]byte
	debounced map[string][][]byte
	loadErr   error
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		latest:    make(map[string][]byte),
		flushes:   make(map[string][][]byte),
		debounced: make(map[string][][]byte),
	}
}

func key(resourceID, kind string) string { return kind + ":" + resourceID }

func (f *fakePersister) LoadLatest(_ context.Context, resourceID, kind string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.latest[key(resourceID, kind)], nil
}

func (f *fakePersister) DebouncedSave(resourceID, kind string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(resourceID, kind)
	f.debounced[k] = append(f.debounced[k], payload)
}

func (f *fakePersister) Flush(_ context.Context, resourceID, kind string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(resourceID, kind)
	f.flushes[k] = append(f.flushes[k], payload)
	f.latest[k] = payload
	return nil
}

type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *fakePeer) SendBinary(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func containsChunk(t *testing.T, frame []byte, want string) bool {
	t.Helper()
	chunks, err := crdt.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	for _, chunk := range chunks {
		if string(chunk) == want {
			return true
		}
	}
	return false
}

func TestAttachBootstrapsFromSnapshot(t *testing.T) {
	fp := newFakePersister()
	seed := crdt.EncodeUpdate([]byte("persisted-stroke"))
	fp.latest[key("proj-1", "whiteboard")] = seed

	b := New(fp, testLogger())
	state, err := b.Attach(context.Background(), "wb:proj-1", &fakePeer{})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if !bytes.Equal(state, seed) {
		t.Fatal("initial state must include the persisted snapshot")
	}
}

func TestAttachOnLoadFailureStartsEmpty(t *testing.T) {
	fp := newFakePersister()
	fp.loadErr = errors.New("db down")

	b := New(fp, testLogger())
	state, err := b.Attach(context.Background(), "wb:proj-1", &fakePeer{})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if len(state) != 0 {
		t.Fatal("load failure must degrade to an empty base state")
	}
}

func TestAttachRejectsNonDurableRoom(t *testing.T) {
	b := New(newFakePersister(), testLogger())
	if _, err := b.Attach(context.Background(), "project:proj-1", &fakePeer{}); err == nil {
		t.Fatal("presence rooms carry no replicated state")
	}
}

func TestApplyMergesAndRelaysToOtherPeers(t *testing.T) {
	b := New(newFakePersister(), testLogger())
	ctx := context.Background()

	alice := &fakePeer{}
	bob := &fakePeer{}
	if _, err := b.Attach(ctx, "doc:doc-1", alice); err != nil {
		t.Fatalf("Attach(alice) error = %v", err)
	}
	if _, err := b.Attach(ctx, "doc:doc-1", bob); err != nil {
		t.Fatalf("Attach(bob) error = %v", err)
	}

	frame := crdt.EncodeUpdate([]byte("edit"))
	if err := b.Apply("doc:doc-1", frame, alice); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(alice.received()) != 0 {
		t.Fatal("sender must not receive its own frame")
	}
	got := bob.received()
	if len(got) != 1 || !bytes.Equal(got[0], frame) {
		t.Fatal("other peers must receive the raw frame")
	}
}

func TestLateJoinerSeesEarlierUpdate(t *testing.T) {
	b := New(newFakePersister(), testLogger())
	ctx := context.Background()

	alice := &fakePeer{}
	if _, err := b.Attach(ctx, "doc:doc-1", alice); err != nil {
		t.Fatalf("Attach(alice) error = %v", err)
	}
	u1 := crdt.EncodeUpdate([]byte("first-edit"))
	if err := b.Apply("doc:doc-1", u1, alice); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	bob := &fakePeer{}
	state, err := b.Attach(ctx, "doc:doc-1", bob)
	if err != nil {
		t.Fatalf("Attach(bob) error = %v", err)
	}

	// The bootstrap state must reproduce a document containing U1.
	check := crdt.NewDoc()
	if err := check.ApplyUpdate(state); err != nil {
		t.Fatalf("bootstrap state malformed: %v", err)
	}
	if check.Len() != 1 {
		t.Fatal("late joiner's bootstrap state must include the earlier update")
	}
}

func TestMutationSchedulesDebouncedPersist(t *testing.T) {
	fp := newFakePersister()
	b := New(fp, testLogger())
	alice := &fakePeer{}
	if _, err := b.Attach(context.Background(), "inquiry:proj-1", alice); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if err := b.Apply("inquiry:proj-1", crdt.EncodeUpdate([]byte("node")), alice); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	fp.mu.Lock()
	scheduled := len(fp.debounced[key("proj-1", "inquiry")])
	fp.mu.Unlock()
	if scheduled != 1 {
		t.Fatalf("scheduled %d debounced saves, want 1", scheduled)
	}
}

func TestLastDetachFlushesAndDestroysHandle(t *testing.T) {
	fp := newFakePersister()
	b := New(fp, testLogger())
	ctx := context.Background()

	alice := &fakePeer{}
	if _, err := b.Attach(ctx, "wb:proj-1", alice); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	frame := crdt.EncodeUpdate([]byte("last-minute-edit"))
	if err := b.Apply("wb:proj-1", frame, alice); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	b.Detach(ctx, "wb:proj-1", alice)

	fp.mu.Lock()
	flushes := fp.flushes[key("proj-1", "whiteboard")]
	fp.mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("recorded %d flushes, want exactly 1 synchronous flush", len(flushes))
	}

	check := crdt.NewDoc()
	if err := check.ApplyUpdate(flushes[0]); err != nil {
		t.Fatalf("flushed state malformed: %v", err)
	}
	if check.Len() != 1 {
		t.Fatal("flush must carry the latest in-memory state")
	}

	if len(b.LiveRooms()) != 0 {
		t.Fatal("handle must be destroyed after drain")
	}
}

func TestDetachKeepsHandleWhilePeersRemain(t *testing.T) {
	fp := newFakePersister()
	b := New(fp, testLogger())
	ctx := context.Background()

	alice := &fakePeer{}
	bob := &fakePeer{}
	_, _ = b.Attach(ctx, "wb:proj-1", alice)
	_, _ = b.Attach(ctx, "wb:proj-1", bob)

	b.Detach(ctx, "wb:proj-1", alice)

	if len(b.LiveRooms()) != 1 {
		t.Fatal("handle must survive while a peer remains")
	}
	fp.mu.Lock()
	flushes := len(fp.flushes[key("proj-1", "whiteboard")])
	fp.mu.Unlock()
	if flushes != 0 {
		t.Fatal("no flush until the room empties")
	}
}

func TestMergeFeedsPeerlessRoomAndRelays(t *testing.T) {
	persister := newFakePersister()
	b := New(persister, testLogger())
	ctx := context.Background()

	// Event-channel edit lands in a room with no binary peer attached.
	if err := b.Merge(ctx, "wb:w1", crdt.EncodeUpdate([]byte("stroke-1"))); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := b.Merge(ctx, "chat:w1", crdt.EncodeUpdate([]byte("x"))); err != ErrUnknownRoom {
		t.Fatalf("non-durable merge: err = %v, want ErrUnknownRoom", err)
	}

	// A binary peer attaching afterwards bootstraps that edit.
	peer := &fakePeer{}
	state, err := b.Attach(ctx, "wb:w1", peer)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !containsChunk(t, state, "stroke-1") {
		t.Fatal("attach state misses the merged event-channel update")
	}

	// Further merges relay to the attached binary peer.
	if err := b.Merge(ctx, "wb:w1", crdt.EncodeUpdate([]byte("stroke-2"))); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if frames := peer.received(); len(frames) != 1 || !containsChunk(t, frames[0], "stroke-2") {
		t.Fatalf("peer should relay the merged frame, got %d frames", len(frames))
	}

	// Room-empty teardown flushes the peerless handle's state.
	b.Detach(ctx, "wb:w1", peer)
	if len(persister.flushes[key("w1", "whiteboard")]) != 1 {
		t.Fatal("teardown must flush the merged state")
	}
}

func TestDrainYieldsToFreshlyAttachedPeer(t *testing.T) {
	fp := newFakePersister()
	b := New(fp, testLogger())
	ctx := context.Background()

	alice := &fakePeer{}
	if _, err := b.Attach(ctx, "doc:d1", alice); err != nil {
		t.Fatalf("Attach(alice) error = %v", err)
	}
	b.mu.Lock()
	h := b.rooms["doc:d1"]
	b.mu.Unlock()

	// The peer set empties (first half of Detach), and before the
	// teardown proceeds a new peer attaches to the same handle.
	h.mu.Lock()
	delete(h.peers, alice)
	h.mu.Unlock()
	bob := &fakePeer{}
	if _, err := b.Attach(ctx, "doc:d1", bob); err != nil {
		t.Fatalf("Attach(bob) error = %v", err)
	}

	b.drain(ctx, "doc:d1", h, false)

	b.mu.Lock()
	kept := b.rooms["doc:d1"] == h
	b.mu.Unlock()
	if !kept {
		t.Fatal("teardown must yield to a peer that attached in the window")
	}
	if err := b.Apply("doc:d1", crdt.EncodeUpdate([]byte("edit")), bob); err != nil {
		t.Fatalf("Apply after aborted teardown: %v", err)
	}
	if len(fp.flushes[key("d1", "document")]) != 0 {
		t.Fatal("aborted teardown must not flush")
	}

	// Normal teardown still works once the room genuinely empties.
	b.Detach(ctx, "doc:d1", bob)
	if len(fp.flushes[key("d1", "document")]) != 1 {
		t.Fatal("final detach must flush")
	}
}

func TestShutdownFlushesRoomsWithPeers(t *testing.T) {
	fp := newFakePersister()
	b := New(fp, testLogger())
	ctx := context.Background()

	peer := &fakePeer{}
	if _, err := b.Attach(ctx, "doc:d1", peer); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := b.Apply("doc:d1", crdt.EncodeUpdate([]byte("edit")), peer); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	b.Shutdown(ctx)
	if len(fp.flushes[key("d1", "document")]) != 1 {
		t.Fatal("shutdown must flush live rooms even with peers attached")
	}
	if rooms := b.LiveRooms(); len(rooms) != 0 {
		t.Fatalf("shutdown must clear the registry, still live: %v", rooms)
	}
}

func TestCurrentStateFallsBackToSnapshot(t *testing.T) {
	fp := newFakePersister()
	seed := crdt.EncodeUpdate([]byte("old-state"))
	fp.latest[key("proj-9", "whiteboard")] = seed

	b := New(fp, testLogger())
	state, err := b.CurrentState(context.Background(), "wb:proj-9")
	if err != nil {
		t.Fatalf("CurrentState() error = %v", err)
	}
	if !bytes.Equal(state, seed) {
		t.Fatal("idle room state must come from the latest snapshot")
	}
}
