package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"aicsl/realtime/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	rows  []store.Snapshot
	fail  bool
	saved chan store.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(chan store.Snapshot, 16)}
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snap store.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return io.ErrClosedPipe
	}
	f.rows = append(f.rows, snap)
	select {
	case f.saved <- snap:
	default:
	}
	return nil
}

func (f *fakeStore) MaxSnapshotVersion(_ context.Context, resourceID, kind string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, row := range f.rows {
		if row.ResourceID == resourceID && row.Kind == kind && row.Version > max {
			max = row.Version
		}
	}
	return max, nil
}

func (f *fakeStore) LatestSnapshot(_ context.Context, resourceID, kind string) (store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.Snapshot
	for i := range f.rows {
		row := &f.rows[i]
		if row.ResourceID != resourceID || row.Kind != kind {
			continue
		}
		if latest == nil || row.Version > latest.Version {
			latest = row
		}
	}
	if latest == nil {
		return store.Snapshot{}, sql.ErrNoRows
	}
	return *latest, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaveAssignsIncreasingVersions(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, testLogger(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Save(ctx, "proj-1", "whiteboard", []byte{byte(i)}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	for i, row := range fs.rows {
		if row.Version != int64(i+1) {
			t.Fatalf("row %d version = %d, want %d", i, row.Version, i+1)
		}
	}
}

func TestLoadLatestReturnsNilForUnknownKey(t *testing.T) {
	svc := New(newFakeStore(), testLogger(), time.Minute)
	payload, err := svc.LoadLatest(context.Background(), "nope", "whiteboard")
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if payload != nil {
		t.Fatal("never-saved key must yield nil payload")
	}
}

func TestLoadLatestReturnsHighestVersion(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, testLogger(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.Save(ctx, "proj-1", "inquiry", []byte{byte(i)}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	payload, err := svc.LoadLatest(ctx, "proj-1", "inquiry")
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if !bytes.Equal(payload, []byte{4}) {
		t.Fatalf("LoadLatest() = %v, want payload of final save", payload)
	}
}

func TestSaveCompressesWhenSmaller(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, testLogger(), time.Minute)
	ctx := context.Background()

	// Highly repetitive payload compresses; tiny payload does not.
	big := bytes.Repeat([]byte("abcd"), 4096)
	if err := svc.Save(ctx, "proj-1", "document", big); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !fs.rows[0].Compressed {
		t.Fatal("expected repetitive payload to be stored compressed")
	}
	if len(fs.rows[0].Payload) >= len(big) {
		t.Fatal("compressed payload should be smaller than the original")
	}

	if err := svc.Save(ctx, "proj-2", "document", []byte{1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if fs.rows[1].Compressed {
		t.Fatal("incompressible payload should be stored raw")
	}

	payload, err := svc.LoadLatest(ctx, "proj-1", "document")
	if err != nil {
		t.Fatalf("LoadLatest() error = %v", err)
	}
	if !bytes.Equal(payload, big) {
		t.Fatal("LoadLatest() must transparently decompress")
	}
}

func TestDebouncedSaveCoalescesToLatestPayload(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, testLogger(), 30*time.Millisecond)

	for i := 0; i < 10; i++ {
		svc.DebouncedSave("proj-1", "whiteboard", []byte{byte(i)})
	}

	select {
	case snap := <-fs.saved:
		if !bytes.Equal(snap.Payload, []byte{9}) {
			t.Fatalf("persisted payload = %v, want the latest", snap.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("debounced save never fired")
	}

	// Give a straggler timer a chance to misfire before counting.
	time.Sleep(60 * time.Millisecond)
	if got := fs.count(); got != 1 {
		t.Fatalf("persisted %d snapshots, want exactly 1", got)
	}
}

func TestDebouncedSaveKeysAreIndependent(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, testLogger(), 20*time.Millisecond)

	svc.DebouncedSave("proj-1", "whiteboard", []byte("a"))
	svc.DebouncedSave("proj-1", "inquiry", []byte("b"))

	deadline := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-fs.saved:
		case <-deadline:
			t.Fatal("expected one save per key")
		}
	}
	if got := fs.count(); got != 2 {
		t.Fatalf("persisted %d snapshots, want 2", got)
	}
}

func TestStaleTimerCallbackIsSuperseded(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, testLogger(), time.Hour)

	// Schedule the current write; a timer from an earlier, replaced
	// schedule then fires late (Stop missed it) with a stale generation.
	svc.DebouncedSave("proj-1", "whiteboard", []byte("latest"))
	svc.fire("whiteboard:proj-1", "proj-1", "whiteboard", []byte("stale"), 0)

	select {
	case snap := <-fs.saved:
		t.Fatalf("stale callback wrote %q", snap.Payload)
	default:
	}
	svc.mu.Lock()
	_, stillPending := svc.pending["whiteboard:proj-1"]
	svc.mu.Unlock()
	if !stillPending {
		t.Fatal("stale callback must not clobber the pending write")
	}

	// The surviving schedule still delivers exactly the latest payload.
	if err := svc.Flush(context.Background(), "proj-1", "whiteboard", []byte("latest")); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	snap := <-fs.saved
	if !bytes.Equal(snap.Payload, []byte("latest")) {
		t.Fatalf("persisted %q, want the latest payload", snap.Payload)
	}
	if got := fs.count(); got != 1 {
		t.Fatalf("persisted %d snapshots, want 1", got)
	}
}

func TestFlushCancelsPendingDebounce(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, testLogger(), 50*time.Millisecond)

	svc.DebouncedSave("proj-1", "whiteboard", []byte("pending"))
	if err := svc.Flush(context.Background(), "proj-1", "whiteboard", []byte("final")); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	// Wait out the debounce window; the cancelled timer must not fire.
	time.Sleep(100 * time.Millisecond)

	if got := fs.count(); got != 1 {
		t.Fatalf("persisted %d snapshots, want exactly the flush", got)
	}
	if !bytes.Equal(fs.rows[0].Payload, []byte("final")) {
		t.Fatal("flush must persist the final payload")
	}
}
