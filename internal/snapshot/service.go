// Package snapshot persists versioned encodings of durable room state.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"aicsl/realtime/internal/store"
	"aicsl/realtime/internal/util"
)

// Store is the persistence slice the service needs; store.PostgresStore
// implements it.
type Store interface {
	InsertSnapshot(ctx context.Context, snap store.Snapshot) error
	MaxSnapshotVersion(ctx context.Context, resourceID, kind string) (int64, error)
	LatestSnapshot(ctx context.Context, resourceID, kind string) (store.Snapshot, error)
}

// Service writes append-only snapshot records and coalesces rapid updates
// through a per-key debounce window.
//
// Version assignment reads the current maximum and inserts max+1 without a
// transaction. A single service instance serializes writers per key, so
// this is safe here; running multiple instances against one database is not
// supported (the unique version index turns a collision into an explicit
// insert error rather than a silent skip).
type Service struct {
	store Store
	log   *slog.Logger
	wait  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingWrite
	gen     uint64
}

// pendingWrite is one scheduled debounced save. The generation lets a
// timer callback that fired late recognize it has been superseded.
type pendingWrite struct {
	timer *time.Timer
	gen   uint64
}

func New(st Store, log *slog.Logger, wait time.Duration) *Service {
	return &Service{
		store:   st,
		log:     log,
		wait:    wait,
		pending: make(map[string]*pendingWrite),
	}
}

// Save appends one immutable snapshot record. The payload is gzip
// compressed when that actually shrinks it.
func (s *Service) Save(ctx context.Context, resourceID, kind string, payload []byte) error {
	stored, compressed := maybeCompress(payload)
	version, err := s.store.MaxSnapshotVersion(ctx, resourceID, kind)
	if err != nil {
		return fmt.Errorf("resolve snapshot version: %w", err)
	}

	snap := store.Snapshot{
		ID:         util.NewID("snap"),
		ResourceID: resourceID,
		Kind:       kind,
		Version:    version + 1,
		Payload:    stored,
		Compressed: compressed,
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.log.Debug("snapshot saved", "resource", resourceID, "kind", kind, "version", snap.Version, "bytes", len(stored), "compressed", compressed)
	return nil
}

// LoadLatest returns the highest-versioned payload, decompressed as needed.
// A key that has never been saved yields (nil, nil); absence is not an
// error.
func (s *Service) LoadLatest(ctx context.Context, resourceID, kind string) ([]byte, error) {
	snap, err := s.store.LatestSnapshot(ctx, resourceID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !snap.Compressed {
		return snap.Payload, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(snap.Payload))
	if err != nil {
		return nil, fmt.Errorf("open snapshot payload: %w", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot payload: %w", err)
	}
	return payload, nil
}

// DebouncedSave schedules a write after the debounce window, replacing any
// write already scheduled for the same key. N rapid calls collapse into one
// record carrying the last payload seen. Write failures are logged and
// dropped; the next mutation reschedules.
func (s *Service) DebouncedSave(resourceID, kind string, payload []byte) {
	key := kind + ":" + resourceID

	s.mu.Lock()
	if prev, ok := s.pending[key]; ok {
		// Stop may miss a timer that already fired; the generation
		// check in fire keeps that stale callback from writing.
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	entry := &pendingWrite{gen: gen}
	entry.timer = time.AfterFunc(s.wait, func() {
		s.fire(key, resourceID, kind, payload, gen)
	})
	s.pending[key] = entry
	s.mu.Unlock()
}

func (s *Service) fire(key, resourceID, kind string, payload []byte, gen uint64) {
	s.mu.Lock()
	cur, ok := s.pending[key]
	if !ok || cur.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Save(ctx, resourceID, kind, payload); err != nil {
		s.log.Error("debounced snapshot save failed", "resource", resourceID, "kind", kind, "error", err)
	}
}

// Flush cancels any pending debounce for the key and writes synchronously.
// Used on room teardown so the final state never waits out the window.
func (s *Service) Flush(ctx context.Context, resourceID, kind string, payload []byte) error {
	key := kind + ":" + resourceID

	s.mu.Lock()
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()

	return s.Save(ctx, resourceID, kind, payload)
}

func maybeCompress(payload []byte) ([]byte, bool) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(payload); err != nil {
		return payload, false
	}
	if err := writer.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}
