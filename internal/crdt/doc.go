// Package crdt carries the replicated-document engine behind the durable
// channels. The merge contract is the only thing the rest of the service
// depends on: applying the same updates in any order, any number of times,
// must converge every replica to an identical encoded state.
//
// Updates are opaque byte chunks. A frame - the unit sent over the wire and
// stored in snapshots - is a sequence of uvarint-length-prefixed chunks.
// A document is the set of chunks it has seen, keyed by content hash, so
// merge is set union: commutative, associative, and idempotent. EncodeState
// emits the chunks sorted by hash, which makes the encoding deterministic
// regardless of arrival order.
package crdt

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
)

var ErrMalformedFrame = errors.New("malformed update frame")

// Doc is one in-memory replicated document. Safe for concurrent use.
type Doc struct {
	mu      sync.Mutex
	chunks  map[string][]byte
	nextSub int
	subs    map[int]func(update []byte)
}

func NewDoc() *Doc {
	return &Doc{
		chunks: make(map[string][]byte),
		subs:   make(map[int]func([]byte)),
	}
}

// ApplyUpdate merges a frame into the document. Chunks already present are
// ignored. Subscribers are notified once per frame that contained at least
// one new chunk, after the merge is complete.
func (d *Doc) ApplyUpdate(frame []byte) error {
	chunks, err := DecodeFrame(frame)
	if err != nil {
		return err
	}

	d.mu.Lock()
	added := false
	for _, chunk := range chunks {
		key := hashChunk(chunk)
		if _, ok := d.chunks[key]; ok {
			continue
		}
		d.chunks[key] = chunk
		added = true
	}
	var subs []func([]byte)
	if added {
		subs = make([]func([]byte), 0, len(d.subs))
		for _, fn := range d.subs {
			subs = append(subs, fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(frame)
	}
	return nil
}

// EncodeState returns the full document as a single frame. The result is
// identical across replicas that have seen the same updates.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	keys := make([]string, 0, len(d.chunks))
	for key := range d.chunks {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	chunks := make([][]byte, 0, len(keys))
	for _, key := range keys {
		chunks = append(chunks, d.chunks[key])
	}
	d.mu.Unlock()

	return EncodeFrame(chunks)
}

// Len reports the number of distinct updates merged so far.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chunks)
}

// OnUpdate registers a mutation hook invoked after each merging frame.
// The returned function cancels the subscription.
func (d *Doc) OnUpdate(fn func(update []byte)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// EncodeFrame packs chunks into the wire format.
func EncodeFrame(chunks [][]byte) []byte {
	size := 0
	for _, chunk := range chunks {
		size += binary.MaxVarintLen64 + len(chunk)
	}
	frame := make([]byte, 0, size)
	var buf [binary.MaxVarintLen64]byte
	for _, chunk := range chunks {
		n := binary.PutUvarint(buf[:], uint64(len(chunk)))
		frame = append(frame, buf[:n]...)
		frame = append(frame, chunk...)
	}
	return frame
}

// EncodeUpdate wraps a single opaque update as a one-chunk frame.
func EncodeUpdate(update []byte) []byte {
	return EncodeFrame([][]byte{update})
}

// DecodeFrame splits a frame back into its chunks. An empty frame is valid
// and yields no chunks.
func DecodeFrame(frame []byte) ([][]byte, error) {
	var chunks [][]byte
	for len(frame) > 0 {
		length, n := binary.Uvarint(frame)
		if n <= 0 {
			return nil, ErrMalformedFrame
		}
		frame = frame[n:]
		if uint64(len(frame)) < length {
			return nil, ErrMalformedFrame
		}
		chunks = append(chunks, frame[:length:length])
		frame = frame[length:]
	}
	return chunks, nil
}

func hashChunk(chunk []byte) string {
	sum := sha256.Sum256(chunk)
	return hex.EncodeToString(sum[:])
}
