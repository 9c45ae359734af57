// Package chunklist defines the ChunkList collaborator of spec §4.3: the
// host-supplied, pinned, reference-counted store of piece-sized file
// regions that peer connections stream into and out of. The core only
// consumes this interface (spec §1 explicitly places on-disk storage out
// of scope); Memory is a reference implementation good enough to back
// tests and a host that hasn't wired real disk storage yet.
package chunklist

import (
	"fmt"
	"sync"
)

// MemoryArea is one scatter/gather region of a pinned piece, addressable
// by its offset within the piece (spec §4.3 "Handle::memory_areas").
type MemoryArea struct {
	Offset int
	Data   []byte // len(Data) is the region's length
}

// Handle is a pinned reference to one piece's backing memory. It must be
// released exactly once, no later than the connection that acquired it is
// destroyed (spec §3 invariant 4).
type Handle interface {
	PieceIndex() int
	MemoryAreas() []MemoryArea
}

// List is the external collaborator interface (spec §6).
type List interface {
	// Get pins piece index for reading, or for writing if writable,
	// incrementing its reference count.
	Get(index int, writable bool) (Handle, error)
	// Release decrements the handle's reference count; the last release
	// may flush the piece to backing storage.
	Release(Handle)
	// OnPieceCompleted registers the callback the list invokes once a
	// fully-written piece has been hash-checked (spec §6
	// "piece_completed_signal").
	OnPieceCompleted(func(index int, ok bool))
}

// Memory is a reference List backed entirely by heap buffers: no disk I/O,
// no hash checking (callers that need hash verification, an explicit
// external concern per spec §1, must wrap Memory or supply their own
// List). It exists for tests and for hosts bootstrapping before wiring
// real storage.
type Memory struct {
	mu         sync.Mutex
	pieceSize  int
	lastSize   int
	pieceCount int
	pieces     map[int][]byte
	refs       map[int]int
	// written marks pieces pinned writable since their last completion
	// report; only those are reported on their last release.
	written    map[int]bool
	onComplete func(int, bool)
}

// NewMemory returns a Memory list of pieceCount pieces, each pieceSize
// bytes except the last, which is lastSize bytes (spec §3: "fixed number
// of pieces of fixed size (except possibly the last)").
func NewMemory(pieceCount, pieceSize, lastSize int) *Memory {
	return &Memory{
		pieceSize:  pieceSize,
		lastSize:   lastSize,
		pieceCount: pieceCount,
		pieces:     make(map[int][]byte),
		refs:       make(map[int]int),
		written:    make(map[int]bool),
	}
}

func (m *Memory) sizeOf(index int) int {
	if index == m.pieceCount-1 {
		return m.lastSize
	}
	return m.pieceSize
}

type memHandle struct {
	index int
	list  *Memory
}

func (h *memHandle) PieceIndex() int { return h.index }

func (h *memHandle) MemoryAreas() []MemoryArea {
	h.list.mu.Lock()
	defer h.list.mu.Unlock()
	return []MemoryArea{{Offset: 0, Data: h.list.pieces[h.index]}}
}

// Get implements List.
func (m *Memory) Get(index int, writable bool) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= m.pieceCount {
		return nil, fmt.Errorf("chunklist: piece %d out of range [0,%d)", index, m.pieceCount)
	}
	if _, ok := m.pieces[index]; !ok {
		m.pieces[index] = make([]byte, m.sizeOf(index))
	}
	m.refs[index]++
	if writable {
		m.written[index] = true
	}
	return &memHandle{index: index, list: m}, nil
}

// Release implements List. The last release of a piece that was pinned
// writable since its previous report fires the completion callback; a
// piece only ever pinned for reading is never reported.
func (m *Memory) Release(h Handle) {
	mh, ok := h.(*memHandle)
	if !ok {
		return
	}
	m.mu.Lock()
	m.refs[mh.index]--
	refs := m.refs[mh.index]
	report := refs <= 0 && m.written[mh.index]
	if report {
		delete(m.written, mh.index)
	}
	m.mu.Unlock()
	if report && m.onComplete != nil {
		// A reference implementation has nothing to hash-check against;
		// report completion optimistically so callers exercising the
		// rest of the pipeline (delegator, orchestrator) still see the
		// piece_completed_signal spec §6 requires.
		m.onComplete(mh.index, true)
	}
}

// OnPieceCompleted implements List.
func (m *Memory) OnPieceCompleted(f func(int, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = f
}

// WriteAt writes data into piece index at the given offset, for tests
// driving the peer connection's down half without a live socket.
func (m *Memory) WriteAt(index, offset int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.pieces[index]
	if !ok {
		buf = make([]byte, m.sizeOf(index))
		m.pieces[index] = buf
	}
	copy(buf[offset:], data)
}

// ReadAt reads length bytes from piece index at offset, for the peer
// connection's up half.
func (m *Memory) ReadAt(index, offset, length int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.pieces[index]
	out := make([]byte, length)
	copy(out, buf[offset:offset+length])
	return out
}
