// Package bitfield implements the fixed-size piece bit-vector of spec §3,
// built on top of github.com/anacrolix/missinggo/v2/bitmap for the sparse
// set operations (union, iteration) the delegator and peer records need.
package bitfield

import (
	"fmt"

	"github.com/anacrolix/missinggo/v2/bitmap"
)

// Bitfield is a bit vector of fixed length = piece count. The invariant
// size_bytes = ceil(len/8) with zeroed trailing bits (spec §3) is enforced
// by construction and by Bytes/FromBytes.
type Bitfield struct {
	len int
	set bitmap.Bitmap
}

// New returns an all-clear bitfield of the given piece count.
func New(pieceCount int) *Bitfield {
	if pieceCount < 0 {
		panic("bitfield: negative piece count")
	}
	return &Bitfield{len: pieceCount}
}

// Len is the piece count this bitfield was constructed with.
func (b *Bitfield) Len() int { return b.len }

// Get reports whether piece i is present.
func (b *Bitfield) Get(i int) bool {
	b.checkIndex(i)
	return b.set.Contains(uint32(i))
}

// Set marks piece i as present or absent.
func (b *Bitfield) Set(i int, have bool) {
	b.checkIndex(i)
	if have {
		b.set.Add(uint32(i))
	} else {
		b.set.Remove(uint32(i))
	}
}

// Count returns the number of present pieces.
func (b *Bitfield) Count() int {
	return int(b.set.Len())
}

// IsSeed reports whether every piece is present.
func (b *Bitfield) IsSeed() bool {
	return b.len > 0 && b.set.Len() == uint64(b.len)
}

// Iter calls f for every present piece index in ascending order, stopping
// early if f returns false.
func (b *Bitfield) Iter(f func(i int) bool) {
	b.set.IterTyped(f)
}

func (b *Bitfield) checkIndex(i int) {
	if i < 0 || i >= b.len {
		panic(fmt.Sprintf("bitfield: index %d out of range [0,%d)", i, b.len))
	}
}

// Bytes packs the bitfield into the wire's MSB-first byte layout, with
// trailing bits in the last byte zeroed per spec §3.
func (b *Bitfield) Bytes() []byte {
	out := make([]byte, (b.len+7)/8)
	b.set.IterTyped(func(i int) bool {
		out[i/8] |= 1 << uint(7-i%8)
		return true
	})
	return out
}

// FromBytes parses a wire-format bitfield of pieceCount pieces. It returns
// an error if data is the wrong length or has non-zero trailing bits,
// either of which is a communication_error from the peer (spec §4.4).
func FromBytes(pieceCount int, data []byte) (*Bitfield, error) {
	want := (pieceCount + 7) / 8
	if len(data) != want {
		return nil, fmt.Errorf("bitfield: expected %d bytes for %d pieces, got %d", want, pieceCount, len(data))
	}
	if pieceCount%8 != 0 && want > 0 {
		last := data[want-1]
		trailingMask := byte(0xFF) >> uint(pieceCount%8)
		if last&trailingMask != 0 {
			return nil, fmt.Errorf("bitfield: non-zero trailing bits")
		}
	}
	bf := New(pieceCount)
	for i := 0; i < pieceCount; i++ {
		if data[i/8]&(1<<uint(7-i%8)) != 0 {
			bf.set.Add(uint32(i))
		}
	}
	return bf, nil
}

// Bools converts to/from the []bool representation btprotocol.Message uses
// for the Bitfield message. Bools returns exactly Len() entries; the bits of
// a decoded message are padded to a byte boundary, and FromBools keeps
// whatever length it is given.
func (b *Bitfield) Bools() []bool {
	out := make([]bool, b.len)
	b.set.IterTyped(func(i int) bool {
		out[i] = true
		return true
	})
	return out
}

// FromBools builds a Bitfield from the []bool a decoded Bitfield message
// carries.
func FromBools(bs []bool) *Bitfield {
	bf := New(len(bs))
	for i, v := range bs {
		if v {
			bf.set.Add(uint32(i))
		}
	}
	return bf
}
