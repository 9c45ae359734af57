package btprotocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	dec := Decoder{R: bufio.NewReader(bytes.NewReader(data)), MaxLength: 1 << 20}
	var out Message
	require.NoError(t, dec.Decode(&out))
	return out
}

func TestRequestRoundTrip(t *testing.T) {
	msg := Message{Type: Request, Index: 3, Begin: 16384, Length: 16384}
	out := roundTrip(t, msg)
	assert.Equal(t, msg.Type, out.Type)
	assert.Equal(t, msg.Index, out.Index)
	assert.Equal(t, msg.Begin, out.Begin)
	assert.Equal(t, msg.Length, out.Length)
}

func TestPieceRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1024)
	msg := Message{Type: Piece, Index: 1, Begin: 0, Piece: payload}
	out := roundTrip(t, msg)
	assert.Equal(t, msg.Index, out.Index)
	assert.Equal(t, msg.Begin, out.Begin)
	assert.Equal(t, payload, out.Piece)
}

func TestBitfieldRoundTrip(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, false, false, true}
	msg := Message{Type: Bitfield, Bits: bits}
	out := roundTrip(t, msg)
	require.Len(t, out.Bits, 16) // padded up to a byte boundary
	for i, b := range bits {
		assert.Equal(t, b, out.Bits[i])
	}
	for i := len(bits); i < len(out.Bits); i++ {
		assert.False(t, out.Bits[i])
	}
}

func TestKeepalive(t *testing.T) {
	out := roundTrip(t, Message{Keepalive: true})
	assert.True(t, out.Keepalive)
}

func TestHaveRoundTrip(t *testing.T) {
	out := roundTrip(t, Message{Type: Have, Index: 77})
	assert.Equal(t, Have, out.Type)
	assert.Equal(t, Integer(77), out.Index)
}

func TestDecoderRejectsOversizedMessage(t *testing.T) {
	msg := Message{Type: Piece, Index: 0, Begin: 0, Piece: make([]byte, 100)}
	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	dec := Decoder{R: bufio.NewReader(bytes.NewReader(data)), MaxLength: 10}
	var out Message
	assert.ErrorIs(t, dec.Decode(&out), ErrMessageTooLong)
}

func TestMessageRequestAccessor(t *testing.T) {
	req := Message{Type: Request, Index: 1, Begin: 2, Length: 3}
	idx, begin, length := req.Request()
	assert.Equal(t, Integer(1), idx)
	assert.Equal(t, Integer(2), begin)
	assert.Equal(t, Integer(3), length)

	piece := Message{Type: Piece, Index: 1, Begin: 2, Piece: make([]byte, 5)}
	idx, begin, length = piece.Request()
	assert.Equal(t, Integer(5), length)
}
