package btprotocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeBothSidesKnowInfoHash(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var ih [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")
	var idA, idB [20]byte
	copy(idA[:], "peerA_______________")
	copy(idB[:], "peerB_______________")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		res HandshakeResult
		err error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)

	go func() {
		r, err := Handshake(ctx, a, &ih, idA, PeerExtensionBits{})
		resA <- result{r, err}
	}()
	go func() {
		r, err := Handshake(ctx, b, &ih, idB, PeerExtensionBits{})
		resB <- result{r, err}
	}()

	ra := <-resA
	rb := <-resB
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	assert.Equal(t, idB, ra.res.PeerID)
	assert.Equal(t, idA, rb.res.PeerID)
	assert.Equal(t, ih, ra.res.InfoHash)
	assert.Equal(t, ih, rb.res.InfoHash)
}

func TestExtensionBits(t *testing.T) {
	var bits PeerExtensionBits
	bits.SetBit(ExtensionBitDHT, true)
	assert.True(t, bits.GetBit(ExtensionBitDHT))
	bits.SetBit(ExtensionBitDHT, false)
	assert.False(t, bits.GetBit(ExtensionBitDHT))
}
