package btprotocol

import (
	"context"
	"fmt"
	"io"
)

// ExtensionBit is a bit position within the 8 reserved handshake bytes.
type ExtensionBit uint

const (
	// ExtensionBitDHT advertises BEP 5 DHT support (port message follows).
	ExtensionBitDHT ExtensionBit = 0
	// ExtensionBitFast advertises BEP 6, not implemented by this module —
	// only ever cleared on send, tolerated (ignored) on receive.
	ExtensionBitFast ExtensionBit = 2
	// ExtensionBitExtended advertises BEP 10 LTEP, not implemented by this
	// module for the same reason as ExtensionBitFast.
	ExtensionBitExtended ExtensionBit = 20
)

// PeerExtensionBits are the 8 reserved handshake bytes.
type PeerExtensionBits [8]byte

// SetBit sets or clears bit within the reserved bytes, numbered from the
// least-significant bit of the last byte (bit 0) per BEP 4.
func (b *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		b[7-bit/8] |= 1 << (bit % 8)
	} else {
		b[7-bit/8] &^= 1 << (bit % 8)
	}
}

// GetBit reports whether bit is set.
func (b PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return b[7-bit/8]&(1<<(bit%8)) != 0
}

// HandshakeResult is what the remote side declared about itself.
type HandshakeResult struct {
	PeerExtensionBits
	PeerID   [20]byte
	InfoHash [20]byte
}

// Handshake performs the 68-byte BEP 3 handshake over sock. If ih is nil,
// this side is the one accepting an inbound connection and is waiting for
// the remote to declare the info_hash; otherwise ih is sent immediately.
// Handshake never blocks past ctx's deadline: callers are expected to give
// sock a context-derived deadline (see spec §5 "Handshake timeout: 30s").
func Handshake(
	ctx context.Context,
	sock io.ReadWriter,
	ih *[20]byte,
	localID [20]byte,
	extensions PeerExtensionBits,
) (res HandshakeResult, err error) {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeHandshakeHalf(sock, ih, localID, extensions)
	}()

	b := make([]byte, 68)
	if _, err = io.ReadFull(sock, b); err != nil {
		return res, fmt.Errorf("btprotocol: reading handshake: %w", err)
	}
	if string(b[:20]) != Protocol {
		return res, fmt.Errorf("btprotocol: unexpected protocol string %q", b[:20])
	}
	copy(res.PeerExtensionBits[:], b[20:28])
	copy(res.InfoHash[:], b[28:48])
	copy(res.PeerID[:], b[48:68])

	if ih == nil {
		// We were waiting to learn which torrent the peer wants; reply now
		// that we know, then let the writer goroutine finish below.
		if _, err = sock.Write(append(append([]byte{}, res.InfoHash[:]...), localID[:]...)); err != nil {
			return res, fmt.Errorf("btprotocol: completing handshake: %w", err)
		}
	}

	select {
	case err = <-writeErr:
		if err != nil {
			return res, fmt.Errorf("btprotocol: writing handshake: %w", err)
		}
	case <-ctx.Done():
		return res, ctx.Err()
	}
	return res, nil
}

func writeHandshakeHalf(w io.Writer, ih *[20]byte, localID [20]byte, extensions PeerExtensionBits) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, Protocol...)
	buf = append(buf, extensions[:]...)
	if ih != nil {
		buf = append(buf, ih[:]...)
		buf = append(buf, localID[:]...)
	}
	_, err := w.Write(buf)
	return err
}
