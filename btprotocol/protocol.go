// Package btprotocol implements the BitTorrent peer wire protocol: the
// fixed handshake and the length-prefixed message stream that follows it.
// Framing is bit-exact with BEP 3.
package btprotocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType is the single byte identifying a message's kind.
type MessageType byte

// Integer is the big-endian uint32 used throughout the wire protocol for
// piece indices, offsets and lengths.
type Integer uint32

func (i *Integer) read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

// Protocol is the fixed pstr sent as part of the handshake (BEP 3).
const Protocol = "\x13BitTorrent protocol"

// MaxBlockLength is the largest length a request/piece block may carry.
// Requests exceeding this are a communication_error (spec §3).
const MaxBlockLength = 1 << 17

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	Extended MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is a lazy union of every message kind's fields, mirrored from the
// on-the-wire layout. Unused fields are left zero for a given Type.
type Message struct {
	Keepalive            bool
	Type                 MessageType
	Index, Begin, Length Integer
	Piece                []byte
	Bits                 []bool
	Port                 uint16
}

// Request reduces a message to the (piece, offset, length) triple callers
// care about, valid for Request, Cancel and Piece messages.
func (msg Message) Request() (index, begin, length Integer) {
	if msg.Type == Piece {
		return msg.Index, msg.Begin, Integer(len(msg.Piece))
	}
	return msg.Index, msg.Begin, msg.Length
}

// MarshalBinary encodes msg including its 4-byte length prefix.
func (msg Message) MarshalBinary() (data []byte, err error) {
	var buf bytes.Buffer
	if !msg.Keepalive {
		if err = buf.WriteByte(byte(msg.Type)); err != nil {
			return nil, err
		}
		switch msg.Type {
		case Choke, Unchoke, Interested, NotInterested:
		case Have:
			err = binary.Write(&buf, binary.BigEndian, msg.Index)
		case Request, Cancel:
			for _, v := range []Integer{msg.Index, msg.Begin, msg.Length} {
				if err = binary.Write(&buf, binary.BigEndian, v); err != nil {
					break
				}
			}
		case Bitfield:
			_, err = buf.Write(marshalBitfield(msg.Bits))
		case Piece:
			for _, v := range []Integer{msg.Index, msg.Begin} {
				if err = binary.Write(&buf, binary.BigEndian, v); err != nil {
					return nil, err
				}
			}
			if _, err = buf.Write(msg.Piece); err != nil {
				return nil, err
			}
		case Port:
			err = binary.Write(&buf, binary.BigEndian, msg.Port)
		case Extended:
			// Extended payloads are accepted but not interpreted; see spec §4.4.
		default:
			err = fmt.Errorf("btprotocol: unknown message type %v", msg.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	data = make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(data, uint32(buf.Len()))
	copy(data[4:], buf.Bytes())
	return data, nil
}

func marshalBitfield(bs []bool) []byte {
	b := make([]byte, (len(bs)+7)/8)
	for i, have := range bs {
		if have {
			b[i/8] |= 1 << uint(7-i%8)
		}
	}
	return b
}

func unmarshalBitfield(b []byte) (bs []bool) {
	bs = make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bs = append(bs, (c>>uint(i))&1 == 1)
		}
	}
	return bs
}

// ErrMessageTooLong is returned by Decoder.Decode when a length-prefixed
// message exceeds Decoder.MaxLength.
var ErrMessageTooLong = errors.New("btprotocol: message too long")

// Decoder reads framed messages off a peer connection.
type Decoder struct {
	R         *bufio.Reader
	MaxLength Integer
}

// Decode reads and parses the next message, including keep-alives (length
// prefix of zero).
func (d *Decoder) Decode(msg *Message) error {
	var length Integer
	if err := binary.Read(d.R, binary.BigEndian, &length); err != nil {
		return err
	}
	if length > d.MaxLength {
		return ErrMessageTooLong
	}
	if length == 0 {
		*msg = Message{Keepalive: true}
		return nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(d.R, b); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return decodeBody(msg, b)
}

func decodeBody(msg *Message, b []byte) error {
	*msg = Message{Type: MessageType(b[0])}
	r := bytes.NewReader(b[1:])
	var err error
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		err = msg.Index.read(r)
	case Request, Cancel:
		for _, v := range []*Integer{&msg.Index, &msg.Begin, &msg.Length} {
			if err = v.read(r); err != nil {
				break
			}
		}
	case Bitfield:
		rest, _ := io.ReadAll(r)
		msg.Bits = unmarshalBitfield(rest)
	case Piece:
		if err = msg.Index.read(r); err == nil {
			err = msg.Begin.read(r)
		}
		if err == nil {
			msg.Piece, err = io.ReadAll(r)
		}
	case Port:
		err = binary.Read(r, binary.BigEndian, &msg.Port)
	case Extended:
		// Payload discarded; see spec §4.4 ("may be ignored").
	default:
		return fmt.Errorf("btprotocol: unknown message type %d", b[0])
	}
	return err
}
