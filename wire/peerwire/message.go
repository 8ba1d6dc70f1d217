package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType identifies the single byte following a message's length
// prefix, per §4.4.
type MessageType byte

// Message types.
const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
)

// maxMessageLen bounds a single frame to guard against a malicious or
// corrupt length prefix exhausting memory; large enough for any legitimate
// `piece` payload at the 2^14 chunk convention plus headroom.
const maxMessageLen = 1 << 20

// Message is a decoded peer-wire frame. KeepAlive is represented as a
// Message with IsKeepAlive set and no other fields meaningful.
type Message struct {
	IsKeepAlive bool
	Type        MessageType

	// Piece/Offset/Length are meaningful for Have, Request, Piece, Cancel.
	Piece  uint32
	Offset uint32
	Length uint32

	// Bitfield carries the raw bytes for a Bitfield message.
	Bitfield []byte

	// Block carries the payload bytes for a Piece message.
	Block []byte

	// Unknown is set, and RawType carries the raw type byte, when Type falls
	// outside the known set; the payload has already been skipped per §4.4.
	Unknown bool
	RawType byte
}

// KeepAliveMessage constructs the zero-length keep-alive frame.
func KeepAliveMessage() Message { return Message{IsKeepAlive: true} }

// ChokeMessage, UnchokeMessage, ... construct the fixed-shape control
// messages.
func ChokeMessage() Message         { return Message{Type: Choke} }
func UnchokeMessage() Message       { return Message{Type: Unchoke} }
func InterestedMessage() Message    { return Message{Type: Interested} }
func NotInterestedMessage() Message { return Message{Type: NotInterested} }

// HaveMessage constructs a `have(piece)` frame.
func HaveMessage(piece uint32) Message { return Message{Type: Have, Piece: piece} }

// BitfieldMessage constructs a `bitfield` frame.
func BitfieldMessage(b []byte) Message { return Message{Type: Bitfield, Bitfield: b} }

// RequestMessage constructs a `request(piece,offset,length)` frame.
func RequestMessage(piece, offset, length uint32) Message {
	return Message{Type: Request, Piece: piece, Offset: offset, Length: length}
}

// PieceMessage constructs a `piece(piece,offset,bytes)` frame.
func PieceMessage(piece, offset uint32, block []byte) Message {
	return Message{Type: Piece, Piece: piece, Offset: offset, Block: block}
}

// CancelMessage constructs a `cancel(piece,offset,length)` frame.
func CancelMessage(piece, offset, length uint32) Message {
	return Message{Type: Cancel, Piece: piece, Offset: offset, Length: length}
}

// WriteMessage encodes m onto w in wire format.
func WriteMessage(w io.Writer, m Message) error {
	if m.IsKeepAlive {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	var payload []byte
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Piece)
	case Bitfield:
		payload = m.Bitfield
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Piece)
		binary.BigEndian.PutUint32(payload[4:8], m.Offset)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Piece)
		binary.BigEndian.PutUint32(payload[4:8], m.Offset)
		copy(payload[8:], m.Block)
	default:
		return fmt.Errorf("peerwire: cannot encode message type %d", m.Type)
	}

	length := uint32(1 + len(payload))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.Type)}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage decodes the next frame from r. Unknown message type ids are
// tolerated: the remaining payload is skipped using the length prefix and
// the returned Message has Unknown=true, per §4.4.
func ReadMessage(r io.Reader) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Message{}, fmt.Errorf("peerwire: read length prefix: %s", err)
	}
	if length == 0 {
		return KeepAliveMessage(), nil
	}
	if length > maxMessageLen {
		return Message{}, fmt.Errorf("peerwire: frame length %d exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("peerwire: read frame body: %s", err)
	}
	typ := MessageType(body[0])
	payload := body[1:]

	switch typ {
	case Choke, Unchoke, Interested, NotInterested:
		return Message{Type: typ}, nil
	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("peerwire: have payload length %d", len(payload))
		}
		return Message{Type: typ, Piece: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		return Message{Type: typ, Bitfield: payload}, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("peerwire: request/cancel payload length %d", len(payload))
		}
		return Message{
			Type:   typ,
			Piece:  binary.BigEndian.Uint32(payload[0:4]),
			Offset: binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("peerwire: piece payload too short: %d", len(payload))
		}
		return Message{
			Type:   typ,
			Piece:  binary.BigEndian.Uint32(payload[0:4]),
			Offset: binary.BigEndian.Uint32(payload[4:8]),
			Block:  payload[8:],
		}, nil
	default:
		// Unknown id: payload already fully consumed above via the length
		// prefix; caller is expected to emit a debug record.
		return Message{Unknown: true, RawType: byte(typ)}, nil
	}
}

// IsKeepAlive reports whether m is a keep-alive frame.
func IsKeepAlive(m Message) bool { return m.IsKeepAlive }
