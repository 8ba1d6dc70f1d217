// Package peerwire implements the BitTorrent peer-wire framing of §4.4:
// the 68-byte handshake and the 4-byte-length-prefixed message stream.
// Grounded on the protocol package conventions used by the Peer task in
// the prxssh-rabbit reference (protocol.ReadMessage/WriteMessage/
// NewHandshake), adapted from byte-string framing to this repo's types.
package peerwire

import (
	"errors"
	"fmt"
	"io"

	"github.com/rkrishnan/swarmd/core"
)

// protocolName is the fixed pstr of the BitTorrent handshake.
const protocolName = "BitTorrent protocol"

// HandshakeLen is the wire size of a handshake message.
const HandshakeLen = 1 + len(protocolName) + 8 + 20 + 20

// Reserved capability bits, advertised in the 8 reserved handshake bytes.
const (
	ReservedDHT       = 1 << 0 // byte 7, bit 0: BEP-5 DHT
	ReservedExtension = 1 << 4 // byte 5, bit 4: BEP-10 extension protocol (bit within byte 5)
)

// Handshake is the decoded form of the 68-byte peer-wire handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// ErrBadProtocolName is returned when the pstr does not match "BitTorrent
// protocol" — a fatal protocol error per §7.
var ErrBadProtocolName = errors.New("peerwire: unrecognized protocol name")

// NewHandshake builds the outbound handshake for infoHash/peerID, with no
// capability bits set. Callers OR in ReservedDHT/ReservedExtension as
// needed before writing.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:], protocolName)
	off := 1 + len(protocolName)
	copy(buf[off:off+8], h.Reserved[:])
	off += 8
	copy(buf[off:off+20], h.InfoHash.Bytes())
	off += 20
	copy(buf[off:off+20], h.PeerID[:])

	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("peerwire: read handshake: %s", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolName) || string(buf[1:1+pstrlen]) != protocolName {
		return Handshake{}, ErrBadProtocolName
	}

	var h Handshake
	off := 1 + len(protocolName)
	copy(h.Reserved[:], buf[off:off+8])
	off += 8
	copy(h.InfoHash[:], buf[off:off+20])
	off += 20
	copy(h.PeerID[:], buf[off:off+20])
	return h, nil
}

// NegotiatedCapabilities returns the bitwise OR of both sides' reserved
// bytes, per §4.4's capability-negotiation rule.
func NegotiatedCapabilities(ours, theirs [8]byte) [8]byte {
	var out [8]byte
	for i := range out {
		out[i] = ours[i] | theirs[i]
	}
	return out
}
