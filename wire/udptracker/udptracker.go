// Package udptracker implements the BEP-15 UDP tracker wire protocol of
// §4.4: connect/announce/scrape/error framing over UDP, all integers
// big-endian. Grounded on the same protocol-package conventions as
// wire/peerwire (the BitTorrent wire protocols are the only
// byte-level-accurate reference in the retrieval pack; kraken's own tracker
// client speaks HTTP, not UDP, and is out of scope per the tracker-announce
// non-goal).
package udptracker

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rkrishnan/swarmd/core"
)

// protocolMagic is the fixed connection id used in the initial connect
// request, per BEP-15.
const protocolMagic = 0x41727101980

// Action codes.
const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionScrape   uint32 = 2
	ActionError    uint32 = 3
)

// Event codes. Paused encodes identically to None at wire value 0; see
// SPEC_FULL.md's note on this open question. EventPaused is kept as a
// distinct Go constant purely so callers can still express intent before
// encoding — EncodeAnnounceRequest collapses it to 0 on the wire.
const (
	EventNone      uint32 = 0
	EventCompleted uint32 = 1
	EventStarted   uint32 = 2
	EventStopped   uint32 = 3
	EventPaused    uint32 = 0
)

// ErrShortBuffer is returned when a decode call is given too few bytes.
var ErrShortBuffer = errors.New("udptracker: buffer too short")

// ConnectRequest is the initial handshake request of BEP-15.
type ConnectRequest struct {
	TransactionID uint32
}

// EncodeConnectRequest encodes req as <magic:8, action=0, tid:4>.
func EncodeConnectRequest(req ConnectRequest) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], protocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], ActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], req.TransactionID)
	return buf
}

// ConnectResponse is the tracker's reply to a ConnectRequest.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

// DecodeConnectResponse decodes <action=0, tid:4, connection_id:8>.
func DecodeConnectResponse(b []byte) (ConnectResponse, error) {
	if len(b) < 16 {
		return ConnectResponse{}, ErrShortBuffer
	}
	action := binary.BigEndian.Uint32(b[0:4])
	if action != ActionConnect {
		return ConnectResponse{}, fmt.Errorf("udptracker: expected connect action, got %d", action)
	}
	return ConnectResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// AnnounceRequest is a BEP-15 announce request.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      core.InfoHash
	PeerID        core.PeerID
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	IP            [4]byte
	Key           uint32
	NumWant       int32
	Port          uint16
}

// AnnounceRequestLen is the fixed wire size of an announce request.
const AnnounceRequestLen = 8 + 4 + 4 + 20 + 20 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 2

// EncodeAnnounceRequest encodes req per §4.4's announce_request layout.
// NumWant defaults to -1 (no preference) when req.NumWant is 0, matching
// the convention that -1 is the typical "no preference" sentinel; callers
// wanting exactly 0 peers must not rely on the zero value.
func EncodeAnnounceRequest(req AnnounceRequest) []byte {
	buf := make([]byte, AnnounceRequestLen)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], req.ConnectionID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], ActionAnnounce)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], req.TransactionID)
	off += 4
	copy(buf[off:off+20], req.InfoHash.Bytes())
	off += 20
	copy(buf[off:off+20], req.PeerID[:])
	off += 20
	binary.BigEndian.PutUint64(buf[off:], req.Downloaded)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], req.Left)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], req.Uploaded)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], req.Event)
	off += 4
	copy(buf[off:off+4], req.IP[:])
	off += 4
	binary.BigEndian.PutUint32(buf[off:], req.Key)
	off += 4
	numWant := req.NumWant
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(buf[off:], uint32(numWant))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], req.Port)
	return buf
}

// DecodeAnnounceRequest is the inverse of EncodeAnnounceRequest, used by
// tests and any server-side collaborator that needs to parse a request it
// received.
func DecodeAnnounceRequest(b []byte) (AnnounceRequest, error) {
	if len(b) < AnnounceRequestLen {
		return AnnounceRequest{}, ErrShortBuffer
	}
	var req AnnounceRequest
	off := 0
	req.ConnectionID = binary.BigEndian.Uint64(b[off:])
	off += 8
	action := binary.BigEndian.Uint32(b[off:])
	off += 4
	if action != ActionAnnounce {
		return AnnounceRequest{}, fmt.Errorf("udptracker: expected announce action, got %d", action)
	}
	req.TransactionID = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(req.InfoHash[:], b[off:off+20])
	off += 20
	copy(req.PeerID[:], b[off:off+20])
	off += 20
	req.Downloaded = binary.BigEndian.Uint64(b[off:])
	off += 8
	req.Left = binary.BigEndian.Uint64(b[off:])
	off += 8
	req.Uploaded = binary.BigEndian.Uint64(b[off:])
	off += 8
	req.Event = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(req.IP[:], b[off:off+4])
	off += 4
	req.Key = binary.BigEndian.Uint32(b[off:])
	off += 4
	req.NumWant = int32(binary.BigEndian.Uint32(b[off:]))
	off += 4
	req.Port = binary.BigEndian.Uint16(b[off:])
	return req, nil
}

// AnnounceResponse is a BEP-15 announce response.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []AnnouncePeer
}

// AnnouncePeer is one (ip,port) entry in an announce response.
type AnnouncePeer struct {
	IP   [4]byte
	Port uint16
}

// EncodeAnnounceResponse encodes resp per §4.4's announce_response layout.
func EncodeAnnounceResponse(resp AnnounceResponse) []byte {
	buf := make([]byte, 20+6*len(resp.Peers))
	binary.BigEndian.PutUint32(buf[0:4], ActionAnnounce)
	binary.BigEndian.PutUint32(buf[4:8], resp.TransactionID)
	binary.BigEndian.PutUint32(buf[8:12], resp.Interval)
	binary.BigEndian.PutUint32(buf[12:16], resp.Leechers)
	binary.BigEndian.PutUint32(buf[16:20], resp.Seeders)
	off := 20
	for _, p := range resp.Peers {
		copy(buf[off:off+4], p.IP[:])
		binary.BigEndian.PutUint16(buf[off+4:off+6], p.Port)
		off += 6
	}
	return buf
}

// DecodeAnnounceResponse is the inverse of EncodeAnnounceResponse.
func DecodeAnnounceResponse(b []byte) (AnnounceResponse, error) {
	if len(b) < 20 {
		return AnnounceResponse{}, ErrShortBuffer
	}
	action := binary.BigEndian.Uint32(b[0:4])
	if action != ActionAnnounce {
		return AnnounceResponse{}, fmt.Errorf("udptracker: expected announce action, got %d", action)
	}
	resp := AnnounceResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Interval:      binary.BigEndian.Uint32(b[8:12]),
		Leechers:      binary.BigEndian.Uint32(b[12:16]),
		Seeders:       binary.BigEndian.Uint32(b[16:20]),
	}
	tail := b[20:]
	n := len(tail) / 6
	for i := 0; i < n; i++ {
		off := i * 6
		var p AnnouncePeer
		copy(p.IP[:], tail[off:off+4])
		p.Port = binary.BigEndian.Uint16(tail[off+4 : off+6])
		resp.Peers = append(resp.Peers, p)
	}
	return resp, nil
}

// ScrapeEntry is one (seeders, completed, leechers) triple of a scrape
// response.
type ScrapeEntry struct {
	Seeders   uint32
	Completed uint32
	Leechers  uint32
}

// DecodeScrapeResponse decodes a sequence of ScrapeEntry triples following
// the 8-byte action+tid header.
func DecodeScrapeResponse(b []byte) ([]ScrapeEntry, error) {
	if len(b) < 8 {
		return nil, ErrShortBuffer
	}
	tail := b[8:]
	n := len(tail) / 12
	out := make([]ScrapeEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * 12
		out = append(out, ScrapeEntry{
			Seeders:   binary.BigEndian.Uint32(tail[off : off+4]),
			Completed: binary.BigEndian.Uint32(tail[off+4 : off+8]),
			Leechers:  binary.BigEndian.Uint32(tail[off+8 : off+12]),
		})
	}
	return out, nil
}

// ErrorResponse is a BEP-15 error_response: <action=3, tid:4, msg...>.
type ErrorResponse struct {
	TransactionID uint32
	Message       string
}

// DecodeErrorResponse decodes an ErrorResponse.
func DecodeErrorResponse(b []byte) (ErrorResponse, error) {
	if len(b) < 8 {
		return ErrorResponse{}, ErrShortBuffer
	}
	action := binary.BigEndian.Uint32(b[0:4])
	if action != ActionError {
		return ErrorResponse{}, fmt.Errorf("udptracker: expected error action, got %d", action)
	}
	return ErrorResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Message:       string(b[8:]),
	}, nil
}

// DecodeAction peeks the action code of any response so the caller can
// dispatch to the right decoder. Unknown action codes should be logged and
// silently dropped by the caller, per §4.4.
func DecodeAction(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(b[0:4]), nil
}
