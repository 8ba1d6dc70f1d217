// Package collab defines the external collaborator interfaces the core
// consumes or produces values through (§6): the event bus, file I/O,
// tracker client, metainfo/bencode consumer, and dot-directory persistence.
// The core treats every one of these as opaque; it neither implements nor
// constrains them, per §1's explicit non-goals.
package collab

import (
	"time"

	"github.com/rkrishnan/swarmd/core"
)

// EventBus is the environment collaborator the registry and chunk assigner
// emit lifecycle events to, per §6.
type EventBus interface {
	// SeedingTorrent fires when a torrent transitions from leeching to
	// seeding (left reaches 0 and wanted==total).
	SeedingTorrent(torrentID int)

	// PieceComplete fires once every chunk of a piece has been stored and
	// the piece has verified against its hash.
	PieceComplete(torrentID int, piece int)
}

// WriteResult is the outcome File I/O reports back for a stored chunk.
type WriteResult struct {
	Err error
	// PieceComplete is set when this write completed the last outstanding
	// chunk of its piece (the piece then verified).
	PieceComplete bool
}

// ReadResult is the outcome File I/O reports back for a chunk read, serving
// an incoming peer-wire `request`.
type ReadResult struct {
	Data []byte
	Err  error
}

// FileIO is the sole writer (and reader, for serving uploads) of torrent
// file blocks (§5's shared-resource policy). The core hands it fetched
// bytes and waits for a WriteResult on the returned channel; it neither
// chooses the on-disk layout nor performs the write itself.
type FileIO interface {
	// WriteChunk durably writes data at (piece, offset) for torrentID,
	// verifying the piece hash once its last chunk lands. The result
	// arrives asynchronously so the calling session is never blocked past
	// the backpressure point described in §5.
	WriteChunk(torrentID int, piece int, offset int64, data []byte) <-chan WriteResult

	// ReadChunk reads length bytes at (piece, offset) for torrentID, to
	// answer an incoming `request`. Asynchronous for the same reason as
	// WriteChunk.
	ReadChunk(torrentID int, piece int, offset int64, length int) <-chan ReadResult
}

// TrackerClient is the (externally owned) tracker-announce collaborator;
// the core only consumes the peer lists and seeder/leecher counts it
// returns, per the explicit non-goal excluding tracker-announce network I/O.
type TrackerClient interface {
	Announce(torrentID int, infoHash core.InfoHash, event AnnounceEvent) (AnnounceResult, error)
}

// AnnounceEvent mirrors the UDP tracker event codes of §4.4, reused here so
// collaborators and the core agree on vocabulary without the core owning
// the wire format itself.
type AnnounceEvent int

// Announce events.
const (
	EventNone AnnounceEvent = iota
	EventCompleted
	EventStarted
	EventStopped
	EventPaused
)

// AnnounceResult is what a tracker announce yields back to the core.
type AnnounceResult struct {
	Interval time.Duration
	Seeders  int
	Leechers int
	Peers    []PeerAddr
}

// PeerAddr is a candidate peer address handed from the tracker/DHT
// collaborators to the peer manager (C11).
type PeerAddr struct {
	IP   string
	Port int
}

// MetaInfo is the decoded bencoded info dictionary handed to the core at
// torrent-add time (§6); the core neither parses nor constrains it beyond
// the fields it needs.
type MetaInfo struct {
	Name         string
	InfoHash     core.InfoHash
	TotalLength  int64
	PieceLength  int64
	PieceHashes  [][20]byte
	TrackerTiers [][]string
}

// DotDir is the sidecar persistence collaborator for a torrent's opaque
// ".info" blob; the core treats the blob as uninterpreted bytes.
type DotDir interface {
	ReadInfo(torrentID int) ([]byte, error)
	WriteInfo(torrentID int, blob []byte) error
}
