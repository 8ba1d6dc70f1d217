package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/rkrishnan/swarmd/assign"
	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/peertable"
	"github.com/rkrishnan/swarmd/wire/peerwire"
)

type fakeFileIO struct {
	writeResult collab.WriteResult
}

func (f *fakeFileIO) WriteChunk(torrentID, piece int, offset int64, data []byte) <-chan collab.WriteResult {
	ch := make(chan collab.WriteResult, 1)
	ch <- f.writeResult
	return ch
}

func (f *fakeFileIO) ReadChunk(torrentID, piece int, offset int64, length int) <-chan collab.ReadResult {
	ch := make(chan collab.ReadResult, 1)
	ch <- collab.ReadResult{Data: make([]byte, length)}
	return ch
}

type fakeEvents struct {
	pieceComplete chan int
}

func (f *fakeEvents) SeedingTorrent(torrentID int) {}
func (f *fakeEvents) PieceComplete(torrentID, piece int) {
	f.pieceComplete <- piece
}

type fakeBroadcaster struct {
	haves   chan int
	cancels chan assign.ChunkID
}

func (f *fakeBroadcaster) BroadcastHave(torrentID, piece int, exceptPeer core.PeerID) {
	f.haves <- piece
}
func (f *fakeBroadcaster) SendCancel(torrentID int, peer core.PeerID, c assign.ChunkID) {
	f.cancels <- c
}

type fakeLocal struct {
	missing *bitset.BitSet
}

func (f *fakeLocal) Missing() *bitset.BitSet { return f.missing }

func recvWithTimeout(t *testing.T, msgs chan peerwire.Message) peerwire.Message {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return peerwire.Message{}
	}
}

// setupSession wires a Session to one end of a net.Pipe and returns a
// channel fed by a background goroutine reading everything the session
// sends to the other end.
func setupSession(t *testing.T) (*Session, net.Conn, chan peerwire.Message, *fakeBroadcaster, *fakeEvents, context.CancelFunc) {
	t.Helper()
	require := require.New(t)

	local, remote := net.Pipe()

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	table := peertable.New(clock.NewMock())
	assigner := assign.New([]uint32{16384})
	events := &fakeEvents{pieceComplete: make(chan int, 4)}
	bcast := &fakeBroadcaster{haves: make(chan int, 4), cancels: make(chan assign.ChunkID, 4)}
	missing := bitset.New(1)
	missing.Set(0)

	s := New(Params{
		Conn:        local,
		Clock:       clock.NewMock(),
		Logger:      zap.NewNop().Sugar(),
		TorrentID:   1,
		PeerID:      peerID,
		Table:       table,
		Assigner:    assigner,
		FileIO:      &fakeFileIO{writeResult: collab.WriteResult{PieceComplete: true}},
		Events:      events,
		Broadcaster: bcast,
		Local:       &fakeLocal{missing: missing},
	})

	msgs := make(chan peerwire.Message, 32)
	go func() {
		for {
			m, err := peerwire.ReadMessage(remote)
			if err != nil {
				close(msgs)
				return
			}
			msgs <- m
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx, []byte{0x80}) }()

	return s, remote, msgs, bcast, events, cancel
}

func TestBitfieldTriggersInterest(t *testing.T) {
	require := require.New(t)
	_, remote, msgs, _, _, cancel := setupSession(t)
	defer cancel()
	defer remote.Close()

	// First frame out is our own bitfield.
	m := recvWithTimeout(t, msgs)
	require.Equal(peerwire.Bitfield, m.Type)

	require.NoError(peerwire.WriteMessage(remote, peerwire.BitfieldMessage([]byte{0x80})))

	m = recvWithTimeout(t, msgs)
	require.Equal(peerwire.Interested, m.Type)
}

func TestUnchokeYieldsRequest(t *testing.T) {
	require := require.New(t)
	_, remote, msgs, _, _, cancel := setupSession(t)
	defer cancel()
	defer remote.Close()

	recvWithTimeout(t, msgs) // our bitfield

	require.NoError(peerwire.WriteMessage(remote, peerwire.BitfieldMessage([]byte{0x80})))
	require.Equal(peerwire.Interested, recvWithTimeout(t, msgs).Type)

	require.NoError(peerwire.WriteMessage(remote, peerwire.UnchokeMessage()))

	m := recvWithTimeout(t, msgs)
	require.Equal(peerwire.Request, m.Type)
	require.Equal(uint32(0), m.Piece)
	require.Equal(uint32(0), m.Offset)
	require.Equal(uint32(16384), m.Length)
}

func TestPieceCompletionBroadcastsHave(t *testing.T) {
	require := require.New(t)
	_, remote, msgs, bcast, events, cancel := setupSession(t)
	defer cancel()
	defer remote.Close()

	recvWithTimeout(t, msgs) // our bitfield
	require.NoError(peerwire.WriteMessage(remote, peerwire.BitfieldMessage([]byte{0x80})))
	require.Equal(peerwire.Interested, recvWithTimeout(t, msgs).Type)
	require.NoError(peerwire.WriteMessage(remote, peerwire.UnchokeMessage()))
	req := recvWithTimeout(t, msgs)
	require.Equal(peerwire.Request, req.Type)

	block := make([]byte, 16384)
	require.NoError(peerwire.WriteMessage(remote, peerwire.PieceMessage(req.Piece, req.Offset, block)))

	select {
	case piece := <-bcast.haves:
		require.Equal(0, piece)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for have broadcast")
	}
	select {
	case piece := <-events.pieceComplete:
		require.Equal(0, piece)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for PieceComplete event")
	}
}
