package engine

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/rkrishnan/swarmd/choke"
	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/filestore"
	"github.com/rkrishnan/swarmd/session"
)

func singlePieceMeta(data []byte) collab.MetaInfo {
	sum := sha1.Sum(data)
	var h [20]byte
	copy(h[:], sum[:])
	return collab.MetaInfo{
		Name:        "e2e.dat",
		InfoHash:    core.NewInfoHashFromBytes([]byte("engine-e2e-test")),
		TotalLength: int64(len(data)),
		PieceLength: int64(len(data)),
		PieceHashes: [][20]byte{h},
	}
}

func newTestEngine(t *testing.T) (*Engine, *filestore.Store) {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	pctx, err := core.NewPeerContext(core.RandomPeerIDFactory, "127.0.0.1", 1, false)
	require.NoError(t, err)

	e, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		// Default session and choke settings; the leecher requests chunks
		// as soon as it is unchoked rather than on session.go's 1s tick.
		Session: session.Config{},
		Choke:   choke.Config{},
	}, pctx, Collaborators{FileIO: store}, tally.NoopScope)
	require.NoError(t, err)
	return e, store
}

// TestEndToEndChunkTransfer runs two real Engines over loopback TCP: a
// seeder holding one complete piece and a leecher holding none. It drives
// rechokeAll directly instead of waiting on the background ticker's 10s
// period, then asserts the leecher ends up with the seeder's bytes and the
// registry reports it as fully seeded.
func TestEndToEndChunkTransfer(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 4096)
	meta := singlePieceMeta(data)

	seeder, seederStore := newTestEngine(t)
	leecher, leecherStore := newTestEngine(t)

	seederID := seeder.AddTorrent(meta, meta.TotalLength)
	require.NoError(t, seederStore.RegisterTorrent(seederID, meta))
	wr := <-seederStore.WriteChunk(seederID, 0, 0, data)
	require.NoError(t, wr.Err)
	require.True(t, wr.PieceComplete)

	seeder.mu.Lock()
	seeder.torrents[seederID].markStored(0)
	seeder.mu.Unlock()

	leecherID := leecher.AddTorrent(meta, meta.TotalLength)
	require.NoError(t, leecherStore.RegisterTorrent(leecherID, meta))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, seeder.Start(ctx))
	defer seeder.Stop()
	require.NoError(t, leecher.Start(ctx))
	defer leecher.Stop()

	addr := seeder.listener.Addr().(*net.TCPAddr)
	require.NoError(t, leecher.Connect(ctx, leecherID, collab.PeerAddr{
		IP:   "127.0.0.1",
		Port: addr.Port,
	}))

	require.Eventually(t, func() bool {
		seeder.rechokeAll()
		leecher.rechokeAll()
		seeding, _ := leecher.registry.IsSeeding(leecherID)
		return seeding
	}, 5*time.Second, 10*time.Millisecond, "leecher never finished downloading the piece")

	got := <-leecherStore.ReadChunk(leecherID, 0, 0, len(data))
	require.NoError(t, got.Err)
	require.Equal(t, data, got.Data)
}

// TestAddTorrentInitializesMissingAllSet verifies a freshly added torrent
// starts with every piece marked missing, regardless of wanted, since
// FileIO ownership of what's already on disk is established separately
// (RegisterTorrent / markStored), not by AddTorrent itself.
func TestAddTorrentInitializesMissingAllSet(t *testing.T) {
	e, _ := newTestEngine(t)
	meta := singlePieceMeta(bytes.Repeat([]byte("b"), 100))
	id := e.AddTorrent(meta, meta.TotalLength)

	e.mu.Lock()
	state := e.torrents[id]
	e.mu.Unlock()

	require.Equal(t, uint(1), state.Missing().Count())
}
