package peertable

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/rkrishnan/swarmd/core"
)

func key(t *testing.T) Key {
	pid, err := core.RandomPeerID()
	require.NoError(t, err)
	return Key{TorrentID: 1, PeerID: pid}
}

func TestAddSetsInitialPostHandshakeState(t *testing.T) {
	require := require.New(t)

	tbl := New(clock.NewMock())
	k := key(t)
	tbl.Add(k)

	snap, ok := tbl.Get(k)
	require.True(ok)
	require.True(snap.LocalChoke)
	require.True(snap.RemoteChoke)
	require.False(snap.LocalInterest)
	require.False(snap.RemoteInterest)
}

func TestSnubSetAfterThirtySecondsWithoutPiecePayload(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	tbl := New(clk)
	k := key(t)
	tbl.Add(k)

	snap, _ := tbl.Get(k)
	require.False(snap.Snubbed)

	clk.Add(snubAfter)
	snap, _ = tbl.Get(k)
	require.True(snap.Snubbed)

	// A piece payload resets the snub clock.
	tbl.RecordReceived(k, 16384, true)
	snap, _ = tbl.Get(k)
	require.False(snap.Snubbed)
}

func TestRecordReceivedNonPayloadDoesNotResetSnub(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	tbl := New(clk)
	k := key(t)
	tbl.Add(k)

	clk.Add(snubAfter)
	tbl.RecordReceived(k, 5, false) // e.g. a `have` message, not piece payload
	snap, _ := tbl.Get(k)
	require.True(snap.Snubbed)
}

func TestSnapshotTorrentFiltersByTorrent(t *testing.T) {
	require := require.New(t)

	tbl := New(clock.NewMock())
	k1 := Key{TorrentID: 1, PeerID: mustPeerID(t)}
	k2 := Key{TorrentID: 2, PeerID: mustPeerID(t)}
	tbl.Add(k1)
	tbl.Add(k2)

	snaps := tbl.SnapshotTorrent(1)
	require.Len(snaps, 1)
	require.Equal(k1, snaps[0].Key)
}

func mustPeerID(t *testing.T) core.PeerID {
	pid, err := core.RandomPeerID()
	require.NoError(t, err)
	return pid
}
