package assign

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/rkrishnan/swarmd/core"
)

func fullBitset(n uint) *bitset.BitSet {
	b := bitset.New(n)
	for i := uint(0); i < n; i++ {
		b.Set(i)
	}
	return b
}

func peerID(t *testing.T) core.PeerID {
	p, err := core.RandomPeerID()
	require.NoError(t, err)
	return p
}

func TestChunkConservation(t *testing.T) {
	require := require.New(t)

	a := New([]uint32{chunkSize * 2, chunkSize*2 - 100})
	total := 4
	p := peerID(t)
	a.AddPeerAvailability(fullBitset(2))

	chunks := a.Request(p, fullBitset(2), total)
	require.Len(chunks, total)

	free, assigned, fetched, stored := a.Counts()
	require.Equal(total, free+assigned+fetched+stored)
	require.Equal(0, free)
	require.Equal(total, assigned)
}

func TestNoDoubleAssignmentOutsideEndgame(t *testing.T) {
	require := require.New(t)

	a := New([]uint32{chunkSize * 4})
	p1, p2 := peerID(t), peerID(t)
	a.AddPeerAvailability(fullBitset(1))
	a.AddPeerAvailability(fullBitset(1))

	got1 := a.Request(p1, fullBitset(1), 2)
	got2 := a.Request(p2, fullBitset(1), 2)

	require.Len(got1, 2)
	require.Len(got2, 2)
	for _, c := range got1 {
		for _, c2 := range got2 {
			require.NotEqual(c, c2, "the same chunk must not be assigned to two peers outside endgame")
		}
	}
}

func TestDropReclaimsToFreeOutsideEndgame(t *testing.T) {
	require := require.New(t)

	a := New([]uint32{chunkSize * 5})
	p := peerID(t)
	a.AddPeerAvailability(fullBitset(1))

	chunks := a.Request(p, fullBitset(1), 4)
	require.Len(chunks, 4)
	require.Equal(ModeProgress, a.Mode())

	free, assigned, _, _ := a.Counts()
	require.Equal(1, free)
	require.Equal(4, assigned)

	a.Dropped(p)

	free, assigned, _, _ = a.Counts()
	require.Equal(5, free)
	require.Equal(0, assigned)
}

func TestEntersEndgameWhenAllChunksAssigned(t *testing.T) {
	require := require.New(t)

	a := New([]uint32{chunkSize * 2})
	p := peerID(t)
	a.AddPeerAvailability(fullBitset(1))

	chunks := a.Request(p, fullBitset(1), 2)
	require.Len(chunks, 2)
	require.Equal(ModeEndgame, a.Mode())
}

func TestEndgameAllowsDuplicateAssignmentAndCancelsOthersOnFirstStore(t *testing.T) {
	require := require.New(t)

	a := New([]uint32{chunkSize})
	a.replicationFactor = 3
	p1, p2, p3 := peerID(t), peerID(t), peerID(t)
	a.AddPeerAvailability(fullBitset(1))

	c1 := a.Request(p1, fullBitset(1), 1)
	require.Len(c1, 1)
	require.Equal(ModeEndgame, a.Mode())

	c2 := a.Request(p2, fullBitset(1), 1)
	c3 := a.Request(p3, fullBitset(1), 1)
	require.Len(c2, 1)
	require.Len(c3, 1)
	require.Equal(c1[0], c2[0])
	require.Equal(c1[0], c3[0])

	result := a.Stored(c1[0], p2)
	require.ElementsMatch([]core.PeerID{p1, p3}, result.CancelPeers)
	require.True(result.PieceStored)
}

func TestFetchedDoesNotAffectOtherPeersAssignment(t *testing.T) {
	require := require.New(t)

	a := New([]uint32{chunkSize})
	a.replicationFactor = 2
	p1, p2 := peerID(t), peerID(t)
	a.AddPeerAvailability(fullBitset(1))

	c1 := a.Request(p1, fullBitset(1), 1)
	require.Len(c1, 1)
	c2 := a.Request(p2, fullBitset(1), 1)
	require.Len(c2, 1)

	a.Fetched(c1[0])

	_, assigned, fetched, _ := a.Counts()
	require.Equal(1, fetched)
	require.Equal(0, assigned)
	require.ElementsMatch([]core.PeerID{p1, p2}, a.pieces[0].assignedTo[0])
}
