package choke

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/rkrishnan/swarmd/core"
)

func peerID(t *testing.T) core.PeerID {
	p, err := core.RandomPeerID()
	require.NoError(t, err)
	return p
}

func TestTopKLeechersByRate(t *testing.T) {
	require := require.New(t)

	fast, mid, slow := peerID(t), peerID(t), peerID(t)
	c := New(Config{MaxUploadSlots: 2, MinUploadSlots: 1}, clock.NewMock())

	candidates := []Candidate{
		{PeerID: fast, Kind: KindLeecher, Interested: true, RecvRate: 1 << 20},
		{PeerID: mid, Kind: KindLeecher, Interested: true, RecvRate: 500 << 10},
		{PeerID: slow, Kind: KindLeecher, Interested: true, RecvRate: 1 << 10},
	}

	decisions := c.Rechoke(candidates, false)
	unchoked := toSet(decisions)

	require.True(unchoked[fast])
	require.True(unchoked[mid])
	// slow may or may not be unchoked depending on optimistic rotation,
	// but is never unchoked via the rate-ranked preferred set alone when
	// the optimistic slot hasn't been granted to it.
}

func TestChokerCapNeverExceedsMaxPlusOptimistic(t *testing.T) {
	require := require.New(t)

	c := New(Config{MaxUploadSlots: 2, MinUploadSlots: 1}, clock.NewMock())
	var candidates []Candidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, Candidate{
			PeerID:     peerID(t),
			Kind:       KindLeecher,
			Interested: true,
			RecvRate:   float64(10 - i),
		})
	}

	decisions := c.Rechoke(candidates, false)
	unchoked := 0
	for _, d := range decisions {
		if d.Unchoke {
			unchoked++
		}
	}
	require.LessOrEqual(unchoked, 2+1) // max_upload_slots + optimistic_slots floor
}

func TestNotInterestedPeersAreNeverPreferred(t *testing.T) {
	require := require.New(t)

	notInterested := peerID(t)
	c := New(Config{MaxUploadSlots: 5, MinUploadSlots: 1}, clock.NewMock())

	decisions := c.Rechoke([]Candidate{
		{PeerID: notInterested, Kind: KindLeecher, Interested: false, RecvRate: 1 << 30},
	}, false)

	require.False(toSet(decisions)[notInterested])
}

func TestOptimisticRotationAdvancesEveryThreeRounds(t *testing.T) {
	require := require.New(t)

	a, b, cpeer := peerID(t), peerID(t), peerID(t)
	c := New(Config{MaxUploadSlots: 0, MaxUploadRateKBps: -1, MinUploadSlots: 1}, clock.NewMock())
	c.InsertPeer(a)
	c.InsertPeer(b)
	c.InsertPeer(cpeer)

	candidates := []Candidate{
		{PeerID: a, Kind: KindLeecher, Interested: true},
		{PeerID: b, Kind: KindLeecher, Interested: true},
		{PeerID: cpeer, Kind: KindLeecher, Interested: true},
	}

	var lastHead core.PeerID
	for i := 0; i < 3; i++ {
		advance := c.RoundElapsed()
		c.Rechoke(candidates, advance)
		if advance {
			head, ok := c.currentOptimisticHead()
			require.True(ok)
			lastHead = head
		}
	}
	require.NotEqual(core.PeerID{}, lastHead)
}

func TestAutoMaxUploadSlotsPinnedValues(t *testing.T) {
	require := require.New(t)

	require.Equal(7, AutoMaxUploadSlots(0))
	require.Equal(7, AutoMaxUploadSlots(-5))
	require.Equal(2, AutoMaxUploadSlots(5))
	require.Equal(3, AutoMaxUploadSlots(10))
	require.Equal(4, AutoMaxUploadSlots(20))
}

func toSet(decisions []Decision) map[core.PeerID]bool {
	out := make(map[core.PeerID]bool, len(decisions))
	for _, d := range decisions {
		out[d.PeerID] = d.Unchoke
	}
	return out
}
