package peermanager

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
)

func TestAddPeersDedupsExactRepeats(t *testing.T) {
	require := require.New(t)

	m := New(clock.NewMock())
	m.AddPeers([]collab.PeerAddr{{IP: "1.2.3.4", Port: 80}, {IP: "1.2.3.4", Port: 80}})
	require.Len(m.candidates, 1)
}

func TestNextCandidateSkipsBadPeers(t *testing.T) {
	require := require.New(t)

	m := New(clock.NewMock())
	pid, err := core.RandomPeerID()
	require.NoError(err)

	m.AddPeers([]collab.PeerAddr{{IP: "1.2.3.4", Port: 80}})
	m.EnterBadPeer("1.2.3.4", 80, pid)
	m.EnterBadPeer("1.2.3.4", 80, pid)
	m.EnterBadPeer("1.2.3.4", 80, pid)

	_, ok := m.NextCandidate(1)
	require.False(ok)
}

func TestNextCandidateSkipsAlreadyConnected(t *testing.T) {
	require := require.New(t)

	m := New(clock.NewMock())
	peer := collab.PeerAddr{IP: "1.2.3.4", Port: 80}
	m.AddPeers([]collab.PeerAddr{peer})
	m.MarkConnected(1, peer)

	_, ok := m.NextCandidate(1)
	require.False(ok)
}

func TestSweepBadPeersPurgesExpiredEntries(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := New(clk)
	pid, err := core.RandomPeerID()
	require.NoError(err)

	m.EnterBadPeer("1.2.3.4", 80, pid)
	require.Equal(1, m.Offenses("1.2.3.4", 80))

	clk.Add(graceWindow + time.Second)
	m.SweepBadPeers()
	require.Equal(0, m.Offenses("1.2.3.4", 80))
}
