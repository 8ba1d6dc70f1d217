// Package peermanager implements the peer manager (C11): candidate
// dedup, a bad-peer cooldown table, and spare-slot filling. Grounded on
// the prxssh-rabbit reference's Manager (dial semaphore, dedup map,
// heartbeat) combined with lib/torrent/scheduler/connstate.State's
// blacklistEntry{expiration}/Blacklisted(now) pattern for the cooldown
// table itself.
package peermanager

import (
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"

	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
)

// graceWindow is how long a bad-peer offense is remembered, per §3.
const graceWindow = 900 * time.Second

// sweepInterval is how often expired bad-peer entries are purged, per §3
// and §4.11.
const sweepInterval = 120 * time.Second

// maxOffenses is the offense count above which a candidate is skipped, per
// §4.11.
const maxOffenses = 2

// addr is a (ip, port) candidate key.
type addr struct {
	ip   string
	port int
}

// connKey dedups an active connection by (ip, port, torrent_id).
type connKey struct {
	addr
	torrentID int
}

type badPeerEntry struct {
	offenses    int
	lastOffense time.Time
	lastPeerID  core.PeerID
}

// Manager is the peer manager.
type Manager struct {
	mu sync.Mutex

	clk clock.Clock
	rnd *rand.Rand

	candidates []addr
	connected  map[connKey]bool
	badPeers   map[addr]*badPeerEntry
}

// New creates a Manager.
func New(clk clock.Clock) *Manager {
	return &Manager{
		clk:       clk,
		rnd:       rand.New(rand.NewSource(1)),
		connected: make(map[connKey]bool),
		badPeers:  make(map[addr]*badPeerEntry),
	}
}

// AddPeers merges peers into the shuffled candidate list, deduplicating
// exact (ip,port) repeats, per §4.11.
func (m *Manager) AddPeers(peers []collab.PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[addr]bool, len(m.candidates))
	for _, c := range m.candidates {
		seen[c] = true
	}
	for _, p := range peers {
		a := addr{ip: p.IP, port: p.Port}
		if seen[a] {
			continue
		}
		seen[a] = true
		m.candidates = append(m.candidates, a)
	}
	m.rnd.Shuffle(len(m.candidates), func(i, j int) {
		m.candidates[i], m.candidates[j] = m.candidates[j], m.candidates[i]
	})
}

// NextCandidate pops one candidate eligible for connection to torrentID:
// not in the bad-peer table with offenses > maxOffenses, and not already
// connected for this torrent. Returns false if no eligible candidate
// remains.
func (m *Manager) NextCandidate(torrentID int) (collab.PeerAddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	for len(m.candidates) > 0 {
		a := m.candidates[0]
		m.candidates = m.candidates[1:]

		if bp, ok := m.badPeers[a]; ok && bp.offenses > maxOffenses && now.Sub(bp.lastOffense) < graceWindow {
			continue
		}
		key := connKey{addr: a, torrentID: torrentID}
		if m.connected[key] {
			continue
		}
		return collab.PeerAddr{IP: a.ip, Port: a.port}, true
	}
	return collab.PeerAddr{}, false
}

// MarkConnected records that torrentID now holds an active connection to
// peer, for future dedup.
func (m *Manager) MarkConnected(torrentID int, peer collab.PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected[connKey{addr: addr{ip: peer.IP, port: peer.Port}, torrentID: torrentID}] = true
}

// ConnectedCount reports how many active connections torrentID currently
// holds, so a connector can decide how many spare slots are left to fill.
func (m *Manager) ConnectedCount(torrentID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.connected {
		if k.torrentID == torrentID {
			n++
		}
	}
	return n
}

// DialBackoff returns the retry policy an outbound connector should use
// when redialing a candidate that's failing to connect: exponential from
// 1s up to 30s, giving up after 2 minutes so one unreachable candidate
// doesn't tie up a fill attempt indefinitely.
func DialBackoff(clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	b.Clock = clk
	return b
}

// MarkDisconnected releases the dedup entry for peer on torrentID.
func (m *Manager) MarkDisconnected(torrentID int, peer collab.PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connected, connKey{addr: addr{ip: peer.IP, port: peer.Port}, torrentID: torrentID})
}

// EnterBadPeer increments peer's offense count, per §4.11.
func (m *Manager) EnterBadPeer(ip string, port int, peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := addr{ip: ip, port: port}
	e, ok := m.badPeers[a]
	if !ok {
		e = &badPeerEntry{}
		m.badPeers[a] = e
	}
	e.offenses++
	e.lastOffense = m.clk.Now()
	e.lastPeerID = peerID
}

// Offenses returns the current offense count for (ip,port), for
// diagnostics and tests.
func (m *Manager) Offenses(ip string, port int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.badPeers[addr{ip: ip, port: port}]; ok {
		return e.offenses
	}
	return 0
}

// SweepBadPeers purges entries whose last offense is older than
// graceWindow. Intended to run every sweepInterval per §3/§4.11.
func (m *Manager) SweepBadPeers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	for a, e := range m.badPeers {
		if now.Sub(e.lastOffense) >= graceWindow {
			delete(m.badPeers, a)
		}
	}
}

// SweepInterval exposes the configured sweep period for callers wiring up
// their own ticker.
func SweepInterval() time.Duration { return sweepInterval }
