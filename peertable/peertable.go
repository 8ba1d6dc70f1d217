// Package peertable implements the process-wide peer state table (C3): per
// (torrent, peer) choke/interest/snub flags and rate meters, with
// snapshot-oriented reads so the choker never blocks a session's control
// task.
package peertable

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/ratemeter"
)

// snubAfter is how long without a piece payload before a peer is snubbed.
const snubAfter = 30 * time.Second

// Key identifies one row: a peer within one torrent's swarm.
type Key struct {
	TorrentID int
	PeerID    core.PeerID
}

// Snapshot is a point-in-time, lock-free copy of one peer's state.
type Snapshot struct {
	Key

	LocalChoke     bool
	RemoteChoke    bool
	LocalInterest  bool
	RemoteInterest bool
	Snubbed        bool

	SendRate float64
	RecvRate float64

	LastReceive time.Time
}

type row struct {
	localChoke     bool
	remoteChoke    bool
	localInterest  bool
	remoteInterest bool

	lastReceive time.Time

	send *ratemeter.Meter
	recv *ratemeter.Meter
}

// Table is the peer state table.
type Table struct {
	mu   sync.RWMutex
	clk  clock.Clock
	rows map[Key]*row
}

// New creates an empty Table.
func New(clk clock.Clock) *Table {
	return &Table{clk: clk, rows: make(map[Key]*row)}
}

// Add registers a new peer row with the initial post-handshake state from
// §4.5: we_choke_them=true, we_interest_them=false, they_choke_us=true,
// they_interest_us=false.
func (t *Table) Add(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[k] = &row{
		localChoke:  true,
		remoteChoke: true,
		lastReceive: t.clk.Now(),
		send:        ratemeter.New(t.clk),
		recv:        ratemeter.New(t.clk),
	}
}

// Remove deletes a peer row, e.g. on session teardown.
func (t *Table) Remove(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, k)
}

// SetLocalChoke sets whether we choke this peer.
func (t *Table) SetLocalChoke(k Key, choked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rows[k]; ok {
		r.localChoke = choked
	}
}

// SetRemoteChoke records whether this peer chokes us.
func (t *Table) SetRemoteChoke(k Key, choked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rows[k]; ok {
		r.remoteChoke = choked
	}
}

// SetLocalInterest sets whether we are interested in this peer.
func (t *Table) SetLocalInterest(k Key, interested bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rows[k]; ok {
		r.localInterest = interested
	}
}

// SetRemoteInterest records whether this peer is interested in us.
func (t *Table) SetRemoteInterest(k Key, interested bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rows[k]; ok {
		r.remoteInterest = interested
	}
}

// RecordSent updates the send-rate meter by n bytes.
func (t *Table) RecordSent(k Key, n int64) {
	t.mu.RLock()
	r, ok := t.rows[k]
	t.mu.RUnlock()
	if ok {
		r.send.Update(n)
	}
}

// RecordReceived updates the recv-rate meter by n bytes, and — if n
// represents piece payload rather than protocol overhead — refreshes the
// snub clock per §4.3/§4.5.
func (t *Table) RecordReceived(k Key, n int64, isPiecePayload bool) {
	t.mu.Lock()
	r, ok := t.rows[k]
	if ok && isPiecePayload {
		r.lastReceive = t.clk.Now()
	}
	t.mu.Unlock()
	if ok {
		r.recv.Update(n)
	}
}

// Get returns a Snapshot of one row.
func (t *Table) Get(k Key) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[k]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshotLocked(k, r), true
}

// SnapshotTorrent returns a full, consistent snapshot of every peer row for
// torrentID, suitable for the choker's periodic rechoke pass.
func (t *Table) SnapshotTorrent(torrentID int) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Snapshot
	for k, r := range t.rows {
		if k.TorrentID != torrentID {
			continue
		}
		out = append(out, t.snapshotLocked(k, r))
	}
	return out
}

func (t *Table) snapshotLocked(k Key, r *row) Snapshot {
	now := t.clk.Now()
	return Snapshot{
		Key:            k,
		LocalChoke:     r.localChoke,
		RemoteChoke:    r.remoteChoke,
		LocalInterest:  r.localInterest,
		RemoteInterest: r.remoteInterest,
		Snubbed:        now.Sub(r.lastReceive) >= snubAfter,
		SendRate:       r.send.Rate(),
		RecvRate:       r.recv.Rate(),
		LastReceive:    r.lastReceive,
	}
}
