// Package choke implements the tit-for-tat choking algorithm (C9): a
// periodic rechoke that ranks peers by observed rate, splits an upload
// slot budget between leechers and seeders, and rotates one optimistic
// slot independent of rate. Grounded on the teacher's periodic-tick loop
// shape (lib/torrent/scheduler.go's tickerLoop/preemptionTick) for the
// round structure, combined with the rate-EMA peer-state conventions of
// the prxssh-rabbit reference for the ranking input, since kraken's own
// connstate package has no choke/unchoke concept.
package choke

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/rkrishnan/swarmd/core"
)

// defaultRoundTime is the rechoke period, per §4.9.
const defaultRoundTime = 10 * time.Second

// rotateEveryRounds advances the optimistic chain once every this many
// rounds, per §4.9 step 10.
const rotateEveryRounds = 3

// Config controls the choker's slot budgeting.
type Config struct {
	// RoundTime is the configured rechoke period. The engine's rechoke loop
	// ticks at its own fixed interval and does not read it.
	RoundTime time.Duration `yaml:"round_time"`

	// MaxUploadSlots, if 0, is computed from MaxUploadRateKBps via the
	// "auto" formula of §4.9 step 4.
	MaxUploadSlots int `yaml:"max_upload_slots"`

	// MaxUploadRateKBps feeds the auto max-upload-slots formula.
	MaxUploadRateKBps int `yaml:"max_upload_rate_kbps"`

	// MinUploadSlots floors the optimistic slot count, per §4.9 step 7.
	MinUploadSlots int `yaml:"min_upload_slots"`
}

func (c *Config) applyDefaults() {
	if c.RoundTime == 0 {
		c.RoundTime = defaultRoundTime
	}
	if c.MinUploadSlots == 0 {
		c.MinUploadSlots = 1
	}
}

// PeerKind distinguishes which side of the torrent a peer is on.
type PeerKind int

// Peer kinds.
const (
	KindLeecher PeerKind = iota // we are downloading from them
	KindSeeder                  // we have the torrent, they want it
)

// Candidate is one peer's state as handed to Rechoke, a snapshot joining
// peertable state with the torrent's derived leecher/seeder kind.
type Candidate struct {
	PeerID     core.PeerID
	Kind       PeerKind
	Interested bool // they are interested in us
	Snubbed    bool // they have snubbed us (progress)
	SendRate   float64
	RecvRate   float64
}

// Decision is the choker's verdict for one peer.
type Decision struct {
	PeerID  core.PeerID
	Unchoke bool
}

// Choker runs the periodic rechoke and owns the optimistic rotation ring.
type Choker struct {
	config Config
	clk    clock.Clock
	rand   *rand.Rand

	ring       []core.PeerID
	ringHead   int
	roundCount int
}

// New creates a Choker.
func New(config Config, clk clock.Clock) *Choker {
	config.applyDefaults()
	return &Choker{
		config: config,
		clk:    clk,
		rand:   rand.New(rand.NewSource(1)),
	}
}

// AutoMaxUploadSlots computes max_upload_slots from a upload rate in
// KB/s, per §4.9 step 4's pinned small-rate values and
// round(sqrt(rate*0.8)) otherwise.
func AutoMaxUploadSlots(maxUploadRateKBps int) int {
	switch {
	case maxUploadRateKBps <= 0:
		return 7
	case maxUploadRateKBps < 9:
		return 2
	case maxUploadRateKBps < 15:
		return 3
	case maxUploadRateKBps < 42:
		return 4
	default:
		return int(math.Round(math.Sqrt(float64(maxUploadRateKBps) * 0.8)))
	}
}

// InsertPeer adds a newly joined peer to the optimistic rotation ring at a
// uniformly random position, per §4.9 step 10/§9's cyclic-chain design note.
func (c *Choker) InsertPeer(peerID core.PeerID) {
	if len(c.ring) == 0 {
		c.ring = append(c.ring, peerID)
		return
	}
	pos := c.rand.Intn(len(c.ring) + 1)
	c.ring = append(c.ring, core.PeerID{})
	copy(c.ring[pos+1:], c.ring[pos:])
	c.ring[pos] = peerID
	if pos <= c.ringHead {
		c.ringHead++
	}
}

// RemovePeer removes a departed peer from the ring.
func (c *Choker) RemovePeer(peerID core.PeerID) {
	for i, p := range c.ring {
		if p == peerID {
			c.ring = append(c.ring[:i], c.ring[i+1:]...)
			if i < c.ringHead {
				c.ringHead--
			}
			if c.ringHead >= len(c.ring) {
				c.ringHead = 0
			}
			return
		}
	}
}

// maxUploadSlots resolves the configured or auto-derived slot count.
func (c *Choker) maxUploadSlots() int {
	if c.config.MaxUploadSlots > 0 {
		return c.config.MaxUploadSlots
	}
	return AutoMaxUploadSlots(c.config.MaxUploadRateKBps)
}

// Rechoke runs one round of §4.9's algorithm over candidates and returns a
// Decision per candidate. advanceOptimistic should be true once every
// rotateEveryRounds calls (RoundElapsed keeps that round counter; a
// caller invoking Rechoke directly for an immediate out-of-band rechoke
// per §4.9's last paragraph should normally pass false).
func (c *Choker) Rechoke(candidates []Candidate, advanceOptimistic bool) []Decision {
	maxSlots := c.maxUploadSlots()

	eligible := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if !cand.Interested || cand.Snubbed {
			continue
		}
		eligible = append(eligible, cand)
	}

	var leechers, seeders []Candidate
	for _, cand := range eligible {
		if cand.Kind == KindLeecher {
			leechers = append(leechers, cand)
		} else {
			seeders = append(seeders, cand)
		}
	}
	sort.Slice(leechers, func(i, j int) bool { return leechers[i].RecvRate > leechers[j].RecvRate })
	sort.Slice(seeders, func(i, j int) bool { return seeders[i].SendRate > seeders[j].SendRate })

	d := maxInt(1, roundInt(float64(maxSlots)*0.7))
	s := maxInt(1, roundInt(float64(maxSlots)*0.3))

	// Surplus shuttles between groups when one has fewer eligible peers
	// than its slot budget, per §4.9 step 5.
	if d > len(leechers) {
		s += d - len(leechers)
		d = len(leechers)
	}
	if s > len(seeders) {
		d += s - len(seeders)
		s = len(seeders)
	}
	if d > len(leechers) {
		d = len(leechers)
	}
	if s > len(seeders) {
		s = len(seeders)
	}

	preferred := make(map[core.PeerID]bool)
	for i := 0; i < d; i++ {
		preferred[leechers[i].PeerID] = true
	}
	for i := 0; i < s; i++ {
		preferred[seeders[i].PeerID] = true
	}

	optimisticSlots := maxInt(c.config.MinUploadSlots, maxSlots-len(preferred))

	unchoked := make(map[core.PeerID]bool, len(preferred))
	for p := range preferred {
		unchoked[p] = true
	}

	// Step 9: among non-preferred peers, seeding-side peers are always
	// choked; leeching-side interested peers fill the optimistic budget in
	// ranked order (already sorted by RecvRate above).
	filled := 0
	for _, cand := range leechers {
		if filled >= optimisticSlots {
			break
		}
		if preferred[cand.PeerID] {
			continue
		}
		unchoked[cand.PeerID] = true
		filled++
	}

	if advanceOptimistic {
		c.advanceOptimisticLocked(eligible, unchoked)
	}
	// The ring head, once advanced, is unchoked regardless of rate.
	if head, ok := c.currentOptimisticHead(); ok {
		if eligibleContains(eligible, head) {
			unchoked[head] = true
		}
	}

	decisions := make([]Decision, 0, len(candidates))
	for _, cand := range candidates {
		decisions = append(decisions, Decision{PeerID: cand.PeerID, Unchoke: unchoked[cand.PeerID]})
	}
	return decisions
}

func eligibleContains(eligible []Candidate, id core.PeerID) bool {
	for _, c := range eligible {
		if c.PeerID == id {
			return true
		}
	}
	return false
}

// currentOptimisticHead returns the peer at the ring head, if any.
func (c *Choker) currentOptimisticHead() (core.PeerID, bool) {
	if len(c.ring) == 0 {
		return core.PeerID{}, false
	}
	return c.ring[c.ringHead], true
}

// advanceOptimisticLocked rotates the ring head forward by one
// skip-eligible entry: peers not interested, or already unchoked this round
// (preferred set or optimistic budget), are skipped, per §4.9 step 10.
func (c *Choker) advanceOptimisticLocked(eligible []Candidate, alreadyUnchoked map[core.PeerID]bool) {
	if len(c.ring) == 0 {
		return
	}
	interested := make(map[core.PeerID]bool, len(eligible))
	for _, cand := range eligible {
		interested[cand.PeerID] = true
	}

	for i := 0; i < len(c.ring); i++ {
		c.ringHead = (c.ringHead + 1) % len(c.ring)
		candidate := c.ring[c.ringHead]
		if !interested[candidate] {
			continue
		}
		if alreadyUnchoked[candidate] {
			continue
		}
		return
	}
}

// RoundElapsed increments the round counter and reports whether this round
// should advance the optimistic rotation (every rotateEveryRounds calls).
func (c *Choker) RoundElapsed() bool {
	c.roundCount++
	return c.roundCount%rotateEveryRounds == 0
}

func roundInt(f float64) int {
	return int(math.Round(f))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
