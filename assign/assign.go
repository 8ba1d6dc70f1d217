// Package assign implements the chunk assigner (C6), pending tracker (C7)
// and endgame engine (C8) as one unit, since §4.8 states the endgame engine
// shares state with the assigner. It generalizes
// lib/torrent/scheduler/dispatch/piecerequest.Manager and its rarest-first
// selection policy from whole-piece granularity to chunk
// (piece, offset, length) granularity, and turns the manager's existing
// (normally-disabled) allowDuplicates path into the always-on behavior of
// endgame mode.
package assign

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"

	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/utils/heap"
	"github.com/rkrishnan/swarmd/utils/syncutil"
)

// chunkSize is the wire-request convention of §3: chunks are at most 2^14
// bytes.
const chunkSize = 1 << 14

// defaultReplicationFactor is how many peers endgame keeps a not-yet-stored
// chunk requested from, per §4.8.
const defaultReplicationFactor = 2

// ChunkID identifies one chunk within a torrent.
type ChunkID struct {
	Piece  int
	Offset uint32
	Length uint32
}

func (c ChunkID) String() string {
	return fmt.Sprintf("chunk(piece=%d,offset=%d,length=%d)", c.Piece, c.Offset, c.Length)
}

type chunkState int

const (
	stateFree chunkState = iota
	stateAssigned
	stateFetched
	stateStored
)

// Mode is the assigner's chunk-assignment mode, mirroring registry.Mode.
type Mode int

// Modes.
const (
	ModeProgress Mode = iota
	ModeEndgame
)

type pieceChunks struct {
	length     uint32 // this piece's total byte length (last piece may be short)
	states     []chunkState
	assignedTo [][]core.PeerID // per chunk index, the peers it is assigned to
}

func newPieceChunks(length uint32) *pieceChunks {
	n := numChunks(length)
	return &pieceChunks{
		length:     length,
		states:     make([]chunkState, n),
		assignedTo: make([][]core.PeerID, n),
	}
}

func numChunks(pieceLength uint32) int {
	return int((pieceLength + chunkSize - 1) / chunkSize)
}

func chunkLength(pieceLength uint32, chunkIdx int) uint32 {
	off := uint32(chunkIdx) * chunkSize
	if off+chunkSize > pieceLength {
		return pieceLength - off
	}
	return chunkSize
}

// Assigner is the per-torrent chunk-assignment state: the sole writer of
// chunk state for its torrent, per §5's shared-resource policy.
type Assigner struct {
	mu sync.Mutex

	replicationFactor int

	pieces []*pieceChunks
	// numPeersByPiece tracks global peer availability per piece, used for
	// rarest-first ranking; incremented/decremented as peer bitfields and
	// `have` messages arrive.
	numPeersByPiece syncutil.Counters

	// pending is the per-peer ordered set of outstanding chunk requests
	// (C7), used to reclaim work when a peer session dies.
	pending map[core.PeerID][]ChunkID

	freeCount   int
	storedCount int

	mode Mode
}

// New creates an Assigner for a torrent with the given per-piece lengths
// (pieceLengths[i] is the byte length of piece i; only the last entry is
// expected to be shorter than the rest).
func New(pieceLengths []uint32) *Assigner {
	a := &Assigner{
		replicationFactor: defaultReplicationFactor,
		pieces:            make([]*pieceChunks, len(pieceLengths)),
		numPeersByPiece:   syncutil.NewCounters(len(pieceLengths)),
		pending:           make(map[core.PeerID][]ChunkID),
	}
	for i, length := range pieceLengths {
		a.pieces[i] = newPieceChunks(length)
		a.freeCount += len(a.pieces[i].states)
	}
	return a
}

// Mode returns the assigner's current mode.
func (a *Assigner) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// AddPeerAvailability increments the availability counter for every piece
// set in have, e.g. on receipt of a peer's bitfield.
func (a *Assigner) AddPeerAvailability(have *bitset.BitSet) {
	for i, e := have.NextSet(0); e; i, e = have.NextSet(i + 1) {
		if int(i) < a.numPeersByPiece.Len() {
			a.numPeersByPiece.Increment(int(i))
		}
	}
}

// RemovePeerAvailability decrements the availability counter for every
// piece set in have, e.g. when a peer session is dropped.
func (a *Assigner) RemovePeerAvailability(have *bitset.BitSet) {
	for i, e := have.NextSet(0); e; i, e = have.NextSet(i + 1) {
		if int(i) < a.numPeersByPiece.Len() {
			a.numPeersByPiece.Decrement(int(i))
		}
	}
}

// HaveOne increments the availability counter for a single piece, e.g. on
// receipt of an incoming `have` message.
func (a *Assigner) HaveOne(piece int) {
	if piece >= 0 && piece < a.numPeersByPiece.Len() {
		a.numPeersByPiece.Increment(piece)
	}
}

// Request selects up to n chunks for peerID, restricted to pieces present
// in peerHas, per §4.6's rarest-first selection policy. Outside endgame it
// returns only currently-free chunks; in endgame it may return chunks
// already assigned elsewhere, duplicating the request.
func (a *Assigner) Request(peerID core.PeerID, peerHas *bitset.BitSet, n int) []ChunkID {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= 0 {
		return nil
	}

	if a.mode == ModeEndgame {
		return a.requestEndgameLocked(peerID, peerHas, n)
	}
	return a.requestProgressLocked(peerID, peerHas, n)
}

func (a *Assigner) requestProgressLocked(peerID core.PeerID, peerHas *bitset.BitSet, n int) []ChunkID {
	candidates := a.rankPiecesLocked(peerHas)

	var out []ChunkID
	for _, item := range candidates {
		if len(out) >= n {
			break
		}
		pieceIdx := item.Value.(int)
		pc := a.pieces[pieceIdx]
		for ci := range pc.states {
			if len(out) >= n {
				break
			}
			if pc.states[ci] != stateFree {
				continue
			}
			pc.states[ci] = stateAssigned
			pc.assignedTo[ci] = []core.PeerID{peerID}
			a.freeCount--
			chunk := ChunkID{Piece: pieceIdx, Offset: uint32(ci) * chunkSize, Length: chunkLength(pc.length, ci)}
			out = append(out, chunk)
			a.pending[peerID] = append(a.pending[peerID], chunk)
		}
	}

	if a.freeCount == 0 && a.storedCount < a.totalChunksLocked() {
		a.mode = ModeEndgame
	}
	return out
}

// requestEndgameLocked picks additional eligible peers for not-yet-stored
// chunks that are requested from fewer than replicationFactor peers,
// duplicating assignments across peers per §4.8.
func (a *Assigner) requestEndgameLocked(peerID core.PeerID, peerHas *bitset.BitSet, n int) []ChunkID {
	var out []ChunkID
	for pieceIdx, pc := range a.pieces {
		if len(out) >= n {
			break
		}
		if !bitSetHas(peerHas, pieceIdx) {
			continue
		}
		for ci := range pc.states {
			if len(out) >= n {
				break
			}
			if pc.states[ci] == stateStored {
				continue
			}
			if alreadyAssignedTo(pc.assignedTo[ci], peerID) {
				continue
			}
			if len(pc.assignedTo[ci]) >= a.replicationFactor {
				continue
			}
			pc.states[ci] = stateAssigned
			pc.assignedTo[ci] = append(pc.assignedTo[ci], peerID)
			chunk := ChunkID{Piece: pieceIdx, Offset: uint32(ci) * chunkSize, Length: chunkLength(pc.length, ci)}
			out = append(out, chunk)
			a.pending[peerID] = append(a.pending[peerID], chunk)
		}
	}
	return out
}

func alreadyAssignedTo(peers []core.PeerID, peerID core.PeerID) bool {
	for _, p := range peers {
		if p == peerID {
			return true
		}
	}
	return false
}

func bitSetHas(b *bitset.BitSet, i int) bool {
	if b == nil {
		return false
	}
	return b.Test(uint(i))
}

// rankPiecesLocked returns, for every piece peerHas advertises that still
// has a free chunk, a min-heap item prioritized by ascending global
// availability (rarest first), tie-broken by piece index, which is folded
// into the priority as the low-order term.
func (a *Assigner) rankPiecesLocked(peerHas *bitset.BitSet) []*heap.Item {
	var items []*heap.Item
	for i, pc := range a.pieces {
		if !bitSetHas(peerHas, i) {
			continue
		}
		if !pieceHasFree(pc) {
			continue
		}
		items = append(items, &heap.Item{Value: i, Priority: a.numPeersByPiece.Get(i)*len(a.pieces) + i})
	}
	pq := heap.NewPriorityQueue(items...)
	ordered := make([]*heap.Item, 0, len(items))
	for pq.Len() > 0 {
		it, err := pq.Pop()
		if err != nil {
			break
		}
		ordered = append(ordered, it)
	}
	return ordered
}

func pieceHasFree(pc *pieceChunks) bool {
	for _, s := range pc.states {
		if s == stateFree {
			return true
		}
	}
	return false
}

func (a *Assigner) totalChunksLocked() int {
	total := 0
	for _, pc := range a.pieces {
		total += len(pc.states)
	}
	return total
}

// Dropped returns every chunk assigned to peerID back to free (outside
// endgame) or simply de-lists peerID from the chunks it held (in endgame),
// per §4.6/property 3, and clears its pending set.
func (a *Assigner) Dropped(peerID core.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.pending[peerID] {
		pc := a.pieces[c.Piece]
		ci := int(c.Offset / chunkSize)
		if ci >= len(pc.states) {
			continue
		}
		pc.assignedTo[ci] = removePeer(pc.assignedTo[ci], peerID)
		if a.mode == ModeProgress {
			if pc.states[ci] == stateAssigned || pc.states[ci] == stateFetched {
				pc.states[ci] = stateFree
				a.freeCount++
			}
		} else if len(pc.assignedTo[ci]) == 0 && pc.states[ci] == stateAssigned {
			// No peer holds this chunk anymore even in endgame; it becomes
			// eligible for re-request on the next Request call since
			// requestEndgameLocked only checks replication count and
			// per-peer membership, both satisfied once the list is empty.
		}
	}
	delete(a.pending, peerID)
}

func removePeer(peers []core.PeerID, peerID core.PeerID) []core.PeerID {
	out := peers[:0]
	for _, p := range peers {
		if p != peerID {
			out = append(out, p)
		}
	}
	return out
}

// Fetched marks chunk as fetched (bytes received, not yet durably stored).
// No other peer's assignment is touched, per §4.6.
func (a *Assigner) Fetched(c ChunkID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.Piece < 0 || c.Piece >= len(a.pieces) {
		return
	}
	pc := a.pieces[c.Piece]
	ci := int(c.Offset / chunkSize)
	if ci >= len(pc.states) {
		return
	}
	if pc.states[ci] == stateAssigned {
		pc.states[ci] = stateFetched
	}
}

// StoredResult describes the effect of a Stored call: which other peers
// (if any, only possible in endgame) must now be sent a cancel for c, and
// whether c was the last chunk of its piece to be stored.
type StoredResult struct {
	CancelPeers []core.PeerID
	PieceStored bool
}

// Stored marks chunk as durably stored. In endgame, every other peer still
// holding an assignment for c is returned so the caller can send them
// `cancel`, per §4.6/§4.8/property E6.
func (a *Assigner) Stored(c ChunkID, byPeer core.PeerID) StoredResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.Piece < 0 || c.Piece >= len(a.pieces) {
		return StoredResult{}
	}
	pc := a.pieces[c.Piece]
	ci := int(c.Offset / chunkSize)
	if ci >= len(pc.states) {
		return StoredResult{}
	}

	wasStored := pc.states[ci] == stateStored
	var result StoredResult
	if a.mode == ModeEndgame {
		for _, p := range pc.assignedTo[ci] {
			if p != byPeer {
				result.CancelPeers = append(result.CancelPeers, p)
			}
		}
	}

	if !wasStored {
		pc.states[ci] = stateStored
		pc.assignedTo[ci] = nil
		a.storedCount++
	}

	result.PieceStored = pieceFullyStored(pc)
	return result
}

func pieceFullyStored(pc *pieceChunks) bool {
	for _, s := range pc.states {
		if s != stateStored {
			return false
		}
	}
	return true
}

// Counts returns the (free, assigned, fetched, stored) chunk counts across
// the whole torrent, for property 1 (chunk conservation) and diagnostics.
func (a *Assigner) Counts() (free, assigned, fetched, stored int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.pieces {
		for _, s := range pc.states {
			switch s {
			case stateFree:
				free++
			case stateAssigned:
				assigned++
			case stateFetched:
				fetched++
			case stateStored:
				stored++
			}
		}
	}
	return
}
