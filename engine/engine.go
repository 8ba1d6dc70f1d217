// Package engine implements the top-level orchestrator tying the peer-swarm
// core together: it owns the registry, peer table, peer manager, and the
// per-torrent assigner/choker pair, and drives the listener/connector,
// periodic rechoke, and bad-peer sweep loops. Grounded directly on
// lib/torrent/scheduler/scheduler.go's struct/constructor/start/stop shape:
// a single orchestrator struct holding every collaborator, a config struct
// of sub-configs, ticker-driven background loops, and a done channel plus
// WaitGroup for shutdown.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/rkrishnan/swarmd/assign"
	"github.com/rkrishnan/swarmd/choke"
	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/netio"
	"github.com/rkrishnan/swarmd/peermanager"
	"github.com/rkrishnan/swarmd/peertable"
	"github.com/rkrishnan/swarmd/registry"
	"github.com/rkrishnan/swarmd/session"
	"github.com/rkrishnan/swarmd/utils/bandwidth"
	"github.com/rkrishnan/swarmd/utils/log"
	"github.com/rkrishnan/swarmd/wire/peerwire"
)

// rechokeInterval mirrors choke.Config's own default round time; the engine
// ticks its own loop at this period rather than reaching into the Choker's
// unexported config to stay decoupled from its internals.
const rechokeInterval = 10 * time.Second

// fillInterval is how often the outbound connector tops up spare peer
// slots from the peer manager's candidate list.
const fillInterval = 15 * time.Second

// defaultMaxPeersPerTorrent caps outbound connector fan-out when
// Config.MaxPeersPerTorrent is left at its zero value.
const defaultMaxPeersPerTorrent = 50

// Config aggregates every sub-component's configuration, following the
// teacher's scheduler.Config/Config-of-Configs convention.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Choke     choke.Config     `yaml:"choke"`
	Session   session.Config   `yaml:"session"`
	Log       log.Config       `yaml:"log"`
	Bandwidth bandwidth.Config `yaml:"bandwidth"`

	// MaxUploadRate overrides Choke.MaxUploadRateKBps with a human-writable
	// size, e.g. "max_upload_rate: 200KB" in yaml, per the choker's
	// auto-slots formula (choke.AutoMaxUploadSlots).
	MaxUploadRate datasize.ByteSize `yaml:"max_upload_rate"`

	// MaxPeersPerTorrent caps how many outbound connections the connector
	// fill loop keeps open per torrent.
	MaxPeersPerTorrent int `yaml:"max_peers_per_torrent"`
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":6881"
	}
	if c.MaxUploadRate > 0 {
		c.Choke.MaxUploadRateKBps = int(c.MaxUploadRate / datasize.KB)
	}
	if c.MaxPeersPerTorrent == 0 {
		c.MaxPeersPerTorrent = defaultMaxPeersPerTorrent
	}
}

// Collaborators bundles the externally-owned dependencies the engine treats
// as opaque, per §6.
type Collaborators struct {
	FileIO  collab.FileIO
	Tracker collab.TrackerClient
	Events  collab.EventBus // may be nil
	DotDir  collab.DotDir   // may be nil
}

type sessionKey struct {
	torrentID int
	peerID    core.PeerID
}

// torrentState is one torrent's engine-owned working state: its chunk
// assigner, choker, and the missing-pieces bitset sessions consult to
// decide interest.
type torrentState struct {
	mu sync.Mutex

	meta     collab.MetaInfo
	assigner *assign.Assigner
	choker   *choke.Choker
	missing  *bitset.BitSet
}

func (ts *torrentState) numPieces() int {
	return len(ts.meta.PieceHashes)
}

// Missing implements session.LocalPieces with a defensively-copied
// snapshot, since sessions read it from their own control-loop goroutine.
func (ts *torrentState) Missing() *bitset.BitSet {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.missing.Clone()
}

func (ts *torrentState) markStored(piece int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.missing.Clear(uint(piece))
}

// Engine is the top-level peer-swarm orchestrator.
type Engine struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope
	pctx   core.PeerContext

	collab Collaborators

	registry  *registry.Registry
	table     *peertable.Table
	peerMgr   *peermanager.Manager
	listener  *netio.Listener
	bandwidth *bandwidth.Limiter

	mu       sync.Mutex
	torrents map[int]*torrentState
	sessions map[sessionKey]*session.Session

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Engine. It does not start any background loop or
// listener; call Start for that.
func New(config Config, pctx core.PeerContext, collaborators Collaborators, stats tally.Scope) (*Engine, error) {
	config.applyDefaults()

	logger, err := log.New(config.Log, map[string]interface{}{"module": "engine"})
	if err != nil {
		return nil, fmt.Errorf("engine: log: %s", err)
	}

	if stats == nil {
		stats = tally.NoopScope
	}
	stats = stats.Tagged(map[string]string{"module": "engine"})

	clk := clock.New()

	limiter, err := bandwidth.NewLimiter(config.Bandwidth)
	if err != nil {
		return nil, fmt.Errorf("engine: bandwidth: %s", err)
	}

	e := &Engine{
		config:    config,
		clk:       clk,
		logger:    logger.Sugar(),
		stats:     stats,
		pctx:      pctx,
		collab:    collaborators,
		table:     peertable.New(clk),
		peerMgr:   peermanager.New(clk),
		bandwidth: limiter,
		torrents:  make(map[int]*torrentState),
		sessions:  make(map[sessionKey]*session.Session),
		done:      make(chan struct{}),
	}
	e.registry = registry.New(clk, e.logger, &engineEvents{e: e})
	return e, nil
}

// AddTorrent registers a new torrent from its decoded metainfo and returns
// its registry id. wanted is the number of bytes the caller wants
// downloaded (the full Total for a non-partial download).
func (e *Engine) AddTorrent(meta collab.MetaInfo, wanted int64) int {
	pieceLengths := derivePieceLengths(meta.TotalLength, meta.PieceLength, len(meta.PieceHashes))

	id := e.registry.Insert(registry.Attributes{
		Name:       meta.Name,
		InfoHash:   meta.InfoHash,
		Total:      meta.TotalLength,
		Wanted:     wanted,
		PieceCount: len(meta.PieceHashes),
	})

	missing := bitset.New(uint(len(meta.PieceHashes)))
	for i := range meta.PieceHashes {
		missing.Set(uint(i))
	}

	state := &torrentState{
		meta:     meta,
		assigner: assign.New(pieceLengths),
		choker:   choke.New(e.config.Choke, e.clk),
		missing:  missing,
	}

	e.mu.Lock()
	e.torrents[id] = state
	e.mu.Unlock()
	return id
}

// RemoveTorrent drops a torrent and its working state. It does not tear
// down in-flight sessions; callers are expected to have drained them.
func (e *Engine) RemoveTorrent(id int) {
	e.mu.Lock()
	delete(e.torrents, id)
	e.mu.Unlock()
	e.registry.Remove(id)
}

func derivePieceLengths(total, pieceLength int64, numPieces int) []uint32 {
	lengths := make([]uint32, numPieces)
	for i := 0; i < numPieces; i++ {
		if i < numPieces-1 {
			lengths[i] = uint32(pieceLength)
			continue
		}
		last := total - pieceLength*int64(numPieces-1)
		if last <= 0 {
			last = pieceLength
		}
		lengths[i] = uint32(last)
	}
	return lengths
}

// Start opens the listener and begins the background rechoke and bad-peer
// sweep loops.
func (e *Engine) Start(ctx context.Context) error {
	ln, err := netio.Listen(e.config.ListenAddr, e.logger)
	if err != nil {
		return fmt.Errorf("engine: listen: %s", err)
	}
	e.listener = ln

	e.wg.Add(1)
	go e.acceptLoop(ctx)

	e.wg.Add(1)
	go e.rechokeLoop(ctx)

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.wg.Add(1)
	go e.fillLoop(ctx)

	return nil
}

// Stop tears down the listener and background loops, then waits for them to
// exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		if e.listener != nil {
			e.listener.Close()
		}
		e.wg.Wait()
	})
}

func (e *Engine) acceptLoop(ctx context.Context) {
	defer e.wg.Done()
	_ = e.listener.Serve(func(conn net.Conn) {
		e.handleIncoming(ctx, conn)
	})
}

// handleIncoming completes an inbound handshake and, if the advertised
// info hash matches a known torrent, hands the connection off to a new
// Session. Grounded on scheduler.go's establishIncomingHandshake.
func (e *Engine) handleIncoming(ctx context.Context, conn net.Conn) {
	theirs, err := peerwire.ReadHandshake(conn)
	if err != nil {
		e.logger.Debugw("engine: bad incoming handshake", "err", err)
		conn.Close()
		return
	}

	id, state, ok := e.findTorrentByInfoHash(theirs.InfoHash)
	if !ok {
		conn.Close()
		return
	}

	ours := peerwire.NewHandshake(theirs.InfoHash, e.pctx.PeerID)
	if err := peerwire.WriteHandshake(conn, ours); err != nil {
		conn.Close()
		return
	}

	e.runSession(ctx, conn, id, state, theirs.PeerID, addrOf(conn))
}

// Connect dials torrentID's peer at addr, performs the outbound handshake,
// and hands the connection off to a new Session. Grounded on scheduler.go's
// initializeOutgoingHandshake.
func (e *Engine) Connect(ctx context.Context, torrentID int, addr collab.PeerAddr) error {
	e.mu.Lock()
	state, ok := e.torrents[torrentID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown torrent %d", torrentID)
	}

	target := fmt.Sprintf("%s:%d", addr.IP, addr.Port)
	conn, err := netio.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("engine: dial %s: %s", target, err)
	}

	ours := peerwire.NewHandshake(state.meta.InfoHash, e.pctx.PeerID)
	if err := peerwire.WriteHandshake(conn, ours); err != nil {
		conn.Close()
		return err
	}
	theirs, err := peerwire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if theirs.InfoHash != state.meta.InfoHash {
		conn.Close()
		return fmt.Errorf("engine: info hash mismatch from %s", target)
	}

	e.peerMgr.MarkConnected(torrentID, addr)
	e.runSession(ctx, conn, torrentID, state, theirs.PeerID, addr)
	return nil
}

func (e *Engine) findTorrentByInfoHash(h core.InfoHash) (int, *torrentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ts := range e.torrents {
		if ts.meta.InfoHash == h {
			return id, ts, true
		}
	}
	return 0, nil, false
}

func (e *Engine) runSession(ctx context.Context, conn net.Conn, torrentID int, state *torrentState, peerID core.PeerID, addr collab.PeerAddr) {
	key := sessionKey{torrentID: torrentID, peerID: peerID}

	s := session.New(session.Params{
		Conn:        conn,
		Clock:       e.clk,
		Logger:      e.logger,
		Config:      e.config.Session,
		TorrentID:   torrentID,
		InfoHash:    state.meta.InfoHash,
		PeerID:      peerID,
		Table:       e.table,
		Assigner:    state.assigner,
		FileIO:      e.collab.FileIO,
		Events:      &torrentEvents{e: e, torrentID: torrentID, state: state},
		Broadcaster: e,
		Local:       state,
		Bandwidth:   e.bandwidth,
	})

	e.mu.Lock()
	e.sessions[key] = s
	e.torrents[torrentID].choker.InsertPeer(peerID)
	e.mu.Unlock()

	ourBitfield := bitfieldBytes(state.missing, state.numPieces())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := s.Run(ctx, ourBitfield)

		e.mu.Lock()
		delete(e.sessions, key)
		if ts, ok := e.torrents[torrentID]; ok {
			ts.choker.RemovePeer(peerID)
		}
		e.mu.Unlock()

		e.peerMgr.MarkDisconnected(torrentID, addr)
		if err != nil {
			e.peerMgr.EnterBadPeer(addr.IP, addr.Port, peerID)
		}
	}()
}

// bitfieldBytes encodes the complement of missing (i.e. what we already
// have) into the peer-wire bitfield convention: the high bit (0x80) of
// byte 0 is piece 0.
func bitfieldBytes(missing *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if missing.Test(uint(i)) {
			continue
		}
		out[i/8] |= 0x80 >> uint(i%8)
	}
	return out
}

func addrOf(conn net.Conn) collab.PeerAddr {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return collab.PeerAddr{}
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return collab.PeerAddr{IP: host, Port: port}
}

// BroadcastHave implements session.Broadcaster: fan out a completed piece
// to every other session on the same torrent.
func (e *Engine) BroadcastHave(torrentID int, piece int, exceptPeer core.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, s := range e.sessions {
		if key.torrentID == torrentID && key.peerID != exceptPeer {
			s.QueueHave(piece)
		}
	}
}

// SendCancel implements session.Broadcaster: route a cancel to a specific
// peer's session, e.g. an endgame loser (property E6).
func (e *Engine) SendCancel(torrentID int, peer core.PeerID, c assign.ChunkID) {
	e.mu.Lock()
	s, ok := e.sessions[sessionKey{torrentID: torrentID, peerID: peer}]
	e.mu.Unlock()
	if ok {
		s.QueueCancel(c)
	}
}

// rechokeLoop runs §4.9's periodic rechoke across every active torrent.
func (e *Engine) rechokeLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clk.Ticker(rechokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.rechokeAll()
		case <-ctx.Done():
			return
		case <-e.done:
			return
		}
	}
}

func (e *Engine) rechokeAll() {
	e.mu.Lock()
	ids := make([]int, 0, len(e.torrents))
	for id := range e.torrents {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.rechokeTorrent(id)
	}
}

func (e *Engine) rechokeTorrent(torrentID int) {
	e.mu.Lock()
	state, ok := e.torrents[torrentID]
	if !ok {
		e.mu.Unlock()
		return
	}
	sessionsForTorrent := make(map[core.PeerID]*session.Session)
	for key, s := range e.sessions {
		if key.torrentID == torrentID {
			sessionsForTorrent[key.peerID] = s
		}
	}
	e.mu.Unlock()

	numPieces := state.numPieces()
	snaps := e.table.SnapshotTorrent(torrentID)

	candidates := make([]choke.Candidate, 0, len(snaps))
	for _, snap := range snaps {
		s, ok := sessionsForTorrent[snap.PeerID]
		if !ok {
			continue
		}
		kind := choke.KindLeecher
		if s.IsSeeder(numPieces) {
			kind = choke.KindSeeder
		}
		candidates = append(candidates, choke.Candidate{
			PeerID:     snap.PeerID,
			Kind:       kind,
			Interested: snap.RemoteInterest,
			Snubbed:    snap.Snubbed,
			SendRate:   snap.SendRate,
			RecvRate:   snap.RecvRate,
		})
	}

	advance := state.choker.RoundElapsed()
	decisions := state.choker.Rechoke(candidates, advance)
	for _, d := range decisions {
		if s, ok := sessionsForTorrent[d.PeerID]; ok {
			s.SetLocalChoke(!d.Unchoke)
		}
	}
}

// fillLoop tops up each torrent's spare outbound slots from the peer
// manager's candidate list, redialing a flaky candidate with an
// exponential backoff before giving up on it for this round.
func (e *Engine) fillLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clk.Ticker(fillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.fillSpareSlots(ctx)
		case <-ctx.Done():
			return
		case <-e.done:
			return
		}
	}
}

func (e *Engine) fillSpareSlots(ctx context.Context) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.torrents))
	for id := range e.torrents {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		spare := e.config.MaxPeersPerTorrent - e.peerMgr.ConnectedCount(id)
		for i := 0; i < spare; i++ {
			addr, ok := e.peerMgr.NextCandidate(id)
			if !ok {
				break
			}
			e.wg.Add(1)
			go e.redial(ctx, id, addr)
		}
	}
}

// redial retries Connect against addr with peermanager.DialBackoff,
// stopping early if ctx is cancelled or the torrent has since gone away.
func (e *Engine) redial(ctx context.Context, torrentID int, addr collab.PeerAddr) {
	defer e.wg.Done()
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		e.mu.Lock()
		_, ok := e.torrents[torrentID]
		e.mu.Unlock()
		if !ok {
			return backoff.Permanent(fmt.Errorf("engine: unknown torrent %d", torrentID))
		}
		if err := e.Connect(ctx, torrentID, addr); err != nil {
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, peermanager.DialBackoff(e.clk)); err != nil {
		e.logger.Debugw("engine: giving up on candidate", "addr", addr, "err", err)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clk.Ticker(peermanager.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.peerMgr.SweepBadPeers()
		case <-ctx.Done():
			return
		case <-e.done:
			return
		}
	}
}

// engineEvents adapts the registry's required collab.EventBus to the
// engine, so SeedingTorrent notifications reach the user-supplied
// collaborator (if any) without the registry knowing about it.
type engineEvents struct {
	e *Engine
}

func (ev *engineEvents) SeedingTorrent(torrentID int) {
	if ev.e.collab.Events != nil {
		ev.e.collab.Events.SeedingTorrent(torrentID)
	}
}

func (ev *engineEvents) PieceComplete(torrentID int, piece int) {
	if ev.e.collab.Events != nil {
		ev.e.collab.Events.PieceComplete(torrentID, piece)
	}
}

// torrentEvents adapts a Session's collab.EventBus to mark the piece
// no-longer-missing and apply the registry's subtract_left accounting
// before forwarding to the registry/user event chain.
type torrentEvents struct {
	e         *Engine
	torrentID int
	state     *torrentState
}

// SeedingTorrent is unused by Session: the registry itself detects the
// leeching-to-seeding transition (Left reaching 0, via PieceComplete's
// SubtractLeft below) and fires it to the user's collab.Events through
// engineEvents. A session has no independent signal of its own for it.
func (te *torrentEvents) SeedingTorrent(torrentID int) {}

func (te *torrentEvents) PieceComplete(torrentID int, piece int) {
	te.state.markStored(piece)

	var length int64
	if piece >= 0 && piece < len(te.state.meta.PieceHashes) {
		lengths := derivePieceLengths(te.state.meta.TotalLength, te.state.meta.PieceLength, len(te.state.meta.PieceHashes))
		length = int64(lengths[piece])
	}
	_ = te.e.registry.Apply(torrentID, []registry.Alteration{
		{Tag: registry.SubtractLeft, Amount: length},
	})
	if te.e.collab.Events != nil {
		te.e.collab.Events.PieceComplete(torrentID, piece)
	}
}
