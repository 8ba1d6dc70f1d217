// Package session implements the per-peer session (C5): the control, send,
// and receive task trio that drives one established peer-wire connection
// through its handshake-to-teardown lifecycle. Grounded on the
// prxssh-rabbit reference's errgroup-based three-goroutine Peer.Run split
// for the task shape, and on the teacher's scheduler.go
// establishIncomingHandshake/initializeOutgoingHandshake lifecycle for how
// a freshly dialed or accepted socket is handed off.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rkrishnan/swarmd/assign"
	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
	"github.com/rkrishnan/swarmd/peertable"
	"github.com/rkrishnan/swarmd/utils/bandwidth"
	"github.com/rkrishnan/swarmd/wire/peerwire"
)

// defaultPipelineDepth is the number of chunk requests a session keeps
// outstanding with its peer at once, per §4.5's pipelining note.
const defaultPipelineDepth = 8

// keepAliveInterval is how often an idle session emits a keep-alive frame,
// well under the common 2-minute peer read timeout.
const keepAliveInterval = 100 * time.Second

// inboxSize bounds the receive-to-control handoff channel.
const inboxSize = 64

// outboxSize bounds the control-to-send handoff channel.
const outboxSize = 64

// Config controls a Session's behavior.
type Config struct {
	PipelineDepth int `yaml:"pipeline_depth"`
}

func (c *Config) applyDefaults() {
	if c.PipelineDepth == 0 {
		c.PipelineDepth = defaultPipelineDepth
	}
}

// Broadcaster lets a session reach its siblings in the same torrent's swarm
// without owning the registry of sessions itself; the engine supplies the
// implementation.
type Broadcaster interface {
	// BroadcastHave announces that piece is now complete for torrentID to
	// every session except exceptPeer (the one that just delivered it).
	BroadcastHave(torrentID int, piece int, exceptPeer core.PeerID)

	// SendCancel asks the session for (torrentID, peer) to cancel an
	// outstanding request for c, e.g. because another peer supplied it
	// first during endgame (property E6).
	SendCancel(torrentID int, peer core.PeerID, c assign.ChunkID)
}

// LocalPieces reports which pieces of a torrent are still missing, so a
// session can decide whether to declare interest in a peer's advertised
// pieces. The engine backs this with its own per-torrent missing bitset,
// which it clears piece by piece as PieceComplete events arrive.
type LocalPieces interface {
	Missing() *bitset.BitSet
}

// Params bundles a Session's fixed collaborators and identity.
type Params struct {
	Conn      io.ReadWriteCloser
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
	Config    Config
	TorrentID int
	InfoHash  core.InfoHash
	PeerID    core.PeerID // remote peer's id, from the completed handshake

	Table       *peertable.Table
	Assigner    *assign.Assigner
	FileIO      collab.FileIO
	Events      collab.EventBus
	Broadcaster Broadcaster
	Local       LocalPieces

	// Bandwidth gates piece-payload egress/ingress through the engine's
	// global token buckets. A disabled Limiter (the zero value returned by
	// bandwidth.NewLimiter when Config.Enable is false) never blocks.
	Bandwidth *bandwidth.Limiter
}

type outItem struct {
	msg       peerwire.Message
	chunk     assign.ChunkID
	isPiece   bool
	cancelled *int32
}

type writeOutcome struct {
	chunk assign.ChunkID
	res   collab.WriteResult
}

type readOutcome struct {
	chunk assign.ChunkID
	data  []byte
	err   error
}

// Session drives one peer-wire connection. Construct with New, then call
// Run from a single goroutine; Run blocks until the connection ends.
type Session struct {
	params Params
	clk    clock.Clock
	logger *zap.SugaredLogger
	key    peertable.Key

	reader *bufio.Reader
	writer *bufio.Writer
	conn   io.ReadWriteCloser

	inbox  chan peerwire.Message
	outbox chan outItem

	writeResults chan writeOutcome
	readResults  chan readOutcome

	// control-loop-owned state; touched only from the goroutine running
	// controlLoop, so it needs no lock of its own.
	peerHas      *bitset.BitSet
	weInterested bool
	outstanding  map[assign.ChunkID]bool
	pendingOut   map[assign.ChunkID]*int32

	// peerPieceCount mirrors peerHas's cardinality in an atomic so the
	// engine's rechoke pass can classify seeder/leecher without reaching
	// into control-loop-owned state.
	peerPieceCount int64
}

// New constructs a Session for an already handshaken connection. The
// caller performs the handshake itself (via peerwire.WriteHandshake/
// ReadHandshake) before calling New, since the handshake determines
// params.PeerID.
func New(params Params) *Session {
	params.Config.applyDefaults()
	return &Session{
		params:       params,
		clk:          params.Clock,
		logger:       params.Logger,
		key:          peertable.Key{TorrentID: params.TorrentID, PeerID: params.PeerID},
		reader:       bufio.NewReader(params.Conn),
		writer:       bufio.NewWriter(params.Conn),
		conn:         params.Conn,
		inbox:        make(chan peerwire.Message, inboxSize),
		outbox:       make(chan outItem, outboxSize),
		writeResults: make(chan writeOutcome, defaultPipelineDepth),
		readResults:  make(chan readOutcome, outboxSize),
		peerHas:      bitset.New(uint(params.Local.Missing().Len())),
		outstanding:  make(map[assign.ChunkID]bool),
		pendingOut:   make(map[assign.ChunkID]*int32),
	}
}

// PeerID returns the remote peer's id.
func (s *Session) PeerID() core.PeerID { return s.params.PeerID }

// IsSeeder reports whether the peer has advertised every piece of a
// torrent with numPieces total pieces, for the engine's leecher/seeder
// classification ahead of a rechoke pass. Safe to call from any goroutine.
func (s *Session) IsSeeder(numPieces int) bool {
	return int(atomic.LoadInt64(&s.peerPieceCount)) >= numPieces
}

// Run registers the session in the peer table, exchanges the initial
// bitfield, and drives the receive/send/control tasks until the connection
// fails or ctx is cancelled. It always cleans up the peer table row and
// reports the drop to the assigner before returning.
func (s *Session) Run(ctx context.Context, ourBitfield []byte) error {
	s.params.Table.Add(s.key)
	defer s.params.Table.Remove(s.key)
	defer s.params.Assigner.Dropped(s.params.PeerID)
	defer s.conn.Close()

	s.queueSend(outItem{msg: peerwire.BitfieldMessage(ourBitfield)})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.sendLoop(gctx) })
	g.Go(func() error { return s.controlLoop(gctx) })
	return g.Wait()
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		msg, err := peerwire.ReadMessage(s.reader)
		if err != nil {
			return fmt.Errorf("session: receive: %s", err)
		}
		select {
		case s.inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) sendLoop(ctx context.Context) error {
	for {
		select {
		case item, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if item.cancelled != nil && atomic.LoadInt32(item.cancelled) != 0 {
				continue
			}
			if item.isPiece && s.params.Bandwidth != nil {
				if err := s.params.Bandwidth.ReserveEgress(int64(len(item.msg.Block))); err != nil {
					return fmt.Errorf("session: egress bandwidth: %s", err)
				}
			}
			if err := peerwire.WriteMessage(s.writer, item.msg); err != nil {
				return fmt.Errorf("session: send: %s", err)
			}
			if err := s.writer.Flush(); err != nil {
				return fmt.Errorf("session: flush: %s", err)
			}
			s.params.Table.RecordSent(s.key, int64(wireSize(item.msg)))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) controlLoop(ctx context.Context) error {
	keepAlive := s.clk.Ticker(keepAliveInterval)
	defer keepAlive.Stop()

	requestTick := s.clk.Ticker(time.Second)
	defer requestTick.Stop()

	for {
		select {
		case msg := <-s.inbox:
			if err := s.handleMessage(ctx, msg); err != nil {
				return err
			}
		case wr := <-s.writeResults:
			s.handleWriteResult(wr)
		case rr := <-s.readResults:
			s.handleReadResult(rr)
		case <-keepAlive.C:
			s.queueSend(outItem{msg: peerwire.KeepAliveMessage()})
		case <-requestTick.C:
			s.fillPipeline()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg peerwire.Message) error {
	if msg.IsKeepAlive {
		return nil
	}
	if msg.Unknown {
		// Tagged with a fresh correlation id. The id appears only in this
		// log line; it is not kept, so no later log line carries it.
		s.logger.Debugw("session: unknown message type", "peer", s.params.PeerID, "correlation_id", uuid.New().String())
		return nil
	}
	switch msg.Type {
	case peerwire.Choke:
		s.params.Table.SetRemoteChoke(s.key, true)
	case peerwire.Unchoke:
		s.params.Table.SetRemoteChoke(s.key, false)
		s.fillPipeline()
	case peerwire.Interested:
		s.params.Table.SetRemoteInterest(s.key, true)
	case peerwire.NotInterested:
		s.params.Table.SetRemoteInterest(s.key, false)
	case peerwire.Have:
		s.growPeerHas(uint(msg.Piece))
		s.peerHas.Set(uint(msg.Piece))
		s.params.Assigner.HaveOne(int(msg.Piece))
		atomic.StoreInt64(&s.peerPieceCount, int64(s.peerHas.Count()))
		s.refreshInterest()
	case peerwire.Bitfield:
		s.peerHas = bytesToBitset(msg.Bitfield)
		s.params.Assigner.AddPeerAvailability(s.peerHas)
		atomic.StoreInt64(&s.peerPieceCount, int64(s.peerHas.Count()))
		s.refreshInterest()
	case peerwire.Request:
		s.handleIncomingRequest(ctx, msg)
	case peerwire.Piece:
		s.handleIncomingPiece(ctx, msg)
	case peerwire.Cancel:
		s.handleIncomingCancel(msg)
	}
	return nil
}

// refreshInterest implements scenario E1: once the peer's advertised
// pieces include anything we are still missing, declare interest; once
// they no longer do (we've caught up or they've lost availability),
// withdraw it.
func (s *Session) refreshInterest() {
	missing := s.params.Local.Missing()
	wantSomething := bitsetIntersects(missing, s.peerHas)
	if wantSomething == s.weInterested {
		return
	}
	s.weInterested = wantSomething
	s.params.Table.SetLocalInterest(s.key, wantSomething)
	if wantSomething {
		s.queueSend(outItem{msg: peerwire.InterestedMessage()})
	} else {
		s.queueSend(outItem{msg: peerwire.NotInterestedMessage()})
	}
}

// fillPipeline implements scenario E2: once unchoked and interested, keep
// up to Config.PipelineDepth chunk requests outstanding.
func (s *Session) fillPipeline() {
	if !s.weInterested {
		return
	}
	snap, ok := s.params.Table.Get(s.key)
	if !ok || snap.RemoteChoke {
		return
	}
	want := s.params.Config.PipelineDepth - len(s.outstanding)
	if want <= 0 {
		return
	}
	chunks := s.params.Assigner.Request(s.params.PeerID, s.peerHas, want)
	for _, c := range chunks {
		s.outstanding[c] = true
		s.queueSend(outItem{msg: peerwire.RequestMessage(uint32(c.Piece), c.Offset, c.Length)})
	}
}

func (s *Session) handleIncomingRequest(ctx context.Context, msg peerwire.Message) {
	snap, ok := s.params.Table.Get(s.key)
	if !ok || snap.LocalChoke {
		return
	}
	c := assign.ChunkID{Piece: int(msg.Piece), Offset: msg.Offset, Length: msg.Length}
	resultCh := s.params.FileIO.ReadChunk(s.params.TorrentID, c.Piece, int64(c.Offset), int(c.Length))
	go func() {
		select {
		case res := <-resultCh:
			select {
			case s.readResults <- readOutcome{chunk: c, data: res.Data, err: res.Err}:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleReadResult(rr readOutcome) {
	if rr.err != nil {
		s.logger.Debugw("session: read chunk failed", "err", rr.err)
		return
	}
	cancelled := new(int32)
	s.pendingOut[rr.chunk] = cancelled
	s.queueSend(outItem{
		msg:       peerwire.PieceMessage(uint32(rr.chunk.Piece), rr.chunk.Offset, rr.data),
		chunk:     rr.chunk,
		isPiece:   true,
		cancelled: cancelled,
	})
}

// handleIncomingCancel removes a queued-but-unsent piece reply from the
// send path; if it has already hit the wire, this is a no-op per §4.4.
func (s *Session) handleIncomingCancel(msg peerwire.Message) {
	c := assign.ChunkID{Piece: int(msg.Piece), Offset: msg.Offset, Length: msg.Length}
	if flag, ok := s.pendingOut[c]; ok {
		atomic.StoreInt32(flag, 1)
		delete(s.pendingOut, c)
	}
}

// handleIncomingPiece implements scenario E3: hands fetched bytes to the
// file-I/O collaborator and, once storage confirms the piece is complete,
// broadcasts `have` to the rest of the swarm.
func (s *Session) handleIncomingPiece(ctx context.Context, msg peerwire.Message) {
	c := assign.ChunkID{Piece: int(msg.Piece), Offset: msg.Offset, Length: uint32(len(msg.Block))}
	delete(s.outstanding, c)
	s.params.Table.RecordReceived(s.key, int64(len(msg.Block)), true)
	s.params.Assigner.Fetched(c)

	if s.params.Bandwidth != nil {
		if err := s.params.Bandwidth.ReserveIngress(int64(len(msg.Block))); err != nil {
			s.logger.Warnw("session: ingress bandwidth", "err", err)
		}
	}

	resultCh := s.params.FileIO.WriteChunk(s.params.TorrentID, c.Piece, int64(c.Offset), msg.Block)
	go func() {
		select {
		case res := <-resultCh:
			select {
			case s.writeResults <- writeOutcome{chunk: c, res: res}:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleWriteResult(wr writeOutcome) {
	if wr.res.Err != nil {
		s.logger.Errorw("session: write chunk failed", "err", wr.res.Err)
		return
	}
	result := s.params.Assigner.Stored(wr.chunk, s.params.PeerID)
	for _, p := range result.CancelPeers {
		s.params.Broadcaster.SendCancel(s.params.TorrentID, p, wr.chunk)
	}
	if wr.res.PieceComplete && result.PieceStored {
		s.params.Events.PieceComplete(s.params.TorrentID, wr.chunk.Piece)
		s.params.Broadcaster.BroadcastHave(s.params.TorrentID, wr.chunk.Piece, s.params.PeerID)
	}
	s.fillPipeline()
}

// QueueHave lets the engine push a locally-discovered `have` onto this
// session's send path, e.g. when broadcasting a just-completed piece.
func (s *Session) QueueHave(piece int) {
	s.queueSend(outItem{msg: peerwire.HaveMessage(uint32(piece))})
}

// QueueCancel lets the engine ask this session to cancel an outstanding
// request, e.g. when another peer supplied the chunk first during endgame.
func (s *Session) QueueCancel(c assign.ChunkID) {
	delete(s.outstanding, c)
	s.queueSend(outItem{msg: peerwire.CancelMessage(uint32(c.Piece), c.Offset, c.Length)})
}

// SetLocalChoke lets the engine's choker drive this session's upload gate.
func (s *Session) SetLocalChoke(choked bool) {
	s.params.Table.SetLocalChoke(s.key, choked)
	if choked {
		s.queueSend(outItem{msg: peerwire.ChokeMessage()})
	} else {
		s.queueSend(outItem{msg: peerwire.UnchokeMessage()})
	}
}

func (s *Session) queueSend(item outItem) {
	select {
	case s.outbox <- item:
	default:
		// Outbox is full: drop the connection rather than block the
		// control loop indefinitely. The receive/send goroutines will
		// observe the closed conn and Run will return an error.
		s.logger.Warnw("session: outbox full, closing", "peer", s.params.PeerID)
		s.conn.Close()
	}
}

func (s *Session) growPeerHas(i uint) {
	if i >= s.peerHas.Len() {
		grown := bitset.New(i + 1)
		grown.InPlaceUnion(s.peerHas)
		s.peerHas = grown
	}
}

func bytesToBitset(b []byte) *bitset.BitSet {
	bs := bitset.New(uint(len(b) * 8))
	for byteIdx, by := range b {
		for bit := 0; bit < 8; bit++ {
			if by&(0x80>>uint(bit)) != 0 {
				bs.Set(uint(byteIdx*8 + bit))
			}
		}
	}
	return bs
}

func bitsetIntersects(a, b *bitset.BitSet) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IntersectionCardinality(b) > 0
}

// wireSize estimates the on-wire byte count of m, for the send-rate meter.
func wireSize(m peerwire.Message) int {
	if m.IsKeepAlive {
		return 4
	}
	switch m.Type {
	case peerwire.Have:
		return 4 + 1 + 4
	case peerwire.Bitfield:
		return 4 + 1 + len(m.Bitfield)
	case peerwire.Request, peerwire.Cancel:
		return 4 + 1 + 12
	case peerwire.Piece:
		return 4 + 1 + 8 + len(m.Block)
	default:
		return 4 + 1
	}
}
