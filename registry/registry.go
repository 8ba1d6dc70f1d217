// Package registry implements the in-memory torrent table (C2): a
// single-writer critical section over every active torrent, mutated only
// through tagged alterations so that no caller ever observes an
// intermediate state mid-batch.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/rkrishnan/swarmd/collab"
	"github.com/rkrishnan/swarmd/core"
)

// Mode is the chunk-assignment mode of a torrent.
type Mode int

// Modes, per §3.
const (
	ModeProgress Mode = iota
	ModeEndgame
)

// State is the lifecycle state of a torrent, per §3.
type State int

// States, per §3.
const (
	StateUnknown State = iota
	StateLeeching
	StateSeeding
	StatePartial
	StatePaused
	StateChecking
	StateWaiting
)

// maxRateSamples caps the rolling rate sparkline.
const maxRateSamples = 25

// retainedOnCap is how many of the most recent samples survive a cap-trim;
// per §4.2, discard the oldest 5 of the capped 25.
const retainedOnCap = 20

// Attributes are the caller-supplied initial fields of a torrent entry.
type Attributes struct {
	Name       string
	InfoHash   core.InfoHash
	Total      int64
	Wanted     int64
	PieceCount int
	IsPrivate  bool
}

// Entry is one torrent's registry row. Fields are only ever mutated inside
// the registry's critical section; callers receive copies via Snapshot.
type Entry struct {
	ID         int
	Name       string
	InfoHash   core.InfoHash
	Total      int64
	Wanted     int64
	Left       int64
	Uploaded   int64
	Downloaded int64
	AllTimeUp  int64
	AllTimeDn  int64
	PieceCount int

	Seeders           int
	Leechers          int
	ConnectedSeeders  int
	ConnectedLeechers int

	IsPrivate bool
	IsPaused  bool
	Mode      Mode
	State     State

	RateSamples []float64
}

// ErrNotFound is returned when an alteration batch names an unknown
// torrent id.
var ErrNotFound = errors.New("registry: torrent not found")

// ErrUnderflow is returned when subtract_left would drive left negative.
var ErrUnderflow = errors.New("registry: subtract_left would underflow")

// Registry is the single-writer torrent table.
type Registry struct {
	mu      sync.RWMutex
	clk     clock.Clock
	logger  *zap.SugaredLogger
	events  collab.EventBus
	entries map[int]*Entry
	nextID  int
}

// New creates an empty Registry.
func New(clk clock.Clock, logger *zap.SugaredLogger, events collab.EventBus) *Registry {
	return &Registry{
		clk:     clk,
		logger:  logger,
		events:  events,
		entries: make(map[int]*Entry),
		nextID:  1,
	}
}

// Insert creates a new torrent entry and returns its assigned id.
func (r *Registry) Insert(a Attributes) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	r.entries[id] = &Entry{
		ID:         id,
		Name:       a.Name,
		InfoHash:   a.InfoHash,
		Total:      a.Total,
		Wanted:     a.Wanted,
		Left:       a.Wanted,
		PieceCount: a.PieceCount,
		IsPrivate:  a.IsPrivate,
		Mode:       ModeProgress,
		State:      StateLeeching,
	}
	return id
}

// Remove destroys a torrent entry.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// SnapshotAll returns a copy of every entry, keyed by id.
func (r *Registry) SnapshotAll() map[int]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]Entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = *e
	}
	return out
}

// NumPieces returns the piece count of id.
func (r *Registry) NumPieces(id int) (int, error) {
	e, ok := r.Lookup(id)
	if !ok {
		return 0, ErrNotFound
	}
	return e.PieceCount, nil
}

// IsSeeding reports whether id is in the seeding state.
func (r *Registry) IsSeeding(id int) (bool, error) {
	e, ok := r.Lookup(id)
	if !ok {
		return false, ErrNotFound
	}
	return e.State == StateSeeding, nil
}

// GetMode returns the chunk-assignment mode of id.
func (r *Registry) GetMode(id int) (Mode, error) {
	e, ok := r.Lookup(id)
	if !ok {
		return 0, ErrNotFound
	}
	return e.Mode, nil
}

// IsEndgame reports whether id is in endgame mode.
func (r *Registry) IsEndgame(id int) (bool, error) {
	m, err := r.GetMode(id)
	if err != nil {
		return false, err
	}
	return m == ModeEndgame, nil
}

// Alteration is one tagged mutation applied to a torrent entry. Exactly one
// of the Tag-specific fields is meaningful per Tag.
type Alteration struct {
	Tag      AlterationTag
	Amount   int64
	Seeders  int
	Leechers int
	Mode     Mode
	Paused   bool
	State    State
}

// AlterationTag names the kind of mutation, per §4.2.
type AlterationTag int

// Alteration tags.
const (
	AddDownloaded AlterationTag = iota
	AddUpload
	SubtractLeft
	SubtractLeftOrSkipped
	SetWanted
	TrackerReport
	SetMode
	SetPaused
	Continue
	Unknown
	Checking
	Waiting
	IncConnectedLeecher
	DecConnectedLeecher
	IncConnectedSeeder
	DecConnectedSeeder
)

// Apply runs alterations against id in order, inside one critical section.
// If any alteration is invalid the whole batch is discarded and an error is
// returned; other torrents and the caller's in-flight state are unaffected,
// per §7's registry-inconsistency error kind.
func (r *Registry) Apply(id int, alterations []Alteration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		if r.logger != nil {
			r.logger.Errorw("alteration batch for unknown torrent", "torrent_id", id)
		}
		return ErrNotFound
	}

	// Work on a copy so a mid-batch failure leaves the live entry untouched.
	work := *e
	wasLeeching := work.State == StateLeeching

	for _, a := range alterations {
		if err := applyOne(&work, &a); err != nil {
			if r.logger != nil {
				r.logger.Errorw("discarding bad alteration batch",
					"torrent_id", id, "error", err)
			}
			return err
		}
	}

	*e = work

	if wasLeeching && e.State == StateSeeding && r.events != nil {
		r.events.SeedingTorrent(id)
	}
	return nil
}

func applyOne(e *Entry, a *Alteration) error {
	switch a.Tag {
	case AddDownloaded:
		e.Downloaded += a.Amount
		e.AllTimeDn += a.Amount
	case AddUpload:
		e.Uploaded += a.Amount
		e.AllTimeUp += a.Amount
	case SubtractLeft:
		return subtractLeft(e, a.Amount, false)
	case SubtractLeftOrSkipped:
		return subtractLeft(e, a.Amount, true)
	case SetWanted:
		e.Wanted = a.Amount
	case TrackerReport:
		e.Seeders = a.Seeders
		e.Leechers = a.Leechers
	case SetMode:
		e.Mode = a.Mode
	case SetPaused:
		e.IsPaused = a.Paused
		if a.Paused {
			e.State = StatePaused
		}
	case Continue:
		if e.State == StatePaused {
			e.State = deriveActiveState(e)
		}
	case Unknown:
		e.State = StateUnknown
	case Checking:
		e.State = StateChecking
	case Waiting:
		e.State = StateWaiting
	case IncConnectedLeecher:
		e.ConnectedLeechers++
	case DecConnectedLeecher:
		if e.ConnectedLeechers > 0 {
			e.ConnectedLeechers--
		}
	case IncConnectedSeeder:
		e.ConnectedSeeders++
	case DecConnectedSeeder:
		if e.ConnectedSeeders > 0 {
			e.ConnectedSeeders--
		}
	default:
		return fmt.Errorf("registry: unknown alteration tag %d", a.Tag)
	}
	return nil
}

// subtractLeft implements §4.2's subtract_left rule, including the
// leeching<->seeding/partial state transitions it drives.
func subtractLeft(e *Entry, amount int64, orSkipped bool) error {
	wasZero := e.Left == 0
	newLeft := e.Left - amount
	if newLeft < 0 {
		if orSkipped {
			newLeft = 0
		} else {
			return ErrUnderflow
		}
	}
	e.Left = newLeft

	if newLeft == 0 {
		e.State = deriveActiveState(e)
	} else if wasZero && newLeft > 0 && e.Wanted < e.Total {
		e.State = StateLeeching
	}
	return nil
}

// deriveActiveState picks the non-paused resting state once left reaches 0:
// paused if already paused, else partial if a partial download, else
// seeding.
func deriveActiveState(e *Entry) State {
	if e.IsPaused {
		return StatePaused
	}
	if e.Wanted < e.Total {
		return StatePartial
	}
	return StateSeeding
}

// TickRates pushes each active torrent's current aggregate rate (as read
// from rates, keyed by torrent id) onto its rate sparkline; once the
// sparkline reaches maxRateSamples, only the newest retainedOnCap samples
// are kept. Intended to be invoked every 60s per §4.2.
func (r *Registry) TickRates(rates map[int]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		rate, ok := rates[id]
		if !ok {
			continue
		}
		e.RateSamples = append(e.RateSamples, rate)
		if len(e.RateSamples) >= maxRateSamples {
			keepFrom := len(e.RateSamples) - retainedOnCap
			e.RateSamples = append([]float64{}, e.RateSamples[keepFrom:]...)
		}
	}
}

// Now returns the registry's clock time, exposed for callers that schedule
// periodic ticks (rate sampling, bad-peer sweeps) off the same clock.
func (r *Registry) Now() time.Time {
	return r.clk.Now()
}
