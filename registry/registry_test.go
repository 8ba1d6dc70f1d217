package registry

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

type fakeEventBus struct {
	seeding []int
}

func (b *fakeEventBus) SeedingTorrent(id int)       { b.seeding = append(b.seeding, id) }
func (b *fakeEventBus) PieceComplete(id int, p int) {}

func TestInsertLookup(t *testing.T) {
	require := require.New(t)

	r := New(clock.NewMock(), nil, nil)
	id := r.Insert(Attributes{Name: "foo", Total: 100, Wanted: 100, PieceCount: 10})

	e, ok := r.Lookup(id)
	require.True(ok)
	require.Equal("foo", e.Name)
	require.EqualValues(100, e.Left)
	require.Equal(StateLeeching, e.State)
}

func TestSubtractLeftToZeroTransitionsToSeeding(t *testing.T) {
	require := require.New(t)

	bus := &fakeEventBus{}
	r := New(clock.NewMock(), nil, bus)
	id := r.Insert(Attributes{Total: 100, Wanted: 100})

	require.NoError(r.Apply(id, []Alteration{{Tag: SubtractLeft, Amount: 100}}))

	e, _ := r.Lookup(id)
	require.EqualValues(0, e.Left)
	require.Equal(StateSeeding, e.State)
	require.Equal([]int{id}, bus.seeding)
}

func TestSubtractLeftToZeroPartialWhenWantedLessThanTotal(t *testing.T) {
	require := require.New(t)

	r := New(clock.NewMock(), nil, nil)
	id := r.Insert(Attributes{Total: 100, Wanted: 40})

	require.NoError(r.Apply(id, []Alteration{{Tag: SubtractLeft, Amount: 40}}))

	e, _ := r.Lookup(id)
	require.Equal(StatePartial, e.State)
}

func TestSubtractLeftUnderflowDiscardsBatch(t *testing.T) {
	require := require.New(t)

	r := New(clock.NewMock(), nil, nil)
	id := r.Insert(Attributes{Total: 100, Wanted: 100})

	err := r.Apply(id, []Alteration{
		{Tag: AddDownloaded, Amount: 10},
		{Tag: SubtractLeft, Amount: 1000},
	})
	require.ErrorIs(err, ErrUnderflow)

	e, _ := r.Lookup(id)
	require.EqualValues(0, e.Downloaded, "batch must be atomic: first alteration must not stick")
}

func TestApplyUnknownTorrentReturnsNotFound(t *testing.T) {
	require := require.New(t)

	r := New(clock.NewMock(), nil, nil)
	err := r.Apply(999, []Alteration{{Tag: AddUpload, Amount: 1}})
	require.ErrorIs(err, ErrNotFound)
}

func TestTickRatesCapsSparklineAndTrims(t *testing.T) {
	require := require.New(t)

	r := New(clock.NewMock(), nil, nil)
	id := r.Insert(Attributes{Total: 1, Wanted: 1})

	for i := 0; i < maxRateSamples+5; i++ {
		r.TickRates(map[int]float64{id: float64(i)})
	}

	e, _ := r.Lookup(id)
	require.Len(e.RateSamples, retainedOnCap)
	// The most recent sample must survive the trim.
	require.Equal(float64(maxRateSamples+4), e.RateSamples[len(e.RateSamples)-1])
}

func TestPausedStateRestoredOnContinue(t *testing.T) {
	require := require.New(t)

	r := New(clock.NewMock(), nil, nil)
	id := r.Insert(Attributes{Total: 100, Wanted: 100})
	require.NoError(r.Apply(id, []Alteration{{Tag: SubtractLeft, Amount: 100}}))
	require.NoError(r.Apply(id, []Alteration{{Tag: SetPaused, Paused: true}}))

	e, _ := r.Lookup(id)
	require.Equal(StatePaused, e.State)
	require.True(e.IsPaused)

	require.NoError(r.Apply(id, []Alteration{{Tag: SetPaused, Paused: false}, {Tag: Continue}}))
	e, _ = r.Lookup(id)
	require.Equal(StateSeeding, e.State)
}
