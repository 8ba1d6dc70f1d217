// Package ratemeter implements a sliding running-average rate estimator,
// used for both per-peer send/recv rates (C3) and per-torrent aggregate
// rates fed into the registry's rate sparkline (C2).
package ratemeter

import (
	"math"
	"time"

	"github.com/andres-erbsen/clock"
)

// window is the width of the sliding average.
const window = 20 * time.Second

// fudge seeds rate_since so a brand-new meter does not read as an
// instantaneous infinite rate on its first update.
const fudge = 1 * time.Second

// epsilon guards the next_expected divide against a zero rate.
const epsilon = 1e-9

// Meter tracks bytes/s for one stream. The zero value is not valid; use New.
type Meter struct {
	clk clock.Clock

	rate         float64
	total        int64
	nextExpected time.Time
	lastUpdate   time.Time
	rateSince    time.Time
}

// New creates a Meter anchored at clk's current time.
func New(clk clock.Clock) *Meter {
	now := clk.Now()
	return &Meter{
		clk:          clk,
		lastUpdate:   now,
		rateSince:    now.Add(-fudge),
		nextExpected: now,
	}
}

// Update records amount bytes transferred at the meter's clock's current
// time, per the sliding-window formula: rate' = (rate*(last_update -
// rate_since) + amount) / (t - rate_since), with rate_since floored to a
// 20-second window.
func (m *Meter) Update(amount int64) {
	t := m.clk.Now()
	if t.Before(m.nextExpected) && amount == 0 {
		return
	}

	elapsedPrior := m.lastUpdate.Sub(m.rateSince).Seconds()
	elapsedTotal := t.Sub(m.rateSince).Seconds()
	if elapsedTotal <= 0 {
		elapsedTotal = epsilon
	}
	newRate := (m.rate*elapsedPrior + float64(amount)) / elapsedTotal

	m.total += amount
	m.rate = newRate

	denom := math.Max(newRate, epsilon)
	delay := time.Duration(math.Min(5, float64(amount)/denom) * float64(time.Second))
	m.nextExpected = t.Add(delay)
	m.lastUpdate = t

	floor := t.Add(-window)
	if floor.After(m.rateSince) {
		m.rateSince = floor
	}
}

// Rate returns the current bytes/s estimate.
func (m *Meter) Rate() float64 {
	return m.rate
}

// Total returns the cumulative bytes observed since the meter was created.
func (m *Meter) Total() int64 {
	return m.total
}

// LastUpdate returns the time of the most recent Update call that took
// effect (zero-amount calls before NextExpected are no-ops).
func (m *Meter) LastUpdate() time.Time {
	return m.lastUpdate
}

// NextExpected returns the time before which a zero-amount Update is
// suppressed.
func (m *Meter) NextExpected() time.Time {
	return m.nextExpected
}
