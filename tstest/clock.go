// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest contains helpers for tests.
package tstest

import (
	"sync"
	"time"

	"github.com/srouter/srouter/tstime"
)

// ClockOpts is used to configure the initial settings for a Clock. Once the
// settings are configured as desired, call NewClock to get the resulting Clock.
type ClockOpts struct {
	// Start is the starting time for the Clock. It is also the value
	// returned by Now until the Clock is advanced. If you are passing a
	// value here, set an explicit timezone. The default time is in UTC.
	Start time.Time

	// TimerChannelSize configures the maximum buffered ticks that are
	// permitted in the channel of any Ticker created by this Clock.
	// The special value 0 means to use the default of 1. The buffer may need to
	// be increased if time is advanced by more than a single tick and proper
	// functioning of the test requires that the ticks are not lost.
	TimerChannelSize int
}

// NewClock creates a Clock with the specified settings.
func NewClock(co ClockOpts) *Clock {
	start := co.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	n := co.TimerChannelSize
	if n == 0 {
		n = 1
	}
	return &Clock{
		start:            start,
		present:          start,
		timerChannelSize: n,
	}
}

// Clock is a testing clock whose time only moves when Advance or AdvanceTo
// is called. Tickers created by NewTicker fire as simulated time passes
// their trigger times.
type Clock struct {
	start            time.Time // immutable
	timerChannelSize int       // immutable

	mu      sync.Mutex
	present time.Time
	tickers []*Ticker
}

var _ tstime.Clock = (*Clock)(nil)

// Now returns the simulated current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

// Since returns the simulated time elapsed since t.
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// GetStart returns the initial simulated time when this Clock was created.
func (c *Clock) GetStart() time.Time {
	return c.start
}

// Advance moves simulated time forward by d. Every Ticker that is due
// fires at its scheduled point in simulated time, in order. Advance
// returns the new simulated time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceToLocked(c.present.Add(d))
	return c.present
}

// AdvanceTo moves simulated time to t, firing any Ticker due on the way.
// Moving backwards fires nothing.
func (c *Clock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceToLocked(t)
}

func (c *Clock) advanceToLocked(t time.Time) {
	for {
		var next *Ticker
		for _, tk := range c.tickers {
			if tk.nextTrigger.IsZero() || tk.nextTrigger.After(t) {
				continue
			}
			if next == nil || tk.nextTrigger.Before(next.nextTrigger) {
				next = tk
			}
		}
		if next == nil {
			break
		}
		if next.nextTrigger.After(c.present) {
			c.present = next.nextTrigger
		}
		next.fireLocked(c.present)
	}
	c.present = t
}

// NewTicker returns a Ticker that uses this Clock for accessing the current
// time.
func (c *Clock) NewTicker(d time.Duration) (tstime.TickerController, <-chan time.Time) {
	if d <= 0 {
		panic("non-positive period for NewTicker")
	}
	ch := make(chan time.Time, c.timerChannelSize)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Ticker{
		C:           ch,
		c:           ch,
		clock:       c,
		nextTrigger: c.present.Add(d),
		period:      d,
	}
	c.tickers = append(c.tickers, t)
	return t, t.C
}

// Ticker is a time.Ticker lookalike for use in tests that need to control when
// events fire. It must be created by Clock.NewTicker.
type Ticker struct {
	C <-chan time.Time // The channel on which ticks are delivered.

	c     chan<- time.Time // The writer side of C.
	clock *Clock

	// nextTrigger and period are guarded by clock.mu.
	// A zero nextTrigger means the ticker is stopped.
	nextTrigger time.Time
	period      time.Duration
}

// fireLocked delivers a tick, dropping it if the channel is full as
// time.Ticker does, and schedules the next one a period later.
func (t *Ticker) fireLocked(now time.Time) {
	select {
	case t.c <- now:
	default:
	}
	t.nextTrigger = t.nextTrigger.Add(t.period)
}

// Reset adjusts the Ticker's period to d and reschedules the next fire time to
// the current simulated time + d.
func (t *Ticker) Reset(d time.Duration) {
	if d <= 0 {
		// The standard time.Ticker requires a positive period.
		panic("non-positive period for Ticker.Reset")
	}
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.nextTrigger = t.clock.present.Add(d)
	t.period = d
}

// Stop deactivates the Ticker.
func (t *Ticker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.nextTrigger = time.Time{}
}
