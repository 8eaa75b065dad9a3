// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstime defines the clock abstraction used by the router so that
// timing-driven behavior (ARP retries, cache expiry) can be driven by a
// fake clock in tests.
package tstime

import "time"

// Clock offers a subset of the functionality from the std/time package.
// Normally, applications will use the StdClock implementation that calls the
// appropriate std/time exported funcs. The advantage of using Clock is that
// tests can substitute a different implementation, allowing the test to
// control time precisely, something required for certain types of tests to
// be deterministic.
type Clock interface {
	// Now returns the current time, as in time.Now.
	Now() time.Time
	// NewTicker returns a ticker whose channel fires every d, as in
	// time.NewTicker.
	NewTicker(d time.Duration) (TickerController, <-chan time.Time)
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// TickerController offers the receivers of a time.Ticker to ensure
// compatibility with standard timers, but allows for the option of
// substituting a standard timer with something else for testing purposes.
type TickerController interface {
	// Reset follows the same semantics as with time.Ticker.Reset.
	Reset(d time.Duration)
	// Stop follows the same semantics as with time.Ticker.Stop.
	Stop()
}

// StdClock is a simple implementation of Clock using the relevant funcs in the
// std/time package.
type StdClock struct{}

// Now calls time.Now.
func (StdClock) Now() time.Time {
	return time.Now()
}

// NewTicker calls time.NewTicker and returns the ticker and its channel.
func (StdClock) NewTicker(d time.Duration) (TickerController, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

// Since calls time.Since.
func (StdClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}
