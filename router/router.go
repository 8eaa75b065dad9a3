// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package router implements the forwarding plane of a userspace IPv4
// router on Ethernet frames.
//
// A Router classifies each received frame, answers ARP for its own
// addresses, replies to pings, forwards IPv4 datagrams by longest prefix
// match and generates the ICMP errors a router owes its senders. Link
// addresses of next hops are resolved through an arpcache.Cache; frames
// waiting on a resolution are queued there and either sent when the
// reply arrives or failed with ICMP host unreachable after
// arpcache.MaxAttempts unanswered requests.
package router

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/srouter/srouter/net/netif"
	"github.com/srouter/srouter/net/packet"
	"github.com/srouter/srouter/net/routetable"
	"github.com/srouter/srouter/router/arpcache"
	"github.com/srouter/srouter/tstime"
	"github.com/srouter/srouter/types/logger"
	"golang.org/x/time/rate"
)

// TickInterval is how often Run calls Tick.
const TickInterval = time.Second

const (
	// DefaultICMPErrorRate is the ICMP error rate, in messages per
	// second, that configuration layers apply when none is given.
	DefaultICMPErrorRate = 100
	// DefaultICMPErrorBurst is the matching token bucket size.
	DefaultICMPErrorBurst = 50
)

// Interfaces looks up the router's own interfaces.
type Interfaces interface {
	ByName(name string) (netif.Interface, bool)
	ByIP(ip packet.IP4) (netif.Interface, bool)
}

// Routes is the routing table's longest-prefix-match lookup.
type Routes interface {
	Lookup(ip packet.IP4) (routetable.Route, bool)
}

// Sender transmits a complete Ethernet frame out the named interface.
// It must not retain frame.
type Sender interface {
	Send(frame []byte, iface string) error
}

// Config configures a Router.
type Config struct {
	// Logf is where the router logs. If nil, log.Printf is used.
	Logf logger.Logf
	// Verbose enables logging of every frame received.
	Verbose bool

	Interfaces Interfaces // required
	Routes     Routes     // required
	Sender     Sender     // required

	// Clock drives ARP retries and cache expiry. If nil,
	// tstime.StdClock is used.
	Clock tstime.Clock

	// CacheSize and CacheTimeout configure the ARP cache. Zero values
	// select arpcache.DefaultCapacity and arpcache.DefaultTimeout.
	CacheSize    int
	CacheTimeout time.Duration

	// ICMPErrorRate limits the ICMP error messages the router
	// originates, in messages per second, with bursts of up to
	// ICMPErrorBurst. Zero means no limit. Echo replies and the host
	// unreachable sent for each frame whose next hop failed to resolve
	// are never limited.
	ICMPErrorRate  rate.Limit
	ICMPErrorBurst int

	// Registry, if non-nil, is where the router registers its
	// metrics. Otherwise it uses a private registry; see Router.Registry.
	Registry *prometheus.Registry
}

// Router is the forwarding plane. All methods are safe for concurrent use.
type Router struct {
	logf     logger.Logf
	dropLogf logger.Logf // rate limited, for per-packet messages
	verbose  bool

	ifs     Interfaces
	routes  Routes
	sender  Sender
	clock   tstime.Clock
	cache   *arpcache.Cache
	icmpLim *rate.Limiter // nil means unlimited
	m       *metrics
}

var errMissingCollaborator = errors.New("router: Interfaces, Routes and Sender are required")

// New returns a new Router.
func New(c Config) (*Router, error) {
	if c.Interfaces == nil || c.Routes == nil || c.Sender == nil {
		return nil, errMissingCollaborator
	}
	logf := c.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf = logger.WithPrefix(logf, "router: ")
	clock := c.Clock
	if clock == nil {
		clock = tstime.StdClock{}
	}
	r := &Router{
		logf:     logf,
		dropLogf: logger.RateLimitedFn(logf, time.Second, 10, 100),
		verbose:  c.Verbose,
		ifs:      c.Interfaces,
		routes:   c.Routes,
		sender:   c.Sender,
		clock:    clock,
		cache:    arpcache.New(c.CacheSize, c.CacheTimeout, clock),
	}
	if c.ICMPErrorRate > 0 {
		burst := c.ICMPErrorBurst
		if burst <= 0 {
			burst = 1
		}
		r.icmpLim = rate.NewLimiter(c.ICMPErrorRate, burst)
	}
	m, err := newMetrics(c.Registry, r.cache)
	if err != nil {
		return nil, err
	}
	r.m = m
	return r, nil
}

// Registry returns the registry holding the router's metrics.
func (r *Router) Registry() *prometheus.Registry {
	return r.m.registry
}

// Cache returns the router's ARP cache, for diagnostics.
func (r *Router) Cache() *arpcache.Cache {
	return r.cache
}

// Stats is a snapshot of the router's resolution state.
type Stats struct {
	CacheEntries    int // valid ARP cache entries
	PendingRequests int // addresses being resolved
}

// Stats returns a snapshot of the router's state.
func (r *Router) Stats() Stats {
	e, p := r.cache.Len()
	return Stats{CacheEntries: e, PendingRequests: p}
}

// Run calls Tick every TickInterval until ctx is done. It returns
// ctx.Err().
func (r *Router) Run(ctx context.Context) error {
	tc, tickc := r.clock.NewTicker(TickInterval)
	defer tc.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tickc:
			r.Tick()
		}
	}
}

// Tick runs one round of ARP cache maintenance: it expires old entries,
// sends the ARP requests that are due and answers the frames whose next
// hop could not be resolved with ICMP host unreachable.
func (r *Router) Tick() {
	now := r.clock.Now()
	if n := r.cache.Expire(now); n > 0 && r.verbose {
		r.logf("expired %d ARP entries", n)
	}
	res := r.cache.Sweep(now)
	for _, ip := range res.Resend {
		r.sendARPRequest(ip)
	}
	for _, req := range res.Failed {
		r.logf("no ARP reply from %v after %d requests; dropping %d frames", req.IP, req.Attempts, len(req.Packets))
		for _, p := range req.Packets {
			r.m.drop(dropARPFailed)
			if len(p.Frame) < packet.EthernetHeaderLen+packet.IP4HeaderLen {
				continue
			}
			dgram := p.Frame[packet.EthernetHeaderLen:]
			var h packet.IP4Header
			if h.Decode(dgram) != nil {
				continue
			}
			r.sendHostUnreachable(dgram, h)
		}
		r.cache.DestroyRequest(req)
	}
}

// drop counts a dropped frame and logs why, subject to rate limiting.
func (r *Router) drop(reason dropReason, format string, args ...any) {
	r.m.drop(reason)
	r.dropLogf("drop: "+format, args...)
}
