// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package arpcache implements the router's ARP cache: a fixed-capacity
// table of IPv4 to Ethernet address mappings, plus the set of pending
// resolutions with the frames waiting on them.
//
// The cache never transmits anything itself. Insert and Sweep hand the
// work that results from them (frames to drain, requests to resend,
// requests that gave up) back to the caller, who acts on it after the
// cache's lock has been released.
package arpcache

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/srouter/srouter/net/packet"
	"github.com/srouter/srouter/tstime"
)

const (
	// DefaultCapacity is the number of entries in a cache created with
	// a zero capacity.
	DefaultCapacity = 100

	// DefaultTimeout is how long an entry stays valid when no timeout
	// is given.
	DefaultTimeout = 15 * time.Second

	// RetryInterval is how long Sweep waits between ARP requests for
	// the same address. It is slightly under the one-second sweep
	// period so that timer jitter does not skip a round.
	RetryInterval = 980 * time.Millisecond

	// MaxAttempts is how many ARP requests are sent for an address
	// before its queued frames are failed.
	MaxAttempts = 5
)

// Entry is a resolved IP to MAC mapping.
type Entry struct {
	IP    packet.IP4
	MAC   packet.MAC
	Added time.Time
	Valid bool
}

// QueuedPacket is a frame waiting for its next hop to be resolved.
type QueuedPacket struct {
	// Frame is a private copy of the whole Ethernet frame. Its
	// destination MAC is not yet filled in.
	Frame []byte
	// Iface is the egress interface.
	Iface string
}

// Request is a pending resolution for one IP.
//
// While a Request is in the cache its fields are guarded by the cache;
// a *Request returned by QueueOrGetRequest is only a handle to pass to
// DestroyRequest. A Request returned by Insert or in a SweepResult has
// been removed from the cache and belongs to the caller.
type Request struct {
	IP       packet.IP4
	LastSent time.Time // zero until the first ARP request goes out
	Attempts int       // ARP requests sent so far
	Packets  []QueuedPacket
}

func (r *Request) clone() *Request {
	c := *r
	c.Packets = make([]QueuedPacket, len(r.Packets))
	for i, p := range r.Packets {
		c.Packets[i] = QueuedPacket{Frame: slices.Clone(p.Frame), Iface: p.Iface}
	}
	return &c
}

// SweepResult is the work produced by a Sweep.
type SweepResult struct {
	// Resend lists the addresses to send an ARP request for now, in
	// ascending order.
	Resend []packet.IP4
	// Failed lists the requests that ran out of attempts, in ascending
	// IP order. They have been removed from the cache; each of their
	// packets should be answered with an ICMP host unreachable.
	Failed []*Request
}

// Cache is an ARP cache. It is safe for concurrent use.
type Cache struct {
	timeout time.Duration
	clock   tstime.Clock

	mu      sync.Mutex
	entries []Entry // fixed length; invalid slots are free
	reqs    map[packet.IP4]*Request
}

// New returns a Cache holding up to capacity entries that expire after
// timeout. Zero values select DefaultCapacity and DefaultTimeout. A nil
// clock means tstime.StdClock.
func New(capacity int, timeout time.Duration, clock tstime.Clock) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = tstime.StdClock{}
	}
	return &Cache{
		timeout: timeout,
		clock:   clock,
		entries: make([]Entry, capacity),
		reqs:    make(map[packet.IP4]*Request),
	}
}

// Lookup returns a copy of the valid entry for ip. Validity is only
// changed by Expire, never at lookup time.
func (c *Cache) Lookup(ip packet.IP4) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(ip); i >= 0 {
		return c.entries[i], true
	}
	return Entry{}, false
}

// indexLocked returns the slot of the valid entry for ip, or -1.
func (c *Cache) indexLocked(ip packet.IP4) int {
	for i, e := range c.entries {
		if e.Valid && e.IP == ip {
			return i
		}
	}
	return -1
}

// QueueOrGetRequest queues a copy of frame, to be sent out iface, on the
// pending request for ip, creating the request if there is none.
// Frames queued on one request are kept in arrival order.
func (c *Cache) QueueOrGetRequest(ip packet.IP4, frame []byte, iface string) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueLocked(ip, frame, iface)
}

func (c *Cache) queueLocked(ip packet.IP4, frame []byte, iface string) *Request {
	req, ok := c.reqs[ip]
	if !ok {
		req = &Request{IP: ip}
		c.reqs[ip] = req
	}
	if frame != nil {
		req.Packets = append(req.Packets, QueuedPacket{
			Frame: slices.Clone(frame),
			Iface: iface,
		})
	}
	return req
}

// LookupOrQueue returns the valid entry for ip if there is one.
// Otherwise it queues a copy of frame on the pending request for ip, as
// QueueOrGetRequest does, and reports false. Both happen under one lock,
// so a concurrent Insert either satisfies the lookup or drains the
// queued frame.
func (c *Cache) LookupOrQueue(ip packet.IP4, frame []byte, iface string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(ip); i >= 0 {
		return c.entries[i], true
	}
	c.queueLocked(ip, frame, iface)
	return Entry{}, false
}

// Insert records that ip is at mac. In the same critical section it
// removes the pending request for ip and returns it (nil if there was
// none), so a resolution is observed at most once.
//
// A valid entry for ip is refreshed in place; otherwise a free slot is
// used, and when the cache is full the oldest entry is evicted.
func (c *Cache) Insert(mac packet.MAC, ip packet.IP4) *Request {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e := Entry{IP: ip, MAC: mac, Added: now, Valid: true}
	if i := c.indexLocked(ip); i >= 0 {
		c.entries[i] = e
	} else {
		c.entries[c.freeOrOldestLocked()] = e
	}

	req := c.reqs[ip]
	delete(c.reqs, ip)
	return req
}

func (c *Cache) freeOrOldestLocked() int {
	oldest := 0
	for i, e := range c.entries {
		if !e.Valid {
			return i
		}
		if e.Added.Before(c.entries[oldest].Added) {
			oldest = i
		}
	}
	return oldest
}

// DestroyRequest removes req from the cache if it is still there and
// drops its queued frames. It is a no-op for a request already removed.
func (c *Cache) DestroyRequest(req *Request) {
	if req == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reqs[req.IP] == req {
		delete(c.reqs, req.IP)
	}
	req.Packets = nil
}

// Sweep advances the retry protocol to now. Each pending request whose
// last ARP request went out at least RetryInterval ago is either failed,
// if it already used MaxAttempts, or marked as sent again.
func (c *Cache) Sweep(now time.Time) SweepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res SweepResult
	for ip, req := range c.reqs {
		if now.Sub(req.LastSent) < RetryInterval {
			continue
		}
		if req.Attempts >= MaxAttempts {
			delete(c.reqs, ip)
			res.Failed = append(res.Failed, req)
			continue
		}
		req.LastSent = now
		req.Attempts++
		res.Resend = append(res.Resend, ip)
	}
	slices.Sort(res.Resend)
	slices.SortFunc(res.Failed, func(a, b *Request) int {
		return cmp.Compare(a.IP, b.IP)
	})
	return res
}

// Expire invalidates the entries that are older than the cache timeout
// at now and returns how many it invalidated.
func (c *Cache) Expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.entries {
		e := &c.entries[i]
		if e.Valid && now.Sub(e.Added) > c.timeout {
			e.Valid = false
			n++
		}
	}
	return n
}

// Entries returns a copy of the valid entries.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret []Entry
	for _, e := range c.entries {
		if e.Valid {
			ret = append(ret, e)
		}
	}
	return ret
}

// Requests returns deep copies of the pending requests in ascending IP
// order.
func (c *Cache) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]*Request, 0, len(c.reqs))
	for _, req := range c.reqs {
		ret = append(ret, req.clone())
	}
	slices.SortFunc(ret, func(a, b *Request) int {
		return cmp.Compare(a.IP, b.IP)
	})
	return ret
}

// Len reports the number of valid entries and pending requests.
func (c *Cache) Len() (entries, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Valid {
			entries++
		}
	}
	return entries, len(c.reqs)
}

// String renders the cache as a table, one valid entry per line.
func (c *Cache) String() string {
	var sb strings.Builder
	sb.WriteString("MAC               IP               ADDED\n")
	for _, e := range c.Entries() {
		fmt.Fprintf(&sb, "%v %-16v %s\n", e.MAC, e.IP, e.Added.Format(time.RFC3339))
	}
	for _, r := range c.Requests() {
		fmt.Fprintf(&sb, "(pending)         %-16v attempts=%d queued=%d\n", r.IP, r.Attempts, len(r.Packets))
	}
	return sb.String()
}
