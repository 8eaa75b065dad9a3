// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package routetable provides the router's static IPv4 routing table and
// its longest-prefix-match lookup.
package routetable

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/gaissmai/bart"
	"github.com/srouter/srouter/net/packet"
)

// Route is a single static route.
type Route struct {
	// Prefix is the destination network, masked.
	Prefix netip.Prefix
	// Gateway is the next hop. Zero means the destination is directly
	// connected and the next hop is the datagram's own destination.
	Gateway packet.IP4
	// Iface is the name of the egress interface.
	Iface string
}

func (r Route) String() string {
	return fmt.Sprintf("%v via %v dev %s", r.Prefix, r.Gateway, r.Iface)
}

// NextHop returns the address to resolve for a datagram to dst sent
// along r.
func (r Route) NextHop(dst packet.IP4) packet.IP4 {
	if r.Gateway == 0 {
		return dst
	}
	return r.Gateway
}

// Table is an IPv4 routing table. The zero value is an empty table ready
// to use. It is safe for concurrent use.
//
// When two routes have the same prefix, the first one inserted wins.
type Table struct {
	mu     sync.RWMutex
	lpm    bart.Table[Route]
	routes []Route // in insertion order
	have   map[netip.Prefix]bool
}

// Insert adds r to t. It returns an error and leaves t unchanged if the
// prefix is not IPv4 or if a route for the same prefix already exists.
func (t *Table) Insert(r Route) error {
	if !r.Prefix.IsValid() || !r.Prefix.Addr().Is4() {
		return fmt.Errorf("route %v: not an IPv4 prefix", r.Prefix)
	}
	if r.Iface == "" {
		return fmt.Errorf("route %v: no interface", r.Prefix)
	}
	r.Prefix = r.Prefix.Masked()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.have[r.Prefix] {
		return fmt.Errorf("duplicate route for %v", r.Prefix)
	}
	if t.have == nil {
		t.have = make(map[netip.Prefix]bool)
	}
	t.have[r.Prefix] = true
	t.routes = append(t.routes, r)
	t.lpm.Insert(r.Prefix, r)
	return nil
}

// Lookup returns the route with the longest prefix containing ip.
func (t *Table) Lookup(ip packet.IP4) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lpm.Lookup(ip.Addr())
}

// Routes returns the routes in t in insertion order.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Route(nil), t.routes...)
}

// Len returns the number of routes in t.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// String renders t in the rtable file format.
func (t *Table) String() string {
	var sb strings.Builder
	for _, r := range t.Routes() {
		fmt.Fprintf(&sb, "%v\t%v\t%v\t%s\n", r.Prefix.Addr(), r.Gateway, maskString(r.Prefix.Bits()), r.Iface)
	}
	return sb.String()
}

func maskString(bits int) string {
	m := packet.IP4(0)
	if bits > 0 {
		m = packet.IP4(^uint32(0) << (32 - bits))
	}
	return m.String()
}
