// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package routetable

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/srouter/srouter/net/packet"
	"go4.org/netipx"
)

// Parse reads routes in the rtable text format, one per line:
//
//	destination gateway mask interface
//
// for example
//
//	10.0.1.0  0.0.0.0   255.255.255.0  eth1
//	0.0.0.0   10.0.1.1  0.0.0.0        eth0
//
// Blank lines and lines starting with '#' are ignored. Parse returns the
// routes in file order; it does not check for duplicates.
func Parse(r io.Reader) ([]Route, error) {
	var routes []Route
	bs := bufio.NewScanner(r)
	line := 0
	for bs.Scan() {
		line++
		s := strings.TrimSpace(bs.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		rt, err := parseLine(s)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		routes = append(routes, rt)
	}
	if err := bs.Err(); err != nil {
		return nil, err
	}
	return routes, nil
}

func parseLine(s string) (Route, error) {
	f := strings.Fields(s)
	if len(f) != 4 {
		return Route{}, fmt.Errorf("want 4 fields, got %d", len(f))
	}
	dst, err := netip.ParseAddr(f[0])
	if err != nil || !dst.Is4() {
		return Route{}, fmt.Errorf("bad destination %q", f[0])
	}
	gw, err := netip.ParseAddr(f[1])
	if err != nil || !gw.Is4() {
		return Route{}, fmt.Errorf("bad gateway %q", f[1])
	}
	mask, err := netip.ParseAddr(f[2])
	if err != nil || !mask.Is4() {
		return Route{}, fmt.Errorf("bad mask %q", f[2])
	}
	m4 := mask.As4()
	pfx, ok := netipx.FromStdIPNet(&net.IPNet{
		IP:   net.IP(dst.AsSlice()),
		Mask: net.IPMask(m4[:]),
	})
	if !ok {
		return Route{}, fmt.Errorf("mask %q is not contiguous", f[2])
	}
	return Route{
		Prefix:  pfx.Masked(),
		Gateway: packet.IP4FromAddr(gw),
		Iface:   f[3],
	}, nil
}

// Load parses the rtable file at path and inserts its routes into t.
// Routes duplicating an earlier prefix are skipped and passed to skip,
// if non-nil.
func (t *Table) Load(path string, skip func(Route, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	routes, err := Parse(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	t.InsertAll(routes, skip)
	return nil
}

// InsertAll inserts routes in order. Routes that Insert rejects are
// passed to skip, if non-nil.
func (t *Table) InsertAll(routes []Route, skip func(Route, error)) {
	for _, r := range routes {
		if err := t.Insert(r); err != nil && skip != nil {
			skip(r, err)
		}
	}
}
