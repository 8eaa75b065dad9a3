// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package netif holds the router's static table of Ethernet interfaces.
package netif

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srouter/srouter/net/packet"
)

// Interface is one router port: its name, hardware address and the single
// IPv4 address assigned to it.
type Interface struct {
	Name string
	MAC  packet.MAC
	IP   packet.IP4
}

func (i Interface) String() string {
	return fmt.Sprintf("%s %v %v", i.Name, i.MAC, i.IP)
}

// Table is an immutable set of interfaces indexed by name and by IP.
// It is safe for concurrent use.
type Table struct {
	list   []Interface
	byName map[string]Interface
	byIP   map[packet.IP4]Interface
}

var errEmptyName = errors.New("interface with empty name")

// NewTable returns a Table of ifs. Names and IPs must be unique, and
// every interface needs a non-zero MAC and IP.
func NewTable(ifs ...Interface) (*Table, error) {
	t := &Table{
		byName: make(map[string]Interface, len(ifs)),
		byIP:   make(map[packet.IP4]Interface, len(ifs)),
	}
	for _, ifc := range ifs {
		if ifc.Name == "" {
			return nil, errEmptyName
		}
		if ifc.MAC.IsZero() {
			return nil, fmt.Errorf("interface %q: zero MAC", ifc.Name)
		}
		if ifc.IP == 0 {
			return nil, fmt.Errorf("interface %q: zero IP", ifc.Name)
		}
		if _, dup := t.byName[ifc.Name]; dup {
			return nil, fmt.Errorf("duplicate interface name %q", ifc.Name)
		}
		if other, dup := t.byIP[ifc.IP]; dup {
			return nil, fmt.Errorf("interfaces %q and %q share IP %v", other.Name, ifc.Name, ifc.IP)
		}
		t.list = append(t.list, ifc)
		t.byName[ifc.Name] = ifc
		t.byIP[ifc.IP] = ifc
	}
	return t, nil
}

// ByName returns the interface called name.
func (t *Table) ByName(name string) (Interface, bool) {
	ifc, ok := t.byName[name]
	return ifc, ok
}

// ByIP returns the interface whose address is ip.
func (t *Table) ByIP(ip packet.IP4) (Interface, bool) {
	ifc, ok := t.byIP[ip]
	return ifc, ok
}

// All returns the interfaces in the order they were given to NewTable.
func (t *Table) All() []Interface {
	return append([]Interface(nil), t.list...)
}

func (t *Table) String() string {
	var sb strings.Builder
	for _, ifc := range t.list {
		fmt.Fprintf(&sb, "%s\n", ifc)
	}
	return sb.String()
}
