// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EthernetHeaderLen is the length of an Ethernet header:
// 6 bytes of destination MAC, 6 bytes of source MAC, 2 bytes of EtherType.
const EthernetHeaderLen = 14

// MAC is an Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is the all-ones Ethernet broadcast address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// MACFrom converts a net.HardwareAddr to a MAC. It reports false if hwa
// is not 6 bytes long.
func MACFrom(hwa net.HardwareAddr) (_ MAC, ok bool) {
	if len(hwa) != 6 {
		return MAC{}, false
	}
	return MAC(hwa), true
}

// ParseMAC parses s in any form accepted by net.ParseMAC, requiring a
// 48-bit address.
func ParseMAC(s string) (MAC, error) {
	hwa, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	m, ok := MACFrom(hwa)
	if !ok {
		return MAC{}, fmt.Errorf("MAC %q is not 6 bytes long", s)
	}
	return m, nil
}

func (m MAC) IsBroadcast() bool { return m == BroadcastMAC }

func (m MAC) IsZero() bool { return m == MAC{} }

func (m MAC) HWAddr() net.HardwareAddr {
	return net.HardwareAddr(m[:])
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// EtherType is the protocol carried by an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

func (t EtherType) String() string {
	switch t {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	default:
		return fmt.Sprintf("EtherType(%#04x)", uint16(t))
	}
}

// EthernetHeader is an Ethernet II header.
type EthernetHeader struct {
	Dst  MAC
	Src  MAC
	Type EtherType
}

// Len implements Header.
func (h EthernetHeader) Len() int {
	return EthernetHeaderLen
}

// Marshal implements Header.
func (h EthernetHeader) Marshal(buf []byte) error {
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.Type))
	return nil
}

// Decode reads an Ethernet header from the start of b.
func (h *EthernetHeader) Decode(b []byte) error {
	if len(b) < EthernetHeaderLen {
		return ErrShort
	}
	h.Dst = MAC(b[0:6])
	h.Src = MAC(b[6:12])
	h.Type = EtherType(binary.BigEndian.Uint16(b[12:14]))
	return nil
}

// SetEthernetAddrs rewrites the destination and source MAC addresses of
// the Ethernet frame in b. It reports false if b is too short.
func SetEthernetAddrs(b []byte, dst, src MAC) bool {
	if len(b) < EthernetHeaderLen {
		return false
	}
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	return true
}
