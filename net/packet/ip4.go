// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/srouter/srouter/net/packet/checksum"
)

// IP4 is an IPv4 address held as a number: 1.2.3.4 is 0x01020304.
// The codec converts to and from network byte order.
type IP4 uint32

// IP4FromAddr converts a netip.Addr to an IP4. It panics if !ip.Is4.
func IP4FromAddr(ip netip.Addr) IP4 {
	b := ip.As4()
	return IP4(binary.BigEndian.Uint32(b[:]))
}

// IP4FromBytes converts the 4-byte network-order address in b.
func IP4FromBytes(b []byte) IP4 {
	return IP4(binary.BigEndian.Uint32(b[:4]))
}

// MustParseIP4 parses s as an IPv4 address and panics on failure.
// It is intended for tests and static tables.
func MustParseIP4(s string) IP4 {
	return IP4FromAddr(netip.MustParseAddr(s))
}

// Addr converts ip to a netip.Addr.
func (ip IP4) Addr() netip.Addr {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}

func (ip IP4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// IsMulticast returns whether ip is a multicast address.
func (ip IP4) IsMulticast() bool {
	return byte(ip>>24)&0xf0 == 0xe0
}

// IsBroadcast returns whether ip is the limited broadcast address.
func (ip IP4) IsBroadcast() bool {
	return ip == 0xffffffff
}

// IPProto is an IP subprotocol number.
type IPProto uint8

const (
	ICMPv4 IPProto = 0x01
	TCP    IPProto = 0x06
	UDP    IPProto = 0x11
)

func (p IPProto) String() string {
	switch p {
	case ICMPv4:
		return "ICMPv4"
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return fmt.Sprintf("IPProto-%d", uint8(p))
	}
}

// IP4HeaderLen is the length of an IPv4 header with no IP options.
const IP4HeaderLen = 20

// ip4ChecksumOffset is the offset of the header checksum field.
const ip4ChecksumOffset = 10

// DefaultTTL is the TTL of datagrams originated by the router.
const DefaultTTL = 64

// IP4Header represents an IPv4 packet header.
//
// Options (IHL > 5) are carried through untouched: Decode does not
// interpret them and Marshal does not overwrite them.
type IP4Header struct {
	Version   uint8 // 4 for a well-formed header
	IHL       uint8 // header length in 32-bit words
	TOS       uint8
	TotalLen  uint16 // header plus payload, in bytes
	ID        uint16
	FlagsFrag uint16 // flags and fragment offset
	TTL       uint8
	Proto     IPProto
	Checksum  uint16 // as decoded; Marshal always recomputes it
	Src       IP4
	Dst       IP4
}

// HeaderLen returns the header length in bytes as given by IHL.
func (h IP4Header) HeaderLen() int {
	return int(h.IHL) * 4
}

// Len implements Header.
func (h IP4Header) Len() int {
	if h.IHL == 0 {
		return IP4HeaderLen
	}
	return h.HeaderLen()
}

// Marshal implements Header. It writes the fixed 20 bytes of the header,
// leaves any options in buf in place, and stores a fresh checksum
// computed over Len() bytes. A zero IHL is written as 5 and a zero
// Version as 4.
func (h IP4Header) Marshal(buf []byte) error {
	hl := h.Len()
	if len(buf) < hl {
		return errSmallBuffer
	}
	if len(buf) > maxPacketLength {
		return errLargePacket
	}
	ver, ihl := h.Version, h.IHL
	if ver == 0 {
		ver = 4
	}
	if ihl == 0 {
		ihl = IP4HeaderLen / 4
	}
	buf[0] = ver<<4 | ihl&0x0f
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.FlagsFrag)
	buf[8] = h.TTL
	buf[9] = uint8(h.Proto)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Src))
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.Dst))
	checksum.Put(buf[:hl], ip4ChecksumOffset)
	return nil
}

// Decode reads the fixed part of an IPv4 header from the start of b.
// It does not validate the version, IHL or checksum; see Valid and
// IP4ChecksumOK.
func (h *IP4Header) Decode(b []byte) error {
	if len(b) < IP4HeaderLen {
		return ErrShort
	}
	h.Version = b[0] >> 4
	h.IHL = b[0] & 0x0f
	h.TOS = b[1]
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	h.FlagsFrag = binary.BigEndian.Uint16(b[6:8])
	h.TTL = b[8]
	h.Proto = IPProto(b[9])
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	h.Src = IP4FromBytes(b[12:16])
	h.Dst = IP4FromBytes(b[16:20])
	return nil
}

// Valid reports whether h is an IPv4 header with a sane length: version
// 4 and at least five 32-bit words.
func (h IP4Header) Valid() bool {
	return h.Version == 4 && h.IHL >= 5
}

// IP4ChecksumOK reports whether the IPv4 header at the start of b, of
// length hlen bytes, carries a correct header checksum.
func IP4ChecksumOK(b []byte, hlen int) bool {
	if hlen < IP4HeaderLen || len(b) < hlen {
		return false
	}
	return checksum.Verify(b[:hlen], ip4ChecksumOffset)
}

// SetIP4TTL stores ttl in the IPv4 header at the start of b, of length
// hlen bytes, and updates the header checksum.
func SetIP4TTL(b []byte, hlen int, ttl uint8) {
	b[8] = ttl
	checksum.Put(b[:hlen], ip4ChecksumOffset)
}
