// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package checksum implements the Internet checksum used by IPv4 and ICMPv4
// headers.
package checksum

import "encoding/binary"

// Checksum computes the one's complement checksum of b, as specified in
// https://tools.ietf.org/html/rfc1071.
//
// The result is in host order; write it into a header with
// binary.BigEndian.PutUint16.
func Checksum(b []byte) uint16 {
	return finish(sum(0, b))
}

// sum adds the 16-bit big-endian words of b to ac. An odd trailing
// byte is padded with a zero byte.
func sum(ac uint32, b []byte) uint32 {
	i := 0
	n := len(b)
	for n >= 2 {
		ac += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		n -= 2
		i += 2
	}
	if n == 1 {
		ac += uint32(b[i]) << 8
	}
	return ac
}

func finish(ac uint32) uint16 {
	for (ac >> 16) > 0 {
		ac = (ac >> 16) + (ac & 0xffff)
	}
	return uint16(^ac)
}

// Without computes the checksum of b as if the 16-bit field at offset off
// held zero. It is how a received header is verified: the result must
// equal the value stored at off.
//
// It panics if off+2 > len(b).
func Without(b []byte, off int) uint16 {
	_ = b[off+1]
	ac := sum(0, b[:off])
	return finish(sum(ac, b[off+2:]))
}

// Verify reports whether the checksum stored at offset off of b matches
// the checksum computed over b with that field zeroed.
func Verify(b []byte, off int) bool {
	if off < 0 || off+2 > len(b) {
		return false
	}
	return Without(b, off) == binary.BigEndian.Uint16(b[off:off+2])
}

// Put computes the checksum of b with the field at off zeroed and stores
// it at off.
func Put(b []byte, off int) {
	binary.BigEndian.PutUint16(b[off:off+2], 0)
	binary.BigEndian.PutUint16(b[off:off+2], Checksum(b))
}
