// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"encoding/binary"

	"github.com/srouter/srouter/net/packet/checksum"
)

// ICMP4HeaderLen is the size of the ICMPv4 header used by echo,
// destination unreachable and time exceeded messages: type, code,
// checksum and four type-specific bytes.
const ICMP4HeaderLen = 8

// ICMPDataSize is how many bytes of the offending datagram an ICMP
// error message carries: its IPv4 header plus the first 8 payload bytes.
const ICMPDataSize = 28

const icmp4ChecksumOffset = 2

// ICMP4Type is an ICMPv4 type, as specified in
// https://www.iana.org/assignments/icmp-parameters/icmp-parameters.xhtml
type ICMP4Type uint8

const (
	ICMP4EchoReply    ICMP4Type = 0x00
	ICMP4Unreachable  ICMP4Type = 0x03
	ICMP4SourceQuench ICMP4Type = 0x04
	ICMP4Redirect     ICMP4Type = 0x05
	ICMP4EchoRequest  ICMP4Type = 0x08
	ICMP4TimeExceeded ICMP4Type = 0x0b
	ICMP4ParamProblem ICMP4Type = 0x0c
)

func (t ICMP4Type) String() string {
	switch t {
	case ICMP4EchoReply:
		return "EchoReply"
	case ICMP4EchoRequest:
		return "EchoRequest"
	case ICMP4Unreachable:
		return "Unreachable"
	case ICMP4SourceQuench:
		return "SourceQuench"
	case ICMP4Redirect:
		return "Redirect"
	case ICMP4TimeExceeded:
		return "TimeExceeded"
	case ICMP4ParamProblem:
		return "ParamProblem"
	default:
		return "Unknown"
	}
}

// IsError reports whether t is an ICMP error message type. No ICMP error
// is ever sent in response to one of these.
func (t ICMP4Type) IsError() bool {
	switch t {
	case ICMP4Unreachable, ICMP4SourceQuench, ICMP4Redirect, ICMP4TimeExceeded, ICMP4ParamProblem:
		return true
	}
	return false
}

// ICMP4Code is an ICMPv4 code, as specified in
// https://www.iana.org/assignments/icmp-parameters/icmp-parameters.xhtml
type ICMP4Code uint8

const (
	ICMP4NoCode ICMP4Code = 0

	// Codes for ICMP4Unreachable.
	ICMP4NetUnreachable  ICMP4Code = 0
	ICMP4HostUnreachable ICMP4Code = 1
	ICMP4PortUnreachable ICMP4Code = 3
)

// ICMP4Header is an ICMPv4 header without the outer IP layer.
type ICMP4Header struct {
	Type     ICMP4Type
	Code     ICMP4Code
	Checksum uint16 // as decoded; Marshal always recomputes it
	// Rest is the type-specific second word: identifier and sequence
	// number for echo messages, unused (zero) for the error messages
	// generated here.
	Rest uint32
}

// Len implements Header.
func (h ICMP4Header) Len() int {
	return ICMP4HeaderLen
}

// Marshal implements Header. The checksum covers all of buf, so buf must
// end where the ICMP message ends.
func (h ICMP4Header) Marshal(buf []byte) error {
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	if len(buf) > maxPacketLength {
		return errLargePacket
	}
	buf[0] = uint8(h.Type)
	buf[1] = uint8(h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Rest)
	checksum.Put(buf, icmp4ChecksumOffset)
	return nil
}

// Decode reads an ICMPv4 header from the start of b.
func (h *ICMP4Header) Decode(b []byte) error {
	if len(b) < ICMP4HeaderLen {
		return ErrShort
	}
	h.Type = ICMP4Type(b[0])
	h.Code = ICMP4Code(b[1])
	h.Checksum = binary.BigEndian.Uint16(b[2:4])
	h.Rest = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// ICMP4ChecksumOK reports whether the ICMP message b (header plus data)
// carries a correct checksum.
func ICMP4ChecksumOK(b []byte) bool {
	if len(b) < ICMP4HeaderLen {
		return false
	}
	return checksum.Verify(b, icmp4ChecksumOffset)
}
