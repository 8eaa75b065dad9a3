// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"encoding/binary"
	"fmt"
)

// ARPHeaderLen is the length of an ARP message for Ethernet and IPv4.
const ARPHeaderLen = 28

// ARPHardwareEthernet is the ARP hardware type for Ethernet.
const ARPHardwareEthernet = 1

// ARPOp is an ARP operation code.
type ARPOp uint16

const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

func (op ARPOp) String() string {
	switch op {
	case ARPRequest:
		return "request"
	case ARPReply:
		return "reply"
	default:
		return fmt.Sprintf("ARPOp(%d)", uint16(op))
	}
}

// ARPHeader is an ARP message (RFC 826). Only Ethernet/IPv4 address
// sizes are representable; see IsEthernetIPv4.
type ARPHeader struct {
	HwType    uint16
	ProtoType EtherType
	HwLen     uint8
	ProtoLen  uint8
	Op        ARPOp
	SenderMAC MAC
	SenderIP  IP4
	TargetMAC MAC
	TargetIP  IP4
}

// Len implements Header.
func (h ARPHeader) Len() int {
	return ARPHeaderLen
}

// Marshal implements Header. Zero HwType, ProtoType and address lengths
// are written as Ethernet/IPv4.
func (h ARPHeader) Marshal(buf []byte) error {
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	if h.HwType == 0 {
		h.HwType = ARPHardwareEthernet
	}
	if h.ProtoType == 0 {
		h.ProtoType = EtherTypeIPv4
	}
	if h.HwLen == 0 {
		h.HwLen = 6
	}
	if h.ProtoLen == 0 {
		h.ProtoLen = 4
	}
	binary.BigEndian.PutUint16(buf[0:2], h.HwType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.ProtoType))
	buf[4] = h.HwLen
	buf[5] = h.ProtoLen
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Op))
	copy(buf[8:14], h.SenderMAC[:])
	binary.BigEndian.PutUint32(buf[14:18], uint32(h.SenderIP))
	copy(buf[18:24], h.TargetMAC[:])
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.TargetIP))
	return nil
}

// Decode reads an ARP message from the start of b. It does not check
// the hardware and protocol fields; see IsEthernetIPv4.
func (h *ARPHeader) Decode(b []byte) error {
	if len(b) < ARPHeaderLen {
		return ErrShort
	}
	h.HwType = binary.BigEndian.Uint16(b[0:2])
	h.ProtoType = EtherType(binary.BigEndian.Uint16(b[2:4]))
	h.HwLen = b[4]
	h.ProtoLen = b[5]
	h.Op = ARPOp(binary.BigEndian.Uint16(b[6:8]))
	h.SenderMAC = MAC(b[8:14])
	h.SenderIP = IP4FromBytes(b[14:18])
	h.TargetMAC = MAC(b[18:24])
	h.TargetIP = IP4FromBytes(b[24:28])
	return nil
}

// IsEthernetIPv4 reports whether h resolves IPv4 addresses to Ethernet
// addresses, the only combination the router speaks.
func (h ARPHeader) IsEthernetIPv4() bool {
	return h.HwType == ARPHardwareEthernet &&
		h.ProtoType == EtherTypeIPv4 &&
		h.HwLen == 6 &&
		h.ProtoLen == 4
}
