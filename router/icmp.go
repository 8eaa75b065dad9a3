// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"github.com/srouter/srouter/net/netif"
	"github.com/srouter/srouter/net/packet"
)

// icmpErrorLen is the length of the IPv4 datagram carrying an ICMP error.
const icmpErrorLen = packet.IP4HeaderLen + packet.ICMP4HeaderLen + packet.ICMPDataSize

// routeBack returns the route and egress interface for a response to src.
func (r *Router) routeBack(src packet.IP4) (packet.IP4, netif.Interface, bool) {
	rt, ok := r.routes.Lookup(src)
	if !ok {
		r.m.drop(dropICMPNoRoute)
		return 0, netif.Interface{}, false
	}
	out, ok := r.ifs.ByName(rt.Iface)
	if !ok {
		r.drop(dropUnknownIface, "route %v via unknown interface %q", rt.Prefix, rt.Iface)
		return 0, netif.Interface{}, false
	}
	return rt.NextHop(src), out, true
}

// sendEchoReply answers the echo request dgram, whose header is h. The
// reply is the request with addresses swapped, a fresh TTL and new
// checksums.
func (r *Router) sendEchoReply(dgram []byte, h packet.IP4Header) {
	hop, out, ok := r.routeBack(h.Src)
	if !ok {
		return
	}
	frame := make([]byte, packet.EthernetHeaderLen+len(dgram))
	packet.EthernetHeader{Type: packet.EtherTypeIPv4}.Marshal(frame)
	reply := frame[packet.EthernetHeaderLen:]
	copy(reply, dgram)

	rh := h
	rh.Src, rh.Dst = h.Dst, h.Src
	rh.TTL = packet.DefaultTTL
	rh.Marshal(reply)

	msg := reply[h.HeaderLen():]
	var ih packet.ICMP4Header
	ih.Decode(msg)
	ih.Type = packet.ICMP4EchoReply
	ih.Marshal(msg)

	r.m.icmp(packet.ICMP4EchoReply, packet.ICMP4NoCode)
	r.nextHop(frame, hop, out)
}

// errorAllowed reports whether an ICMP error may be sent about dgram.
// No error is ever sent about an ICMP error, or to a source that does
// not name a single host.
func errorAllowed(dgram []byte, h packet.IP4Header) bool {
	if h.Src == 0 || h.Src.IsBroadcast() || h.Src.IsMulticast() {
		return false
	}
	if h.Proto == packet.ICMPv4 {
		if hl := h.HeaderLen(); len(dgram) > hl && packet.ICMP4Type(dgram[hl]).IsError() {
			return false
		}
	}
	return true
}

// sendICMPError sends an ICMP error of type typ and code about dgram,
// whose header is h, back to its source, subject to the ICMP error rate
// limit. The message carries the first packet.ICMPDataSize bytes of dgram.
func (r *Router) sendICMPError(dgram []byte, h packet.IP4Header, typ packet.ICMP4Type, code packet.ICMP4Code) {
	if !errorAllowed(dgram, h) {
		return
	}
	if r.icmpLim != nil && !r.icmpLim.Allow() {
		r.m.drop(dropICMPRate)
		return
	}
	r.emitICMPError(dgram, h, typ, code)
}

// sendHostUnreachable answers a datagram whose next hop never resolved.
// Every queued datagram gets exactly one, so the rate limit does not
// apply; the ARP retry protocol already bounds how often this happens.
func (r *Router) sendHostUnreachable(dgram []byte, h packet.IP4Header) {
	if !errorAllowed(dgram, h) {
		return
	}
	r.emitICMPError(dgram, h, packet.ICMP4Unreachable, packet.ICMP4HostUnreachable)
}

func (r *Router) emitICMPError(dgram []byte, h packet.IP4Header, typ packet.ICMP4Type, code packet.ICMP4Code) {
	hop, out, ok := r.routeBack(h.Src)
	if !ok {
		return
	}
	src := out.IP
	if typ == packet.ICMP4Unreachable && code == packet.ICMP4PortUnreachable {
		// The port that was unreachable is on the address the sender used.
		src = h.Dst
	}

	frame := make([]byte, packet.EthernetHeaderLen+icmpErrorLen)
	packet.EthernetHeader{Type: packet.EtherTypeIPv4}.Marshal(frame)
	ip := packet.IP4Header{
		TOS:      h.TOS,
		TotalLen: icmpErrorLen,
		ID:       h.ID,
		TTL:      packet.DefaultTTL,
		Proto:    packet.ICMPv4,
		Src:      src,
		Dst:      h.Src,
	}
	ip.Marshal(frame[packet.EthernetHeaderLen:])
	msg := frame[packet.EthernetHeaderLen+packet.IP4HeaderLen:]
	copy(msg[packet.ICMP4HeaderLen:], dgram)
	packet.ICMP4Header{Type: typ, Code: code}.Marshal(msg)

	r.m.icmp(typ, code)
	r.nextHop(frame, hop, out)
}
