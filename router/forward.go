// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"github.com/srouter/srouter/net/netif"
	"github.com/srouter/srouter/net/packet"
)

// handleIPv4 validates the datagram in frame and either delivers it
// locally or forwards it.
func (r *Router) handleIPv4(frame []byte, in netif.Interface) {
	if len(frame) < packet.EthernetHeaderLen+packet.IP4HeaderLen {
		r.drop(dropShort, "short IPv4 frame on %s", in.Name)
		return
	}
	dgram := frame[packet.EthernetHeaderLen:]
	var h packet.IP4Header
	h.Decode(dgram) // length checked above
	if !h.Valid() {
		r.drop(dropIPHeader, "version %d IHL %d from %v", h.Version, h.IHL, h.Src)
		return
	}
	hlen := h.HeaderLen()
	if hlen > len(dgram) || int(h.TotalLen) < hlen || int(h.TotalLen) > len(dgram) {
		r.drop(dropIPHeader, "bad lengths: header %d total %d frame %d from %v", hlen, h.TotalLen, len(dgram), h.Src)
		return
	}
	if !packet.IP4ChecksumOK(dgram, hlen) {
		r.drop(dropIPChecksum, "bad IP checksum from %v", h.Src)
		return
	}
	// Ignore Ethernet padding past the datagram.
	frame = frame[:packet.EthernetHeaderLen+int(h.TotalLen)]
	dgram = frame[packet.EthernetHeaderLen:]

	if _, ok := r.ifs.ByIP(h.Dst); ok {
		r.deliverLocal(dgram, h)
		return
	}
	r.forward(frame, h)
}

// deliverLocal handles a datagram addressed to one of the router's own
// interfaces. Only pings are answered; anything else gets port
// unreachable.
func (r *Router) deliverLocal(dgram []byte, h packet.IP4Header) {
	if h.Proto == packet.ICMPv4 {
		msg := dgram[h.HeaderLen():]
		var ih packet.ICMP4Header
		if ih.Decode(msg) == nil && ih.Type == packet.ICMP4EchoRequest && ih.Code == 0 {
			if !packet.ICMP4ChecksumOK(msg) {
				r.drop(dropICMPChecksum, "bad ICMP checksum on echo request from %v", h.Src)
				return
			}
			r.sendEchoReply(dgram, h)
			return
		}
	}
	r.sendICMPError(dgram, h, packet.ICMP4Unreachable, packet.ICMP4PortUnreachable)
}

// forward routes the datagram in frame toward its destination. frame is
// modified in place.
func (r *Router) forward(frame []byte, h packet.IP4Header) {
	dgram := frame[packet.EthernetHeaderLen:]
	if h.TTL <= 1 {
		r.sendICMPError(dgram, h, packet.ICMP4TimeExceeded, packet.ICMP4NoCode)
		return
	}
	packet.SetIP4TTL(dgram, h.HeaderLen(), h.TTL-1)
	rt, ok := r.routes.Lookup(h.Dst)
	if !ok {
		r.sendICMPError(dgram, h, packet.ICMP4Unreachable, packet.ICMP4NetUnreachable)
		r.drop(dropNoRoute, "no route to %v from %v", h.Dst, h.Src)
		return
	}
	out, ok := r.ifs.ByName(rt.Iface)
	if !ok {
		r.drop(dropUnknownIface, "route %v via unknown interface %q", rt.Prefix, rt.Iface)
		return
	}
	r.nextHop(frame, rt.NextHop(h.Dst), out)
}
