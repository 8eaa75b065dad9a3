// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"bufio"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/srouter/srouter/net/netif"
	"github.com/srouter/srouter/net/packet"
	"github.com/srouter/srouter/router/arpcache"
	"github.com/srouter/srouter/types/logger"
)

// HandleFrame processes one Ethernet frame received on the interface
// named iface. It may modify frame in place but does not retain it.
func (r *Router) HandleFrame(frame []byte, iface string) {
	var eth packet.EthernetHeader
	if err := eth.Decode(frame); err != nil {
		r.m.received(0)
		r.drop(dropShort, "%d byte frame on %s", len(frame), iface)
		return
	}
	r.m.received(eth.Type)
	if r.verbose {
		r.logf("rx %s: %v", iface, dumpFrame(frame))
	}
	in, ok := r.ifs.ByName(iface)
	if !ok {
		r.drop(dropUnknownIface, "frame on unknown interface %q", iface)
		return
	}

	switch eth.Type {
	case packet.EtherTypeARP:
		r.handleARP(frame, in)
	case packet.EtherTypeIPv4:
		r.handleIPv4(frame, in)
	default:
		r.drop(dropEtherType, "%v frame on %s", eth.Type, iface)
	}
}

func dumpFrame(frame []byte) logger.ArgWriter {
	return func(bw *bufio.Writer) {
		p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		bw.WriteString(p.String())
	}
}

func (r *Router) handleARP(frame []byte, in netif.Interface) {
	var a packet.ARPHeader
	if err := a.Decode(frame[packet.EthernetHeaderLen:]); err != nil {
		r.drop(dropShort, "short ARP on %s", in.Name)
		return
	}
	if !a.IsEthernetIPv4() {
		// Not ours to speak; no log.
		r.m.drop(dropARPFormat)
		return
	}
	local, ok := r.ifs.ByIP(a.TargetIP)
	if !ok {
		r.m.drop(dropARPNotForUs)
		return
	}

	switch a.Op {
	case packet.ARPRequest:
		r.sendARPReply(local, a.SenderMAC, a.SenderIP)
		// A sender of 0.0.0.0 is checking whether the target address is
		// in use and has no address of its own to learn.
		if a.SenderIP != 0 {
			r.resolved(a.SenderMAC, a.SenderIP)
		}
	case packet.ARPReply:
		if a.TargetMAC != local.MAC {
			r.m.drop(dropARPNotForUs)
			return
		}
		r.resolved(a.SenderMAC, a.SenderIP)
	default:
		r.drop(dropARPOp, "ARP op %v on %s", a.Op, in.Name)
	}
}

// resolved records that ip is at mac and sends every frame that was
// waiting on that resolution.
func (r *Router) resolved(mac packet.MAC, ip packet.IP4) {
	req := r.cache.Insert(mac, ip)
	if req == nil {
		return
	}
	r.drain(req, mac)
	r.cache.DestroyRequest(req)
}

// drain sends the frames queued on req, now owned by the caller, to mac
// in the order they were queued.
func (r *Router) drain(req *arpcache.Request, mac packet.MAC) {
	for _, p := range req.Packets {
		out, ok := r.ifs.ByName(p.Iface)
		if !ok {
			r.drop(dropUnknownIface, "queued frame for unknown interface %q", p.Iface)
			continue
		}
		r.transmit(p.Frame, mac, out)
	}
}

func (r *Router) sendARPReply(from netif.Interface, toMAC packet.MAC, toIP packet.IP4) {
	frame := make([]byte, packet.EthernetHeaderLen+packet.ARPHeaderLen)
	eth := packet.EthernetHeader{Dst: toMAC, Src: from.MAC, Type: packet.EtherTypeARP}
	arp := packet.ARPHeader{
		Op:        packet.ARPReply,
		SenderMAC: from.MAC,
		SenderIP:  from.IP,
		TargetMAC: toMAC,
		TargetIP:  toIP,
	}
	eth.Marshal(frame)
	arp.Marshal(frame[packet.EthernetHeaderLen:])
	r.send(frame, from.Name)
}

// sendARPRequest broadcasts a request for ip out of the interface the
// routing table picks for it.
func (r *Router) sendARPRequest(ip packet.IP4) {
	rt, ok := r.routes.Lookup(ip)
	if !ok {
		r.drop(dropNoRoute, "no route to ARP for %v", ip)
		return
	}
	out, ok := r.ifs.ByName(rt.Iface)
	if !ok {
		r.drop(dropUnknownIface, "route to %v via unknown interface %q", ip, rt.Iface)
		return
	}
	frame := make([]byte, packet.EthernetHeaderLen+packet.ARPHeaderLen)
	eth := packet.EthernetHeader{Dst: packet.BroadcastMAC, Src: out.MAC, Type: packet.EtherTypeARP}
	arp := packet.ARPHeader{
		Op:        packet.ARPRequest,
		SenderMAC: out.MAC,
		SenderIP:  out.IP,
		TargetIP:  ip,
	}
	eth.Marshal(frame)
	arp.Marshal(frame[packet.EthernetHeaderLen:])
	if r.send(frame, out.Name) {
		r.m.arpRequests.Inc()
	}
}
