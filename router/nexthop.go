// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"github.com/srouter/srouter/net/netif"
	"github.com/srouter/srouter/net/packet"
)

// nextHop sends frame, whose destination MAC is not yet filled in, to hop
// out of out. If hop's link address is unknown the frame is queued until
// Tick's ARP requests resolve it or give up.
func (r *Router) nextHop(frame []byte, hop packet.IP4, out netif.Interface) {
	if e, ok := r.cache.LookupOrQueue(hop, frame, out.Name); ok {
		r.transmit(frame, e.MAC, out)
	}
}

// transmit addresses frame from out to dst and sends it.
func (r *Router) transmit(frame []byte, dst packet.MAC, out netif.Interface) {
	packet.SetEthernetAddrs(frame, dst, out.MAC)
	r.send(frame, out.Name)
}

// send hands frame to the link layer. Failures are counted and logged,
// never returned: the sender of the datagram gets no feedback.
func (r *Router) send(frame []byte, iface string) bool {
	if err := r.sender.Send(frame, iface); err != nil {
		r.drop(dropSendError, "send on %s: %v", iface, err)
		return false
	}
	r.m.framesTx.Inc()
	return true
}
