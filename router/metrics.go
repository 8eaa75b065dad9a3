// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/srouter/srouter/net/packet"
	"github.com/srouter/srouter/router/arpcache"
)

const metricsNamespace = "srouter"

// dropReason is the value of the reason label on the drops counter.
type dropReason string

const (
	dropUnknownIface dropReason = "unknown_iface"
	dropShort        dropReason = "short"
	dropEtherType    dropReason = "ethertype"
	dropARPFormat    dropReason = "arp_format"
	dropARPNotForUs  dropReason = "arp_not_for_us"
	dropARPOp        dropReason = "arp_op"
	dropIPHeader     dropReason = "ip_header"
	dropIPChecksum   dropReason = "ip_checksum"
	dropICMPChecksum dropReason = "icmp_checksum"
	dropNoRoute      dropReason = "no_route"
	dropICMPNoRoute  dropReason = "icmp_no_route"
	dropICMPRate     dropReason = "icmp_rate_limited"
	dropARPFailed    dropReason = "arp_failed"
	dropSendError    dropReason = "send_error"
)

type metrics struct {
	registry    *prometheus.Registry
	framesRx    *prometheus.CounterVec // by type
	drops       *prometheus.CounterVec // by reason
	icmpSent    *prometheus.CounterVec // by type
	arpRequests prometheus.Counter
	framesTx    prometheus.Counter
}

func newMetrics(reg *prometheus.Registry, cache *arpcache.Cache) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		registry: reg,
		framesRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Ethernet frames received, by EtherType.",
		}, []string{"type"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drops_total",
			Help:      "Frames dropped, by reason.",
		}, []string{"reason"}),
		icmpSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "icmp_sent_total",
			Help:      "ICMP messages originated, by type.",
		}, []string{"type"}),
		arpRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "arp_requests_sent_total",
			Help:      "ARP requests broadcast to resolve next hops.",
		}),
		framesTx: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Ethernet frames handed to the link layer.",
		}),
	}
	entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "arp_cache_entries",
		Help:      "Valid ARP cache entries.",
	}, func() float64 {
		n, _ := cache.Len()
		return float64(n)
	})
	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "arp_pending_requests",
		Help:      "Next hops being resolved.",
	}, func() float64 {
		_, n := cache.Len()
		return float64(n)
	})
	for _, c := range []prometheus.Collector{m.framesRx, m.drops, m.icmpSent, m.arpRequests, m.framesTx, entries, pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) drop(reason dropReason) {
	m.drops.WithLabelValues(string(reason)).Inc()
}

func (m *metrics) received(t packet.EtherType) {
	label := "other"
	switch t {
	case packet.EtherTypeIPv4:
		label = "ipv4"
	case packet.EtherTypeARP:
		label = "arp"
	}
	m.framesRx.WithLabelValues(label).Inc()
}

func (m *metrics) icmp(t packet.ICMP4Type, c packet.ICMP4Code) {
	label := "other"
	switch {
	case t == packet.ICMP4EchoReply:
		label = "echo_reply"
	case t == packet.ICMP4TimeExceeded:
		label = "time_exceeded"
	case t == packet.ICMP4Unreachable && c == packet.ICMP4NetUnreachable:
		label = "net_unreachable"
	case t == packet.ICMP4Unreachable && c == packet.ICMP4HostUnreachable:
		label = "host_unreachable"
	case t == packet.ICMP4Unreachable && c == packet.ICMP4PortUnreachable:
		label = "port_unreachable"
	}
	m.icmpSent.WithLabelValues(label).Inc()
}
