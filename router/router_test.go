// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package router

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/srouter/srouter/net/netif"
	"github.com/srouter/srouter/net/packet"
	"github.com/srouter/srouter/net/routetable"
	"github.com/srouter/srouter/router/arpcache"
	"github.com/srouter/srouter/tstest"
)

var ip4 = packet.MustParseIP4

var (
	eth0 = netif.Interface{Name: "eth0", MAC: packet.MAC{0x52, 0x54, 0, 0, 0, 1}, IP: ip4("10.0.1.1")}
	eth1 = netif.Interface{Name: "eth1", MAC: packet.MAC{0x52, 0x54, 0, 0, 0, 2}, IP: ip4("192.168.2.1")}

	hostMAC   = packet.MAC{0x02, 0, 0, 0, 0, 0x64}
	hostIP    = "10.0.1.100"
	serverMAC = packet.MAC{0x02, 0, 0, 0, 0, 0x32}
	serverIP  = "192.168.2.50"
	gwMAC     = packet.MAC{0x02, 0, 0, 0, 0, 0xfe}
)

type sentFrame struct {
	iface string
	frame []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentFrame
	err  error
}

func (s *fakeSender) Send(frame []byte, iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentFrame{iface, bytes.Clone(frame)})
	return nil
}

// take returns and forgets the frames sent so far.
func (s *fakeSender) take() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := s.sent
	s.sent = nil
	return ret
}

type testEnv struct {
	t     *testing.T
	r     *Router
	s     *fakeSender
	clock *tstest.Clock
}

func newTestEnv(t *testing.T, mod func(*Config)) *testEnv {
	t.Helper()
	ifs, err := netif.NewTable(eth0, eth1)
	if err != nil {
		t.Fatal(err)
	}
	var routes routetable.Table
	for _, rt := range []routetable.Route{
		{Prefix: netip.MustParsePrefix("10.0.1.0/24"), Iface: "eth0"},
		{Prefix: netip.MustParsePrefix("192.168.2.0/24"), Iface: "eth1"},
		{Prefix: netip.MustParsePrefix("172.16.0.0/12"), Gateway: ip4("192.168.2.254"), Iface: "eth1"},
	} {
		if err := routes.Insert(rt); err != nil {
			t.Fatal(err)
		}
	}
	e := &testEnv{
		t:     t,
		s:     new(fakeSender),
		clock: tstest.NewClock(tstest.ClockOpts{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), TimerChannelSize: 10}),
	}
	c := Config{
		Logf:       t.Logf,
		Interfaces: ifs,
		Routes:     &routes,
		Sender:     e.s,
		Clock:      e.clock,
	}
	if mod != nil {
		mod(&c)
	}
	e.r, err = New(c)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// resolveHost teaches the router where the test host is by having the
// host ARP for the router, and discards the router's reply.
func (e *testEnv) resolveHost() {
	e.r.HandleFrame(arpFrame(e.t, layers.ARPRequest, hostMAC, hostIP, packet.MAC{}, "10.0.1.1", packet.BroadcastMAC), "eth0")
	if got := e.s.take(); len(got) != 1 {
		e.t.Fatalf("ARP from host produced %d frames", len(got))
	}
}

func mkPacket(t *testing.T, ll ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ll...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func ipLayer(src, dst string, ttl uint8, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      0x10,
		Id:       0x4242,
		TTL:      ttl,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func hostEth(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: hostMAC.HWAddr(), DstMAC: eth0.MAC.HWAddr(), EthernetType: typ}
}

func echoRequest(t *testing.T, dst string, ttl uint8) []byte {
	return mkPacket(t,
		hostEth(layers.EthernetTypeIPv4),
		ipLayer(hostIP, dst, ttl, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 7, Seq: 9},
		gopacket.Payload("ping payload"),
	)
}

func udpFrame(t *testing.T, dst string, ttl uint8, payload string) []byte {
	ip := ipLayer(hostIP, dst, ttl, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	return mkPacket(t, hostEth(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

func arpFrame(t *testing.T, op uint16, srcMAC packet.MAC, srcIP string, dstMAC packet.MAC, dstIP string, ethDst packet.MAC) []byte {
	return mkPacket(t,
		&layers.Ethernet{SrcMAC: srcMAC.HWAddr(), DstMAC: ethDst.HWAddr(), EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         op,
			SourceHwAddress:   srcMAC.HWAddr(),
			SourceProtAddress: net.ParseIP(srcIP).To4(),
			DstHwAddress:      dstMAC.HWAddr(),
			DstProtAddress:    net.ParseIP(dstIP).To4(),
		},
	)
}

type decoded struct {
	eth  *layers.Ethernet
	arp  *layers.ARP
	ip   *layers.IPv4
	icmp *layers.ICMPv4
}

func decode(t *testing.T, frame []byte) decoded {
	t.Helper()
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	var d decoded
	d.eth, _ = p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	d.arp, _ = p.Layer(layers.LayerTypeARP).(*layers.ARP)
	d.ip, _ = p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	d.icmp, _ = p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if d.eth == nil {
		t.Fatalf("not an Ethernet frame: % x", frame)
	}
	if d.ip != nil {
		dgram := frame[packet.EthernetHeaderLen:]
		if !packet.IP4ChecksumOK(dgram, int(d.ip.IHL)*4) {
			t.Errorf("bad IP checksum in %v", p)
		}
		if d.icmp != nil && !packet.ICMP4ChecksumOK(dgram[int(d.ip.IHL)*4:d.ip.Length]) {
			t.Errorf("bad ICMP checksum in %v", p)
		}
	}
	return d
}

// expectOne asserts exactly one frame was sent, out iface, and decodes it.
func (e *testEnv) expectOne(iface string) decoded {
	e.t.Helper()
	got := e.s.take()
	if len(got) != 1 {
		e.t.Fatalf("sent %d frames; want 1", len(got))
	}
	if got[0].iface != iface {
		e.t.Errorf("sent out %s; want %s", got[0].iface, iface)
	}
	return decode(e.t, got[0].frame)
}

func (e *testEnv) expectNone() {
	e.t.Helper()
	if got := e.s.take(); len(got) != 0 {
		e.t.Fatalf("sent %d frames; want none", len(got))
	}
}

func metricValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue() + m.GetGauge().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func (e *testEnv) drops(reason dropReason) float64 {
	return metricValue(e.t, e.r.Registry(), "srouter_drops_total", "reason", string(reason))
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty Config succeeded")
	}
}

func TestARPRequestForRouter(t *testing.T) {
	e := newTestEnv(t, nil)
	e.r.HandleFrame(arpFrame(t, layers.ARPRequest, hostMAC, hostIP, packet.MAC{}, "10.0.1.1", packet.BroadcastMAC), "eth0")
	d := e.expectOne("eth0")
	if d.arp == nil {
		t.Fatal("reply is not ARP")
	}
	if !bytes.Equal(d.eth.DstMAC, hostMAC[:]) || !bytes.Equal(d.eth.SrcMAC, eth0.MAC[:]) {
		t.Errorf("eth %v -> %v", d.eth.SrcMAC, d.eth.DstMAC)
	}
	a := d.arp
	if a.Operation != layers.ARPReply ||
		!bytes.Equal(a.SourceHwAddress, eth0.MAC[:]) ||
		!bytes.Equal(a.SourceProtAddress, []byte{10, 0, 1, 1}) ||
		!bytes.Equal(a.DstHwAddress, hostMAC[:]) ||
		!bytes.Equal(a.DstProtAddress, []byte{10, 0, 1, 100}) {
		t.Errorf("bad ARP reply: %+v", a)
	}
	// The requester was learned.
	if ent, ok := e.r.Cache().Lookup(ip4(hostIP)); !ok || ent.MAC != hostMAC {
		t.Errorf("sender not cached: %+v, %v", ent, ok)
	}
}

// TestARPRequestZeroSender checks that a request from 0.0.0.0, sent by a
// host checking whether an address is taken, is answered but not learned.
func TestARPRequestZeroSender(t *testing.T) {
	e := newTestEnv(t, nil)
	e.r.HandleFrame(arpFrame(t, layers.ARPRequest, hostMAC, "0.0.0.0", packet.MAC{}, "10.0.1.1", packet.BroadcastMAC), "eth0")
	d := e.expectOne("eth0")
	if d.arp == nil || d.arp.Operation != layers.ARPReply || !bytes.Equal(d.arp.DstHwAddress, hostMAC[:]) {
		t.Fatalf("bad reply: %+v", d.arp)
	}
	if n, _ := e.r.Cache().Len(); n != 0 {
		t.Errorf("cache has %d entries; want 0: %v", n, e.r.Cache().Entries())
	}
}

func TestARPIgnored(t *testing.T) {
	tests := []struct {
		name   string
		frame  func(t *testing.T) []byte
		reason dropReason
	}{
		{
			name: "not-our-ip",
			frame: func(t *testing.T) []byte {
				return arpFrame(t, layers.ARPRequest, hostMAC, hostIP, packet.MAC{}, "10.0.1.77", packet.BroadcastMAC)
			},
			reason: dropARPNotForUs,
		},
		{
			name: "reply-wrong-target-mac",
			frame: func(t *testing.T) []byte {
				return arpFrame(t, layers.ARPReply, hostMAC, hostIP, packet.MAC{9, 9, 9, 9, 9, 9}, "10.0.1.1", eth0.MAC)
			},
			reason: dropARPNotForUs,
		},
		{
			name: "bad-op",
			frame: func(t *testing.T) []byte {
				return arpFrame(t, 3, hostMAC, hostIP, packet.MAC{}, "10.0.1.1", packet.BroadcastMAC)
			},
			reason: dropARPOp,
		},
		{
			name: "bad-hwtype",
			frame: func(t *testing.T) []byte {
				f := arpFrame(t, layers.ARPRequest, hostMAC, hostIP, packet.MAC{}, "10.0.1.1", packet.BroadcastMAC)
				f[packet.EthernetHeaderLen+1] = 6 // IEEE 802
				return f
			},
			reason: dropARPFormat,
		},
		{
			name: "short",
			frame: func(t *testing.T) []byte {
				f := arpFrame(t, layers.ARPRequest, hostMAC, hostIP, packet.MAC{}, "10.0.1.1", packet.BroadcastMAC)
				return f[:packet.EthernetHeaderLen+20]
			},
			reason: dropShort,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			e.r.HandleFrame(tt.frame(t), "eth0")
			e.expectNone()
			if got := e.drops(tt.reason); got != 1 {
				t.Errorf("drops{%s} = %v; want 1", tt.reason, got)
			}
			if n, _ := e.r.Cache().Len(); n != 0 {
				t.Errorf("cache has %d entries; want 0", n)
			}
		})
	}
}

func TestEchoReply(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(echoRequest(t, "10.0.1.1", 30), "eth0")
	d := e.expectOne("eth0")
	if !bytes.Equal(d.eth.DstMAC, hostMAC[:]) || !bytes.Equal(d.eth.SrcMAC, eth0.MAC[:]) {
		t.Errorf("eth %v -> %v", d.eth.SrcMAC, d.eth.DstMAC)
	}
	if d.ip == nil || d.icmp == nil {
		t.Fatal("reply is not ICMP")
	}
	if !d.ip.SrcIP.Equal(net.IPv4(10, 0, 1, 1)) || !d.ip.DstIP.Equal(net.IPv4(10, 0, 1, 100)) {
		t.Errorf("ip %v -> %v", d.ip.SrcIP, d.ip.DstIP)
	}
	if d.ip.TTL != 64 {
		t.Errorf("TTL = %d; want 64", d.ip.TTL)
	}
	if d.icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply || d.icmp.Id != 7 || d.icmp.Seq != 9 {
		t.Errorf("icmp = %v id %d seq %d", d.icmp.TypeCode, d.icmp.Id, d.icmp.Seq)
	}
	if string(d.icmp.Payload) != "ping payload" {
		t.Errorf("payload = %q", d.icmp.Payload)
	}
	if got := metricValue(t, e.r.Registry(), "srouter_icmp_sent_total", "type", "echo_reply"); got != 1 {
		t.Errorf("icmp_sent{echo_reply} = %v", got)
	}
}

func TestEchoToOtherInterface(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(echoRequest(t, "192.168.2.1", 30), "eth0")
	d := e.expectOne("eth0")
	if !d.ip.SrcIP.Equal(net.IPv4(192, 168, 2, 1)) {
		t.Errorf("reply from %v; want the pinged address", d.ip.SrcIP)
	}
}

func TestEchoBadICMPChecksum(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	f := echoRequest(t, "10.0.1.1", 30)
	f[packet.EthernetHeaderLen+packet.IP4HeaderLen+2] ^= 0xff
	e.r.HandleFrame(f, "eth0")
	e.expectNone()
	if got := e.drops(dropICMPChecksum); got != 1 {
		t.Errorf("drops{icmp_checksum} = %v", got)
	}
}

func TestIPHeaderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		reason dropReason
	}{
		{"ihl-4", func(f []byte) []byte { f[packet.EthernetHeaderLen] = 0x44; return f }, dropIPHeader},
		{"version-6", func(f []byte) []byte { f[packet.EthernetHeaderLen] = 0x65; return f }, dropIPHeader},
		{"checksum", func(f []byte) []byte { f[packet.EthernetHeaderLen+10] ^= 0x01; return f }, dropIPChecksum},
		{"total-len-too-long", func(f []byte) []byte {
			f[packet.EthernetHeaderLen+2] = 0x05 // 1280+
			return f
		}, dropIPHeader},
		{"short", func(f []byte) []byte { return f[:packet.EthernetHeaderLen+19] }, dropShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			e.resolveHost()
			e.r.HandleFrame(tt.mutate(echoRequest(t, "10.0.1.1", 30)), "eth0")
			e.expectNone()
			if got := e.drops(tt.reason); got != 1 {
				t.Errorf("drops{%s} = %v; want 1", tt.reason, got)
			}
		})
	}
}

func TestDispatchDrops(t *testing.T) {
	e := newTestEnv(t, nil)
	e.r.HandleFrame(make([]byte, 10), "eth0")
	f := mkPacket(t, &layers.Ethernet{SrcMAC: hostMAC.HWAddr(), DstMAC: eth0.MAC.HWAddr(), EthernetType: layers.EthernetTypeIPv6}, gopacket.Payload(make([]byte, 40)))
	e.r.HandleFrame(f, "eth0")
	e.r.HandleFrame(echoRequest(t, "10.0.1.1", 30), "eth9")
	e.expectNone()
	for _, reason := range []dropReason{dropShort, dropEtherType, dropUnknownIface} {
		if got := e.drops(reason); got != 1 {
			t.Errorf("drops{%s} = %v; want 1", reason, got)
		}
	}
}

func TestPortUnreachable(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	orig := udpFrame(t, "192.168.2.1", 30, "hello")
	e.r.HandleFrame(bytes.Clone(orig), "eth0")
	d := e.expectOne("eth0")
	if d.icmp == nil {
		t.Fatal("no ICMP")
	}
	if d.icmp.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort) {
		t.Errorf("type/code = %v", d.icmp.TypeCode)
	}
	// Port unreachable comes from the address the sender tried.
	if !d.ip.SrcIP.Equal(net.IPv4(192, 168, 2, 1)) || !d.ip.DstIP.Equal(net.IPv4(10, 0, 1, 100)) {
		t.Errorf("ip %v -> %v", d.ip.SrcIP, d.ip.DstIP)
	}
	if !bytes.Equal(d.icmp.Payload, orig[packet.EthernetHeaderLen:packet.EthernetHeaderLen+packet.ICMPDataSize]) {
		t.Errorf("embedded data mismatch:\n got % x", d.icmp.Payload)
	}
}

func TestICMPErrorFields(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(udpFrame(t, "10.0.1.1", 30, "x"), "eth0")
	d := e.expectOne("eth0")
	ip := d.ip
	if ip.IHL != 5 || ip.TTL != 64 || ip.Protocol != layers.IPProtocolICMPv4 || ip.TOS != 0x10 || ip.Id != 0x4242 {
		t.Errorf("bad IP header: %+v", ip)
	}
	if ip.Length != icmpErrorLen {
		t.Errorf("Length = %d; want %d", ip.Length, icmpErrorLen)
	}
	if ip.Flags&layers.IPv4DontFragment != 0 {
		t.Error("DF set")
	}
	if len(d.icmp.Payload) != packet.ICMPDataSize {
		t.Errorf("payload len = %d", len(d.icmp.Payload))
	}
}

func TestNetUnreachable(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	orig := udpFrame(t, "8.8.8.8", 30, "dns?")
	e.r.HandleFrame(bytes.Clone(orig), "eth0")
	d := e.expectOne("eth0")
	if d.icmp.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeNet) {
		t.Errorf("type/code = %v", d.icmp.TypeCode)
	}
	if !d.ip.SrcIP.Equal(net.IPv4(10, 0, 1, 1)) {
		t.Errorf("source %v; want egress interface address", d.ip.SrcIP)
	}
	// The embedded header is the one the router was forwarding, TTL
	// already decremented.
	if got := d.icmp.Payload[8]; got != 29 {
		t.Errorf("embedded TTL = %d; want 29", got)
	}
	if !bytes.Equal(d.icmp.Payload[12:20], orig[packet.EthernetHeaderLen+12:packet.EthernetHeaderLen+20]) {
		t.Error("embedded addresses mismatch")
	}
	if got := e.drops(dropNoRoute); got != 1 {
		t.Errorf("drops{no_route} = %v", got)
	}
}

func TestTimeExceeded(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(udpFrame(t, serverIP, 1, "x"), "eth0")
	d := e.expectOne("eth0")
	if d.icmp.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded) {
		t.Errorf("type/code = %v", d.icmp.TypeCode)
	}
	if !d.ip.SrcIP.Equal(net.IPv4(10, 0, 1, 1)) || !d.ip.DstIP.Equal(net.IPv4(10, 0, 1, 100)) {
		t.Errorf("ip %v -> %v", d.ip.SrcIP, d.ip.DstIP)
	}
	if got := d.icmp.Payload[8]; got != 1 {
		t.Errorf("embedded TTL = %d; want 1", got)
	}
	if n, p := e.r.Cache().Len(); n != 1 || p != 0 {
		t.Errorf("cache entries/pending = %d/%d", n, p)
	}
}

func TestNoErrorAboutErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	f := mkPacket(t,
		hostEth(layers.EthernetTypeIPv4),
		ipLayer(hostIP, "10.0.1.1", 30, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost)},
		gopacket.Payload(make([]byte, 28)),
	)
	e.r.HandleFrame(f, "eth0")
	e.expectNone()

	// A TTL-expiring ICMP error is not answered either.
	f = mkPacket(t,
		hostEth(layers.EthernetTypeIPv4),
		ipLayer(hostIP, serverIP, 1, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, 0)},
		gopacket.Payload(make([]byte, 28)),
	)
	e.r.HandleFrame(f, "eth0")
	e.expectNone()

	// Other ICMP to the router gets port unreachable.
	f = mkPacket(t,
		hostEth(layers.EthernetTypeIPv4),
		ipLayer(hostIP, "10.0.1.1", 30, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimestampRequest, 0)},
		gopacket.Payload(make([]byte, 12)),
	)
	e.r.HandleFrame(f, "eth0")
	d := e.expectOne("eth0")
	if d.icmp.TypeCode.Code() != layers.ICMPv4CodePort {
		t.Errorf("got %v", d.icmp.TypeCode)
	}
}

func TestNoErrorToBroadcastSource(t *testing.T) {
	e := newTestEnv(t, nil)
	ip := ipLayer("255.255.255.255", "10.0.1.1", 30, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 1, DstPort: 2}
	udp.SetNetworkLayerForChecksum(ip)
	e.r.HandleFrame(mkPacket(t, hostEth(layers.EthernetTypeIPv4), ip, udp), "eth0")
	e.expectNone()
	if _, p := e.r.Cache().Len(); p != 0 {
		t.Errorf("%d pending requests; want 0", p)
	}
}

// TestARPRetryThenHostUnreachable checks the resolution protocol end to
// end: five ARP requests about a second apart, then one ICMP host
// unreachable per queued datagram.
func TestARPRetryThenHostUnreachable(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(udpFrame(t, serverIP, 30, "one"), "eth0")
	e.r.HandleFrame(udpFrame(t, serverIP, 30, "two"), "eth0")
	e.expectNone() // queued

	if reqs := e.r.Cache().Requests(); len(reqs) != 1 || len(reqs[0].Packets) != 2 {
		t.Fatalf("pending = %+v", reqs)
	}

	for i := range arpcache.MaxAttempts {
		e.r.Tick()
		d := e.expectOne("eth1")
		if d.arp == nil {
			t.Fatalf("tick %d: not ARP", i)
		}
		if d.arp.Operation != layers.ARPRequest ||
			!bytes.Equal(d.eth.DstMAC, packet.BroadcastMAC[:]) ||
			!bytes.Equal(d.arp.SourceHwAddress, eth1.MAC[:]) ||
			!bytes.Equal(d.arp.SourceProtAddress, []byte{192, 168, 2, 1}) ||
			!bytes.Equal(d.arp.DstProtAddress, []byte{192, 168, 2, 50}) {
			t.Errorf("tick %d: bad ARP request %+v", i, d.arp)
		}
		e.clock.Advance(time.Second)
	}

	e.r.Tick()
	got := e.s.take()
	if len(got) != 2 {
		t.Fatalf("sent %d frames after giving up; want 2", len(got))
	}
	for _, sf := range got {
		if sf.iface != "eth0" {
			t.Errorf("host unreachable sent out %s", sf.iface)
		}
		d := decode(t, sf.frame)
		if d.icmp == nil || d.icmp.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost) {
			t.Errorf("not host unreachable: %v", d.icmp)
			continue
		}
		if !d.ip.SrcIP.Equal(net.IPv4(10, 0, 1, 1)) || !bytes.Equal(d.eth.DstMAC, hostMAC[:]) {
			t.Errorf("ip src %v eth dst %v", d.ip.SrcIP, d.eth.DstMAC)
		}
	}
	if reqs := e.r.Cache().Requests(); len(reqs) != 0 {
		t.Errorf("request not destroyed: %+v", reqs)
	}
	e.clock.Advance(time.Second)
	e.r.Tick()
	e.expectNone()

	if got := metricValue(t, e.r.Registry(), "srouter_arp_requests_sent_total", "", ""); got != arpcache.MaxAttempts {
		t.Errorf("arp_requests_sent = %v", got)
	}
}

// TestHostUnreachableNotRateLimited checks that every frame stranded by
// a failed resolution gets its host unreachable even when more are
// queued than the ICMP error burst allows.
func TestHostUnreachableNotRateLimited(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.ICMPErrorRate = DefaultICMPErrorRate
		c.ICMPErrorBurst = DefaultICMPErrorBurst
	})
	e.resolveHost()
	const n = DefaultICMPErrorBurst + 10
	for range n {
		e.r.HandleFrame(udpFrame(t, serverIP, 30, "x"), "eth0")
	}
	e.expectNone()
	for range arpcache.MaxAttempts {
		e.r.Tick()
		e.expectOne("eth1")
		e.clock.Advance(time.Second)
	}

	e.r.Tick()
	got := e.s.take()
	if len(got) != n {
		t.Fatalf("sent %d host unreachables; want %d", len(got), n)
	}
	for i, sf := range got {
		d := decode(t, sf.frame)
		if sf.iface != "eth0" || d.icmp == nil || d.icmp.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost) {
			t.Errorf("frame %d out %s: %v", i, sf.iface, d.icmp)
		}
	}
	if got := e.drops(dropICMPRate); got != 0 {
		t.Errorf("drops{icmp_rate_limited} = %v; want 0", got)
	}
	if got := e.drops(dropARPFailed); got != n {
		t.Errorf("drops{arp_failed} = %v; want %d", got, n)
	}
}

func TestARPReplyDrainsQueue(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	payloads := []string{"one", "two", "three"}
	for _, p := range payloads {
		e.r.HandleFrame(udpFrame(t, serverIP, 30, p), "eth0")
	}
	e.r.Tick()
	e.expectOne("eth1") // ARP request

	// A reply addressed to another MAC does not resolve anything.
	e.r.HandleFrame(arpFrame(t, layers.ARPReply, serverMAC, serverIP, hostMAC, "192.168.2.1", eth1.MAC), "eth1")
	e.expectNone()

	e.r.HandleFrame(arpFrame(t, layers.ARPReply, serverMAC, serverIP, eth1.MAC, "192.168.2.1", eth1.MAC), "eth1")
	got := e.s.take()
	if len(got) != len(payloads) {
		t.Fatalf("drained %d frames; want %d", len(got), len(payloads))
	}
	for i, sf := range got {
		if sf.iface != "eth1" {
			t.Errorf("frame %d out %s", i, sf.iface)
		}
		p := gopacket.NewPacket(sf.frame, layers.LayerTypeEthernet, gopacket.Default)
		eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !bytes.Equal(eth.DstMAC, serverMAC[:]) || !bytes.Equal(eth.SrcMAC, eth1.MAC[:]) {
			t.Errorf("frame %d: eth %v -> %v", i, eth.SrcMAC, eth.DstMAC)
		}
		if ip.TTL != 29 {
			t.Errorf("frame %d: TTL %d; want 29", i, ip.TTL)
		}
		if !packet.IP4ChecksumOK(sf.frame[packet.EthernetHeaderLen:], packet.IP4HeaderLen) {
			t.Errorf("frame %d: bad checksum after TTL decrement", i)
		}
		if string(udp.Payload) != payloads[i] {
			t.Errorf("frame %d: payload %q; want %q (FIFO)", i, udp.Payload, payloads[i])
		}
	}
	if reqs := e.r.Cache().Requests(); len(reqs) != 0 {
		t.Errorf("request survived resolution: %+v", reqs)
	}

	// Now resolved, later datagrams go straight out.
	e.r.HandleFrame(udpFrame(t, serverIP, 30, "four"), "eth0")
	e.expectOne("eth1")
}

func TestForwardViaGateway(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(udpFrame(t, "172.16.5.5", 30, "x"), "eth0")
	reqs := e.r.Cache().Requests()
	if len(reqs) != 1 || reqs[0].IP != ip4("192.168.2.254") || reqs[0].Packets[0].Iface != "eth1" {
		t.Fatalf("pending = %+v; want resolution of the gateway", reqs)
	}
	e.r.HandleFrame(arpFrame(t, layers.ARPReply, gwMAC, "192.168.2.254", eth1.MAC, "192.168.2.1", eth1.MAC), "eth1")
	d := e.expectOne("eth1")
	if !bytes.Equal(d.eth.DstMAC, gwMAC[:]) || !d.ip.DstIP.Equal(net.IPv4(172, 16, 5, 5)) {
		t.Errorf("forwarded to %v for %v", d.eth.DstMAC, d.ip.DstIP)
	}
}

func TestARPRequestDrainsQueue(t *testing.T) {
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(udpFrame(t, serverIP, 30, "x"), "eth0")
	// The server asks for us before answering; that resolves it too.
	e.r.HandleFrame(arpFrame(t, layers.ARPRequest, serverMAC, serverIP, packet.MAC{}, "192.168.2.1", packet.BroadcastMAC), "eth1")
	got := e.s.take()
	if len(got) != 2 {
		t.Fatalf("sent %d frames; want ARP reply and the datagram", len(got))
	}
	if d := decode(t, got[0].frame); d.arp == nil || d.arp.Operation != layers.ARPReply {
		t.Errorf("first frame is not the ARP reply")
	}
	if d := decode(t, got[1].frame); d.ip == nil || !bytes.Equal(d.eth.DstMAC, serverMAC[:]) {
		t.Errorf("second frame is not the datagram to the server")
	}
}

func TestICMPRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.ICMPErrorRate = 0.001
		c.ICMPErrorBurst = 2
	})
	e.resolveHost()
	for range 5 {
		e.r.HandleFrame(udpFrame(t, "10.0.1.1", 30, "x"), "eth0")
	}
	if got := e.s.take(); len(got) != 2 {
		t.Errorf("sent %d errors; want 2", len(got))
	}
	if got := e.drops(dropICMPRate); got != 3 {
		t.Errorf("drops{icmp_rate_limited} = %v; want 3", got)
	}
	// Echo replies are not limited.
	for range 3 {
		e.r.HandleFrame(echoRequest(t, "10.0.1.1", 30), "eth0")
	}
	if got := e.s.take(); len(got) != 3 {
		t.Errorf("sent %d echo replies; want 3", len(got))
	}
}

func TestCacheExpiry(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.CacheTimeout = 5 * time.Second })
	e.resolveHost()
	e.clock.Advance(6 * time.Second)
	e.r.Tick()
	if st := e.r.Stats(); st.CacheEntries != 0 {
		t.Errorf("Stats = %+v; want expired", st)
	}
	// Now a reply to the host must be queued behind ARP.
	e.r.HandleFrame(echoRequest(t, "10.0.1.1", 30), "eth0")
	e.expectNone()
	if st := e.r.Stats(); st.PendingRequests != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestSendErrorCounted(t *testing.T) {
	e := newTestEnv(t, nil)
	e.s.err = errors.New("link down")
	e.r.HandleFrame(arpFrame(t, layers.ARPRequest, hostMAC, hostIP, packet.MAC{}, "10.0.1.1", packet.BroadcastMAC), "eth0")
	if got := e.drops(dropSendError); got != 1 {
		t.Errorf("drops{send_error} = %v", got)
	}
	if got := metricValue(t, e.r.Registry(), "srouter_frames_sent_total", "", ""); got != 0 {
		t.Errorf("frames_sent = %v", got)
	}
}

func TestRun(t *testing.T) {
	tstest.ResourceCheck(t)
	e := newTestEnv(t, nil)
	e.resolveHost()
	e.r.HandleFrame(udpFrame(t, serverIP, 30, "x"), "eth0")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.r.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		e.clock.Advance(TickInterval)
		if metricValue(t, e.r.Registry(), "srouter_arp_requests_sent_total", "", "") > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run never sent an ARP request")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v; want context.Canceled", err)
	}
}

func TestRegistryShared(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEnv(t, func(c *Config) { c.Registry = reg })
	if e.r.Registry() != reg {
		t.Error("Registry not used")
	}
	e.resolveHost()
	if got := metricValue(t, reg, "srouter_arp_cache_entries", "", ""); got != 1 {
		t.Errorf("arp_cache_entries = %v", got)
	}
	if got := metricValue(t, reg, "srouter_frames_received_total", "type", "arp"); got != 1 {
		t.Errorf("frames_received{arp} = %v", got)
	}
}

func TestVerbose(t *testing.T) {
	var logged []string
	var mu sync.Mutex
	e := newTestEnv(t, func(c *Config) {
		c.Verbose = true
		c.Logf = func(format string, args ...any) {
			mu.Lock()
			defer mu.Unlock()
			logged = append(logged, format)
		}
	})
	e.resolveHost()
	mu.Lock()
	defer mu.Unlock()
	if len(logged) == 0 {
		t.Error("nothing logged in verbose mode")
	}
}
