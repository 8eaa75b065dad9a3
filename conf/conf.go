// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package conf contains code to load and access the srouter config file.
//
// The file is HuJSON (JSON with comments and trailing commas):
//
//	{
//		"version": "v1alpha1",
//		"interfaces": [
//			{"name": "eth0", "mac": "52:54:00:00:00:01", "ip": "10.0.1.1"},
//			{"name": "eth1", "mac": "52:54:00:00:00:02", "ip": "192.168.2.1"},
//		],
//		"rtable": "rtable", // relative to the config file
//		"routes": [
//			{"prefix": "0.0.0.0/0", "gateway": "10.0.1.254", "iface": "eth0"},
//		],
//	}
package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/srouter/srouter/net/netif"
	"github.com/srouter/srouter/net/packet"
	"github.com/srouter/srouter/net/routetable"
	"github.com/srouter/srouter/router"
	"github.com/srouter/srouter/router/arpcache"
	"github.com/tailscale/hujson"
	"golang.org/x/time/rate"
)

const v1Alpha1 = "v1alpha1"

// Config describes a config file.
type Config struct {
	Path    string // file it was loaded from, if any
	Raw     []byte // raw bytes, in HuJSON form
	Std     []byte // standardized JSON form
	Version string // "v1alpha1"

	// Parsed is the parsed config, converted from its raw bytes version to the
	// latest known format.
	Parsed ConfigV1Alpha1
}

// VersionedConfig allows specifying config at the root of the object, or in
// a versioned sub-object.
// e.g. {"version": "v1alpha1", "interfaces": [...]}
// or {"version": "v1alpha1", "v1alpha1": {"interfaces": [...]}}
type VersionedConfig struct {
	Version string `json:",omitempty"` // "v1alpha1"

	// Latest version of the config.
	*ConfigV1Alpha1

	// Backwards compatibility version(s) of the config. Fields and sub-fields
	// from here should only be added to, never changed in place.
	V1Alpha1 *ConfigV1Alpha1 `json:",omitempty"`
}

type ConfigV1Alpha1 struct {
	Interfaces []Interface `json:",omitempty"` // Router ports.
	Routes     []Route     `json:",omitempty"` // Static routes, inserted before RTable's.
	RTable     *string     `json:",omitempty"` // Path to a routing table in rtable format.

	ARPCacheSize    *int      `json:",omitempty"` // Defaults to arpcache.DefaultCapacity.
	ARPCacheTimeout *Duration `json:",omitempty"` // Defaults to arpcache.DefaultTimeout.

	ICMPErrorRate  *float64 `json:",omitempty"` // ICMP errors per second; 0 means no limit.
	ICMPErrorBurst *int     `json:",omitempty"`

	Pcap        *string `json:",omitempty"` // Write a pcapng capture of the captured interfaces here.
	MetricsAddr *string `json:",omitempty"` // Serve Prometheus metrics on this address.
	Verbose     *bool   `json:",omitempty"` // Log every frame.
}

// Interface configures one router port.
type Interface struct {
	Name string
	MAC  string     // e.g. "52:54:00:12:34:56"
	IP   netip.Addr // IPv4

	// Pcap is whether frames on this interface are written to the pcap
	// file, if one is configured. Defaults to true.
	Pcap *bool `json:",omitempty"`
}

// Route is a static route. A missing Gateway means the prefix is directly
// connected to Iface.
type Route struct {
	Prefix  netip.Prefix
	Gateway netip.Addr `json:",omitzero"`
	Iface   string
}

// Duration is a time.Duration that reads and writes as a string such as
// "15s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Load parses raw as a config file.
func Load(raw []byte) (c Config, err error) {
	c.Raw = raw
	c.Std, err = hujson.Standardize(c.Raw)
	if err != nil {
		return c, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	var ver VersionedConfig
	if err := json.Unmarshal(c.Std, &ver); err != nil {
		return c, fmt.Errorf("error parsing config: %w", err)
	}
	rootV1Alpha1 := (ver.Version == v1Alpha1)
	backCompatV1Alpha1 := (ver.V1Alpha1 != nil)
	switch {
	case ver.Version == "":
		return c, errors.New("error parsing config: no \"version\" field provided")
	case rootV1Alpha1 && backCompatV1Alpha1 && ver.ConfigV1Alpha1 != nil:
		// Exactly one of these should be set.
		return c, errors.New("error parsing config: both root and v1alpha1 config provided")
	case rootV1Alpha1:
		c.Version = v1Alpha1
		switch {
		case backCompatV1Alpha1:
			c.Parsed = *ver.V1Alpha1
		case ver.ConfigV1Alpha1 != nil:
			c.Parsed = *ver.ConfigV1Alpha1
		}
	default:
		return c, fmt.Errorf("error parsing config: unsupported \"version\" value %q; want \"%s\"", ver.Version, v1Alpha1)
	}
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// LoadFile reads and parses the config file at path.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Load(raw)
	if err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

func (c *Config) validate() error {
	p := &c.Parsed
	if len(p.Interfaces) == 0 {
		return errors.New("no interfaces")
	}
	if _, err := c.Interfaces(); err != nil {
		return err
	}
	if p.ARPCacheSize != nil && *p.ARPCacheSize <= 0 {
		return fmt.Errorf("ARPCacheSize %d: must be positive", *p.ARPCacheSize)
	}
	if p.ARPCacheTimeout != nil && *p.ARPCacheTimeout <= 0 {
		return fmt.Errorf("ARPCacheTimeout %v: must be positive", time.Duration(*p.ARPCacheTimeout))
	}
	if p.ICMPErrorRate != nil && *p.ICMPErrorRate < 0 {
		return fmt.Errorf("ICMPErrorRate %v: must not be negative", *p.ICMPErrorRate)
	}
	if p.ICMPErrorBurst != nil && *p.ICMPErrorBurst < 0 {
		return fmt.Errorf("ICMPErrorBurst %v: must not be negative", *p.ICMPErrorBurst)
	}
	return nil
}

// Interfaces returns the configured interfaces as a netif.Table.
func (c *Config) Interfaces() (*netif.Table, error) {
	ifs := make([]netif.Interface, 0, len(c.Parsed.Interfaces))
	for _, ic := range c.Parsed.Interfaces {
		mac, err := packet.ParseMAC(ic.MAC)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", ic.Name, err)
		}
		if !ic.IP.Is4() {
			return nil, fmt.Errorf("interface %q: IP %v is not IPv4", ic.Name, ic.IP)
		}
		ifs = append(ifs, netif.Interface{Name: ic.Name, MAC: mac, IP: packet.IP4FromAddr(ic.IP)})
	}
	return netif.NewTable(ifs...)
}

// Captured reports whether frames on the interface called name should be
// written to the pcap file.
func (c *Config) Captured(name string) bool {
	for _, ic := range c.Parsed.Interfaces {
		if ic.Name == name {
			return ic.Pcap == nil || *ic.Pcap
		}
	}
	return false
}

// RTablePath returns the configured rtable path, resolved relative to the
// config file's directory, or "" if none.
func (c *Config) RTablePath() string {
	if c.Parsed.RTable == nil || *c.Parsed.RTable == "" {
		return ""
	}
	p := *c.Parsed.RTable
	if c.Path != "" && !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(c.Path), p)
	}
	return p
}

// RouteTable builds the routing table: the inline routes first, then the
// rtable file's. Routes rejected by the table (duplicates, mostly) are
// passed to skip, if non-nil. Every route must name a configured
// interface.
func (c *Config) RouteTable(skip func(routetable.Route, error)) (*routetable.Table, error) {
	known := make(map[string]bool)
	for _, ic := range c.Parsed.Interfaces {
		known[ic.Name] = true
	}
	var routes []routetable.Route
	for _, r := range c.Parsed.Routes {
		var gw packet.IP4
		if r.Gateway.IsValid() {
			if !r.Gateway.Is4() {
				return nil, fmt.Errorf("route %v: gateway %v is not IPv4", r.Prefix, r.Gateway)
			}
			gw = packet.IP4FromAddr(r.Gateway)
		}
		routes = append(routes, routetable.Route{Prefix: r.Prefix, Gateway: gw, Iface: r.Iface})
	}
	if p := c.RTablePath(); p != "" {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fileRoutes, err := routetable.Parse(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		routes = append(routes, fileRoutes...)
	}
	for _, r := range routes {
		if !known[r.Iface] {
			return nil, fmt.Errorf("route %v: unknown interface %q", r.Prefix, r.Iface)
		}
	}
	t := new(routetable.Table)
	t.InsertAll(routes, skip)
	return t, nil
}

func (c *Config) GetARPCacheSize() int {
	if c.Parsed.ARPCacheSize == nil {
		return arpcache.DefaultCapacity
	}
	return *c.Parsed.ARPCacheSize
}

func (c *Config) GetARPCacheTimeout() time.Duration {
	if c.Parsed.ARPCacheTimeout == nil {
		return arpcache.DefaultTimeout
	}
	return time.Duration(*c.Parsed.ARPCacheTimeout)
}

// GetICMPErrorRate returns the ICMP error rate limit and burst. A zero
// rate means unlimited.
func (c *Config) GetICMPErrorRate() (rate.Limit, int) {
	r, b := rate.Limit(router.DefaultICMPErrorRate), router.DefaultICMPErrorBurst
	if c.Parsed.ICMPErrorRate != nil {
		r = rate.Limit(*c.Parsed.ICMPErrorRate)
	}
	if c.Parsed.ICMPErrorBurst != nil {
		b = *c.Parsed.ICMPErrorBurst
	}
	return r, b
}

func (c *Config) GetPcap() string {
	if c.Parsed.Pcap == nil {
		return ""
	}
	return *c.Parsed.Pcap
}

func (c *Config) GetMetricsAddr() string {
	if c.Parsed.MetricsAddr == nil {
		return ""
	}
	return *c.Parsed.MetricsAddr
}

func (c *Config) GetVerbose() bool {
	return c.Parsed.Verbose != nil && *c.Parsed.Verbose
}
