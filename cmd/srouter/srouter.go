// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The srouter command is a userspace IPv4 router. It opens a raw Ethernet
// socket on each configured interface, answers ARP and ping for its own
// addresses and forwards datagrams between the interfaces according to a
// static routing table.
//
// Flags may also be given as environment variables with the SROUTER_
// prefix, e.g. SROUTER_CONFIG=/etc/srouter.hujson.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mdlayher/sdnotify"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srouter/srouter/conf"
	"github.com/srouter/srouter/net/link"
	"github.com/srouter/srouter/net/routetable"
	"github.com/srouter/srouter/router"
	"github.com/srouter/srouter/types/logger"
	"golang.org/x/sync/errgroup"
)

// options are the command line settings that override the config file.
type options struct {
	rtable  string
	pcap    string
	metrics string
	verbose bool
}

func main() {
	fs := flag.NewFlagSet("srouter", flag.ExitOnError)
	var (
		configPath = fs.String("config", "srouter.hujson", "path to the HuJSON config file")
		rtable     = fs.String("rtable", "", "routing table file (\"dest gateway mask iface\" per line); overrides the config's rtable")
		pcap       = fs.String("pcap", "", "if non-empty, write a pcapng capture of all traffic to this file")
		metrics    = fs.String("metrics", "", "if non-empty, serve Prometheus metrics at http://<addr>/metrics")
		verbose    = fs.Bool("verbose", false, "log every frame received")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("SROUTER")); err != nil {
		log.Fatalf("ff.Parse: %v", err)
	}
	c, err := conf.LoadFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	opts := options{
		rtable:  *rtable,
		pcap:    *pcap,
		metrics: *metrics,
		verbose: *verbose,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, log.Printf, &c, opts, link.OpenRaw); err != nil {
		log.Fatal(err)
	}
}

// apply merges opts into c. Flags win over the file.
func (o options) apply(c *conf.Config) error {
	if o.rtable != "" {
		// Relative to the working directory, not the config file.
		p, err := filepath.Abs(o.rtable)
		if err != nil {
			return err
		}
		c.Parsed.RTable = &p
	}
	if o.pcap != "" {
		c.Parsed.Pcap = &o.pcap
	}
	if o.metrics != "" {
		c.Parsed.MetricsAddr = &o.metrics
	}
	if o.verbose {
		c.Parsed.Verbose = &o.verbose
	}
	return nil
}

// run runs the router described by c until ctx is done or a device fails.
// open opens the device for an interface.
func run(ctx context.Context, logf logger.Logf, c *conf.Config, opts options, open func(name string) (link.Device, error)) error {
	if err := opts.apply(c); err != nil {
		return err
	}
	ifs, err := c.Interfaces()
	if err != nil {
		return err
	}
	routes, err := c.RouteTable(func(r routetable.Route, err error) {
		logf("skipping route %v: %v", r, err)
	})
	if err != nil {
		return err
	}
	logf("interfaces:\n%v", ifs)
	logf("routing table:\n%v", routes)

	var pw *link.PcapWriter
	if p := c.GetPcap(); p != "" {
		pw, err = link.OpenPcap(p)
		if err != nil {
			return err
		}
		defer pw.Close()
	}

	devs := new(link.Set)
	closeDevs := sync.OnceValue(devs.Close)
	defer closeDevs()
	for _, ifc := range ifs.All() {
		d, err := open(ifc.Name)
		if err != nil {
			return fmt.Errorf("opening %s: %w", ifc.Name, err)
		}
		if pw != nil && c.Captured(ifc.Name) {
			td, err := link.Tap(d, pw)
			if err != nil {
				d.Close()
				return err
			}
			d = td
		}
		if err := devs.Add(d); err != nil {
			d.Close()
			return err
		}
	}

	rate, burst := c.GetICMPErrorRate()
	r, err := router.New(router.Config{
		Logf:           logf,
		Verbose:        c.GetVerbose(),
		Interfaces:     ifs,
		Routes:         routes,
		Sender:         devs,
		CacheSize:      c.GetARPCacheSize(),
		CacheTimeout:   c.GetARPCacheTimeout(),
		ICMPErrorRate:  rate,
		ICMPErrorBurst: burst,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	for _, d := range devs.All() {
		g.Go(func() error { return readLoop(gctx, r, d) })
	}
	g.Go(func() error {
		// Unblock the readers.
		<-gctx.Done()
		return closeDevs()
	})
	if addr := c.GetMetricsAddr(); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          logger.StdLogger(logger.WithPrefix(logf, "metrics: ")),
		}
		g.Go(func() error {
			logf("serving metrics on %s", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	defer notifyReady(logf, fmt.Sprintf("forwarding between %d interfaces", len(ifs.All())))()

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// readLoop feeds the frames received on d to r until d fails or ctx is
// done.
func readLoop(ctx context.Context, r *router.Router, d link.Device) error {
	buf := make([]byte, link.MaxFrameSize)
	for {
		n, err := d.ReadFrame(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading %s: %w", d.Name(), err)
		}
		r.HandleFrame(buf[:n], d.Name())
	}
}

// notifyReady tells systemd, if it started us, that the router is up. The
// returned func reports that it is stopping.
func notifyReady(logf logger.Logf, status string) func() {
	n, err := sdnotify.New()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logf("sdnotify: %v", err)
		}
		return func() {}
	}
	if err := n.Notify(sdnotify.Ready, sdnotify.Statusf("%s", status)); err != nil {
		logf("sdnotify: %v", err)
	}
	return func() {
		n.Notify(sdnotify.Stopping)
		n.Close()
	}
}
