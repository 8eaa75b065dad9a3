// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package link

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapWriter writes frames from any number of devices into one pcapng
// file, one pcapng interface per device. It is safe for concurrent use.
type PcapWriter struct {
	c io.Closer

	mu sync.Mutex
	w  *pcapgo.NgWriter
}

// OpenPcap creates (or truncates) the pcapng file at path.
func OpenPcap(path string) (*PcapWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	pw, err := NewPcapWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return pw, nil
}

// NewPcapWriter returns a PcapWriter writing to w. Close closes w if it
// implements io.Closer.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	nw, err := pcapgo.NewNgWriter(w, layers.LinkTypeEthernet)
	if err != nil {
		return nil, err
	}
	pw := &PcapWriter{w: nw}
	if c, ok := w.(io.Closer); ok {
		pw.c = c
	}
	return pw, nil
}

// AddInterface registers a pcapng interface called name and returns its
// index for WritePacket.
func (p *PcapWriter) AddInterface(name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return 0, io.ErrClosedPipe
	}
	return p.w.AddInterface(pcapgo.NgInterface{
		Name:     name,
		LinkType: layers.LinkTypeEthernet,
	})
}

func (p *PcapWriter) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return io.ErrClosedPipe
	}
	return p.w.WritePacket(ci, data)
}

// Close flushes the capture and closes the underlying file.
func (p *PcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w != nil {
		p.w.Flush()
		p.w = nil
	}
	if p.c != nil {
		return p.c.Close()
	}
	return nil
}

// Tap wraps d so that every frame read from or written to it is also
// recorded in pw. Capture errors are ignored: a full disk must not stop
// forwarding.
func Tap(d Device, pw *PcapWriter) (Device, error) {
	id, err := pw.AddInterface(d.Name())
	if err != nil {
		return nil, err
	}
	return &tap{Device: d, pw: pw, id: id}, nil
}

type tap struct {
	Device
	pw *PcapWriter
	id int
}

func (t *tap) record(frame []byte) {
	t.pw.WritePacket(gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  len(frame),
		Length:         len(frame),
		InterfaceIndex: t.id,
	}, frame)
}

func (t *tap) ReadFrame(buf []byte) (int, error) {
	n, err := t.Device.ReadFrame(buf)
	if err == nil {
		t.record(buf[:n])
	}
	return n, err
}

func (t *tap) WriteFrame(frame []byte) error {
	t.record(frame)
	return t.Device.WriteFrame(frame)
}
