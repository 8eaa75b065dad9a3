// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package link provides the Ethernet devices the router reads frames from
// and writes frames to.
package link

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// MaxFrameSize is the largest Ethernet frame a device delivers: a 1500
// byte payload, the 14 byte header and room for a VLAN tag.
const MaxFrameSize = 1518

// ErrClosed is returned by operations on a closed Device.
var ErrClosed = errors.New("link: device closed")

// Device is a raw Ethernet port.
type Device interface {
	// Name returns the interface name the device is attached to.
	Name() string
	// ReadFrame blocks until a frame arrives, copies it into buf and
	// returns its length. Frames longer than buf are truncated.
	ReadFrame(buf []byte) (int, error)
	// WriteFrame transmits frame. The device does not retain frame.
	WriteFrame(frame []byte) error
	// Close releases the device and unblocks any ReadFrame.
	Close() error
}

// Set is a collection of Devices keyed by name. It sends frames out the
// named device and is safe for concurrent use.
type Set struct {
	mu   sync.RWMutex
	devs map[string]Device
	list []Device
}

// Add adds d to s. Names must be unique.
func (s *Set) Add(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.devs[d.Name()]; dup {
		return fmt.Errorf("link: duplicate device %q", d.Name())
	}
	if s.devs == nil {
		s.devs = make(map[string]Device)
	}
	s.devs[d.Name()] = d
	s.list = append(s.list, d)
	return nil
}

// Get returns the device called name.
func (s *Set) Get(name string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devs[name]
	return d, ok
}

// All returns the devices in the order they were added.
func (s *Set) All() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.list)
}

// Send writes frame to the device called iface.
func (s *Set) Send(frame []byte, iface string) error {
	d, ok := s.Get(iface)
	if !ok {
		return fmt.Errorf("link: no device %q", iface)
	}
	return d.WriteFrame(frame)
}

// Close closes every device in s.
func (s *Set) Close() error {
	var errs []error
	for _, d := range s.All() {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}
	return errors.Join(errs...)
}
