// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package link

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// htons converts a short (uint16) from host-to-network byte order.
func htons(i uint16) uint16 {
	return (i<<8)&0xff00 | i>>8
}

// rawDevice is an AF_PACKET socket bound to one interface. It sees every
// frame on the wire, as a promiscuous-mode router port must.
type rawDevice struct {
	name   string
	f      *os.File
	closed atomic.Bool
}

// OpenRaw opens an AF_PACKET raw socket on the named interface.
// It requires CAP_NET_RAW.
func OpenRaw(name string) (Device, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("link: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("link: bind %s: %w", name, err)
	}
	// Nonblocking so the fd goes through the runtime poller and Close
	// unblocks a pending read.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &rawDevice{name: name, f: os.NewFile(uintptr(fd), "packet:"+name)}, nil
}

func (d *rawDevice) Name() string { return d.name }

// ReadFrame returns the next frame received on the interface. Frames the
// host itself transmitted are skipped.
func (d *rawDevice) ReadFrame(buf []byte) (int, error) {
	rc, err := d.f.SyscallConn()
	if err != nil {
		return 0, err
	}
	for {
		var (
			n    int
			from unix.Sockaddr
			rerr error
		)
		err = rc.Read(func(fd uintptr) bool {
			n, from, rerr = unix.Recvfrom(int(fd), buf, 0)
			return rerr != unix.EAGAIN
		})
		if err != nil {
			if d.closed.Load() {
				return 0, ErrClosed
			}
			return 0, err
		}
		if rerr != nil {
			return 0, rerr
		}
		if sll, ok := from.(*unix.SockaddrLinklayer); ok && sll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		return n, nil
	}
}

func (d *rawDevice) WriteFrame(frame []byte) error {
	_, err := d.f.Write(frame)
	return err
}

func (d *rawDevice) Close() error {
	d.closed.Store(true)
	return d.f.Close()
}
