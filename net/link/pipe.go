// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package link

import "sync"

// pipeQueueLen is how many frames a pipe buffers in each direction.
const pipeQueueLen = 64

// NewPipe returns two connected in-memory devices: a frame written to one
// is read from the other. Closing either end closes both.
func NewPipe(nameA, nameB string) (a, b Device) {
	ab := make(chan []byte, pipeQueueLen)
	ba := make(chan []byte, pipeQueueLen)
	done := &pipeDone{ch: make(chan struct{})}
	return &pipeEnd{name: nameA, rx: ba, tx: ab, done: done},
		&pipeEnd{name: nameB, rx: ab, tx: ba, done: done}
}

type pipeDone struct {
	once sync.Once
	ch   chan struct{}
}

func (d *pipeDone) close() { d.once.Do(func() { close(d.ch) }) }

type pipeEnd struct {
	name string
	rx   <-chan []byte
	tx   chan<- []byte
	done *pipeDone
}

func (p *pipeEnd) Name() string { return p.name }

func (p *pipeEnd) ReadFrame(buf []byte) (int, error) {
	select {
	case f := <-p.rx:
		return copy(buf, f), nil
	case <-p.done.ch:
		return 0, ErrClosed
	}
}

func (p *pipeEnd) WriteFrame(frame []byte) error {
	select {
	case <-p.done.ch:
		return ErrClosed
	default:
	}
	c := append([]byte(nil), frame...)
	select {
	case p.tx <- c:
		return nil
	case <-p.done.ch:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.done.close()
	return nil
}
