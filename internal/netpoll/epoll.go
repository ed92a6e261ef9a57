// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

// Package netpoll wraps the raw kernel reactor syscalls (epoll or kqueue)
// behind a small, backend-agnostic shape: open/close the reactor fd, add /
// modify / delete a single descriptor's registration, and wait for a batch
// of events. The descriptor table, changelist, and waiter-list dispatch
// logic live one level up, in the pollset package itself.
package netpoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Event is a single readiness notification returned from Wait.
type Event struct {
	Fd     int
	Events uint32
}

// initEvents is the starting capacity of the reusable event buffer passed to
// epoll_wait; grow doubles it whenever a wait comes back completely full, on
// the assumption a fuller kernel queue is waiting behind it.
const initEvents = 128

func grow(events *[]unix.EpollEvent) {
	*events = make([]unix.EpollEvent, len(*events)*2)
}

// Poller represents a poller which is in charge of monitoring file-descriptors.
type Poller struct {
	fd     int // epoll fd
	events []unix.EpollEvent
}

// Open instantiates a poller backed by a fresh epoll instance.
func Open() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "netpoll: epoll_create1")
	}
	return &Poller{fd: fd, events: make([]unix.EpollEvent, initEvents)}, nil
}

// Close closes the poller.
func (p *Poller) Close() error {
	return errors.Wrap(unix.Close(p.fd), "netpoll: close epoll fd")
}

// Add registers the given file-descriptor with events to the poller. The
// raw errno is returned unwrapped so callers can distinguish EBADF / ELOOP /
// EPERM from a generic failure.
func (p *Poller) Add(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

// Modify renews the given file-descriptor's registered events.
func (p *Poller) Modify(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

// Delete removes the given file-descriptor from the poller. ENOENT is
// swallowed: deleting a descriptor the kernel already dropped (e.g. on
// close) is a routine occurrence for Clean.
func (p *Poller) Delete(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// Wait blocks for up to timeoutMs milliseconds (negative means forever) and
// returns the events the kernel reported. A nil slice with a nil error means
// the wait timed out.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, unix.EINTR
		}
		return nil, errors.Wrap(err, "netpoll: epoll_wait")
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{Fd: int(p.events[i].Fd), Events: p.events[i].Events}
	}
	if n == len(p.events) {
		grow(&p.events)
	}
	return out, nil
}
