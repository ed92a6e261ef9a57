// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package netpoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EventFlags carries the EV_EOF / EV_ERROR bits a kevent reported alongside
// its filter, so the dispatch layer can apply the "EOF satisfies both
// directions" rule from spec.md §4.4.
type EventFlags uint16

// HasEOF reports whether the kernel flagged this event EV_EOF or EV_ERROR -
// a half-closed or errored descriptor, which must wake both directions.
func (f EventFlags) HasEOF() bool {
	return f&EventFlags(unix.EV_EOF) != 0 || f&EventFlags(unix.EV_ERROR) != 0
}

// Event is a single readiness notification returned from Wait.
type Event struct {
	Fd     int
	Filter int16
	Flags  EventFlags
}

const initEvents = 128

// Poller represents a poller which is in charge of monitoring file-descriptors.
type Poller struct {
	fd      int
	events  []unix.Kevent_t
	changes []unix.Kevent_t
}

// Open instantiates a poller backed by a fresh kqueue instance.
func Open() (*Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "netpoll: kqueue")
	}
	return &Poller{fd: fd, events: make([]unix.Kevent_t, initEvents)}, nil
}

// Close closes the poller. A post-fork kqueue fd may legitimately fail to
// close; callers treat that failure as best-effort, per spec.md §4.5/§5.
func (p *Poller) Close() error {
	return errors.Wrap(unix.Close(p.fd), "netpoll: close kqueue fd")
}

// AddFilter issues a single EV_ADD change for the given filter
// (EVFILT_READ or EVFILT_WRITE) on fd, synchronously.
func (p *Poller) AddFilter(fd int, filter int16) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: filter},
	}, nil, nil)
	return err
}

// DeleteFilter issues a single EV_DELETE change. ENOENT is swallowed: it
// means the filter was already gone, a routine occurrence for Clean.
func (p *Poller) DeleteFilter(fd int, filter int16) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: filter},
	}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// QueueChange appends a change to the batch flushed by the next FlushChanges
// call, per spec.md §4.4's CHNGSSIZE-bounded batching.
func (p *Poller) QueueChange(fd int, filter int16, add bool) {
	flags := uint16(unix.EV_DELETE)
	if add {
		flags = unix.EV_ADD
	}
	p.changes = append(p.changes, unix.Kevent_t{Ident: uint64(fd), Flags: flags, Filter: filter})
}

// PendingChanges reports how many queued changes are waiting to be flushed.
func (p *Poller) PendingChanges() int { return len(p.changes) }

// FlushChanges submits all queued changes to the kernel in one kevent(2)
// call and clears the queue.
func (p *Poller) FlushChanges() error {
	if len(p.changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, p.changes, nil, nil)
	p.changes = p.changes[:0]
	return err
}

// Wait blocks for up to timeoutMs milliseconds (negative means forever) and
// returns the events the kernel reported. A nil slice with a nil error means
// the wait timed out.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, unix.EINTR
		}
		return nil, errors.Wrap(err, "netpoll: kevent wait")
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		out[i] = Event{Fd: int(ev.Ident), Filter: ev.Filter, Flags: EventFlags(ev.Flags)}
	}
	if n == len(p.events) {
		p.events = make([]unix.Kevent_t, len(p.events)*2)
	}
	return out, nil
}
