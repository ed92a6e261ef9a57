// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package pollset

import (
	"golang.org/x/sys/unix"

	"github.com/panlibin/pollset/internal/netpoll"
)

const (
	epollReadEvents  = unix.EPOLLIN | unix.EPOLLPRI
	epollWriteEvents = unix.EPOLLOUT
	epollErrEvents   = unix.EPOLLERR | unix.EPOLLHUP
)

func epollEventsFor(dir Direction) uint32 {
	if dir == In {
		return epollReadEvents
	}
	return epollWriteEvents
}

// fdInfo is the epoll backend's per-descriptor record: the shared waiter
// slots and cached bit, plus currevs (the event mask currently registered
// with the kernel) and next (the 1-based changelist link), per spec.md §3.
type fdInfo struct {
	fdInfoCommon
	currevs uint32
	next    int
}

// Pollset is the epoll-backed file-descriptor readiness multiplexer.
// It belongs to exactly one worker; none of its methods are safe to call
// concurrently.
type Pollset struct {
	poller          *netpoll.Poller
	fds             []fdInfo
	changeHead      int
	registeredCount int
	changelistLen   int
}

// NewPollset allocates a Pollset sized to the process's current
// RLIMIT_NOFILE.
func NewPollset() (*Pollset, error) {
	maxFds, err := resolveMaxFds()
	if err != nil {
		return nil, err
	}
	return NewPollsetWithMaxFds(maxFds)
}

// NewPollsetWithMaxFds allocates a Pollset whose descriptor table holds
// exactly maxFds entries.
func NewPollsetWithMaxFds(maxFds int) (*Pollset, error) {
	if maxFds <= 0 {
		return nil, ErrNoMem
	}
	poller, err := netpoll.Open()
	if err != nil {
		return nil, err
	}
	return &Pollset{
		poller: poller,
		fds:    make([]fdInfo, maxFds),
	}, nil
}

// Term closes the epoll fd and releases the descriptor table.
func (ps *Pollset) Term() {
	if err := ps.poller.Close(); err != nil {
		log().Warn().Err(err).Msg("close epoll fd")
	}
	ps.fds = nil
}

// WaitIn registers c to fire the next time fd becomes readable.
func (ps *Pollset) WaitIn(c *Clause, fd int) (cancel func(), err error) {
	return ps.wait(c, fd, In)
}

// WaitOut registers c to fire the next time fd becomes writable.
func (ps *Pollset) WaitOut(c *Clause, fd int) (cancel func(), err error) {
	return ps.wait(c, fd, Out)
}

func (ps *Pollset) wait(c *Clause, fd int, dir Direction) (func(), error) {
	if fd < 0 || fd >= len(ps.fds) {
		return nil, ErrBadFd
	}
	fi := &ps.fds[fd]
	slot := fi.slot(dir)
	if !slot.empty() {
		return nil, ErrAlreadyRegistered
	}

	if !fi.cached {
		events := epollEventsFor(dir)
		if err := ps.poller.Add(fd, events); err != nil {
			switch err {
			case unix.EBADF:
				return nil, ErrBadFd
			case unix.ELOOP, unix.EPERM:
				return nil, ErrNotSupported
			default:
				return nil, wrapSyscallErr(err, "epoll_ctl add", fd)
			}
		}
		fi.currevs = events
		fi.cached = true
		ps.registeredCount++
	} else {
		ps.pushChangelist(fd)
	}

	slot.clause = c
	cancelled := false
	cancel := func() {
		if cancelled || slot.clause != c {
			return
		}
		cancelled = true
		slot.clause = nil
		ps.pushChangelist(fd)
	}
	return cancel, nil
}

// Clean evicts fd's kernel registration and cached state. The caller must
// guarantee fd has no waiters on either direction.
func (ps *Pollset) Clean(fd int) {
	if fd < 0 || fd >= len(ps.fds) {
		assertf("pollset: clean called with out-of-range fd %d", fd)
	}
	fi := &ps.fds[fd]
	if fi.hasWaiter() {
		panicCleanWithWaiters(fd)
	}
	if !fi.cached {
		return
	}
	if fi.currevs != 0 {
		if err := ps.poller.Delete(fd); err != nil {
			log().Warn().Err(err).Int("fd", fd).Msg("epoll_ctl del failed during clean")
		}
		fi.currevs = 0
	}
	if fi.next != noLink {
		ps.unlinkChangelist(fd)
	}
	fi.cached = false
	ps.registeredCount--
}

func (ps *Pollset) pushChangelist(fd int) {
	fi := &ps.fds[fd]
	if fi.next != noLink {
		return
	}
	if ps.changeHead == 0 {
		fi.next = endList
	} else {
		fi.next = ps.changeHead
	}
	ps.changeHead = fd + 1
	ps.changelistLen++
}

func (ps *Pollset) unlinkChangelist(fd int) {
	removed := &ps.fds[fd]
	removedNext := removed.next
	target := fd + 1
	if ps.changeHead == target {
		ps.changeHead = normalizeLink(removedNext)
		removed.next = noLink
		ps.changelistLen--
		return
	}
	cur := ps.changeHead
	for cur != 0 {
		fi := &ps.fds[cur-1]
		if fi.next == target {
			fi.next = removedNext
			removed.next = noLink
			ps.changelistLen--
			return
		}
		cur = normalizeLink(fi.next)
	}
}

func normalizeLink(raw int) int {
	if raw == endList {
		return 0
	}
	return raw
}

// applyChangelist reconciles every fd queued since the last Poll cycle with
// the kernel, per spec.md §4.3.
func (ps *Pollset) applyChangelist() {
	cur := ps.changeHead
	ps.changeHead = 0
	ps.changelistLen = 0
	for cur != 0 {
		fd := cur - 1
		fi := &ps.fds[fd]
		next := normalizeLink(fi.next)
		fi.next = noLink
		cur = next

		desired := uint32(0)
		if !fi.inWaiter.empty() {
			desired |= epollReadEvents
		}
		if !fi.outWaiter.empty() {
			desired |= epollWriteEvents
		}
		switch {
		case desired == 0 && fi.currevs != 0:
			if err := ps.poller.Delete(fd); err != nil {
				log().Warn().Err(err).Int("fd", fd).Msg("epoll_ctl del failed applying changelist")
			}
			fi.currevs = 0
		case fi.currevs == 0:
			if err := ps.poller.Add(fd, desired); err != nil {
				log().Warn().Err(err).Int("fd", fd).Msg("epoll_ctl add failed applying changelist")
			} else {
				fi.currevs = desired
			}
		case fi.currevs != desired:
			if err := ps.poller.Modify(fd, desired); err != nil {
				log().Warn().Err(err).Int("fd", fd).Msg("epoll_ctl mod failed applying changelist")
			} else {
				fi.currevs = desired
			}
		}
	}
}

// Poll applies pending changes, blocks up to timeoutMs milliseconds, and
// triggers clauses for every descriptor the kernel reported ready.
func (ps *Pollset) Poll(timeoutMs int) (bool, error) {
	ps.applyChangelist()

	events, err := ps.poller.Wait(timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			log().Debug().Msg("epoll_wait interrupted by signal, retrying")
			return false, ErrInterrupted
		}
		return false, err
	}
	if events == nil {
		return false, nil
	}

	fired := false
	for _, e := range events {
		if e.Fd < 0 || e.Fd >= len(ps.fds) {
			continue
		}
		fi := &ps.fds[e.Fd]
		isErr := e.Events&epollErrEvents != 0
		touched := false
		if !fi.inWaiter.empty() && (e.Events&(epollReadEvents) != 0 || isErr) {
			fi.inWaiter.fire(0)
			touched = true
		}
		if !fi.outWaiter.empty() && (e.Events&epollWriteEvents != 0 || isErr) {
			fi.outWaiter.fire(0)
			touched = true
		}
		if touched {
			fired = true
			ps.pushChangelist(e.Fd)
		}
	}
	return fired, nil
}

// Stats returns a snapshot of the Pollset's bookkeeping.
func (ps *Pollset) Stats() Stats {
	return Stats{
		Backend:         "epoll",
		MaxFds:          len(ps.fds),
		RegisteredFds:   ps.registeredCount,
		ChangelistDepth: ps.changelistLen,
	}
}
