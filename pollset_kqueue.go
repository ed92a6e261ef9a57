// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package pollset

import (
	"golang.org/x/sys/unix"

	"github.com/panlibin/pollset/internal/netpoll"
)

const (
	dirBitIn  uint32 = 1 << iota // EVFILT_READ registered
	dirBitOut                    // EVFILT_WRITE registered
)

func dirBit(dir Direction) uint32 {
	if dir == In {
		return dirBitIn
	}
	return dirBitOut
}

func kqueueFilterFor(dir Direction) int16 {
	if dir == In {
		return unix.EVFILT_READ
	}
	return unix.EVFILT_WRITE
}

// kqueueChangeBatch is the reference DILL_CHNGSSIZE value from spec.md §4.4.
// Because a single fd can consume two change slots (add or delete for both
// filters), the flush threshold is one short of the batch size so a flush
// never splits a single fd's pair of changes across two kevent(2) calls.
const (
	kqueueChangeBatch    = 128
	kqueueFlushThreshold = kqueueChangeBatch - 1
)

// fdInfo is the kqueue backend's per-descriptor record. currevs and firing
// are bitmasks of dirBitIn / dirBitOut; next is the changelist link, reused
// across a single Poll cycle first as the pending-change list and then,
// after the kernel call, as the pending-dispatch list (spec.md §4.4).
type fdInfo struct {
	fdInfoCommon
	currevs uint32
	firing  uint32
	next    int
}

// Pollset is the kqueue-backed file-descriptor readiness multiplexer. It
// belongs to exactly one worker; none of its methods are safe to call
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

// Term closes the kqueue fd and releases the descriptor table. A post-fork
// kqueue fd may legitimately fail to close; that failure is tolerated.
func (ps *Pollset) Term() {
	if err := ps.poller.Close(); err != nil {
		log().Warn().Err(err).Msg("close kqueue fd")
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
		if err := ps.poller.AddFilter(fd, kqueueFilterFor(dir)); err != nil {
			if err == unix.EBADF {
				return nil, ErrBadFd
			}
			return nil, wrapSyscallErr(err, "kevent add", fd)
		}
		fi.currevs = dirBit(dir)
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

// Clean evicts fd's kernel registrations (up to two filters, flushed as a
// single kevent(2) batch) and cached state. The caller must guarantee fd has
// no waiters on either direction.
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
	if fi.currevs&dirBitIn != 0 {
		ps.poller.QueueChange(fd, unix.EVFILT_READ, false)
	}
	if fi.currevs&dirBitOut != 0 {
		ps.poller.QueueChange(fd, unix.EVFILT_WRITE, false)
	}
	if err := ps.poller.FlushChanges(); err != nil {
		log().Warn().Err(err).Int("fd", fd).Msg("kevent delete failed during clean")
	}
	fi.currevs = 0
	fi.firing = 0
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

// applyChangelist reconciles every fd queued since the last Poll cycle with
// the kernel, emitting up to two kevent(2) change entries per fd and
// flushing in CHNGSSIZE-bounded batches, per spec.md §4.4.
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
			desired |= dirBitIn
		}
		if !fi.outWaiter.empty() {
			desired |= dirBitOut
		}
		if add := desired &^ fi.currevs; add != 0 {
			if add&dirBitIn != 0 {
				ps.poller.QueueChange(fd, unix.EVFILT_READ, true)
			}
			if add&dirBitOut != 0 {
				ps.poller.QueueChange(fd, unix.EVFILT_WRITE, true)
			}
		}
		if del := fi.currevs &^ desired; del != 0 {
			if del&dirBitIn != 0 {
				ps.poller.QueueChange(fd, unix.EVFILT_READ, false)
			}
			if del&dirBitOut != 0 {
				ps.poller.QueueChange(fd, unix.EVFILT_WRITE, false)
			}
		}
		fi.currevs = desired
		fi.firing = 0

		if ps.poller.PendingChanges() >= kqueueFlushThreshold {
			if err := ps.poller.FlushChanges(); err != nil {
				log().Warn().Err(err).Msg("kevent change batch failed")
			}
		}
	}
	if err := ps.poller.FlushChanges(); err != nil {
		log().Warn().Err(err).Msg("kevent change batch failed")
	}
}

// Poll applies pending changes, blocks up to timeoutMs milliseconds, and
// triggers clauses for every descriptor the kernel reported ready.
func (ps *Pollset) Poll(timeoutMs int) (bool, error) {
	ps.applyChangelist()

	events, err := ps.poller.Wait(timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			log().Debug().Msg("kevent wait interrupted by signal, retrying")
			return false, ErrInterrupted
		}
		return false, err
	}
	if events == nil {
		return false, nil
	}

	for _, e := range events {
		if e.Fd < 0 || e.Fd >= len(ps.fds) {
			continue
		}
		var bits uint32
		switch {
		case e.Flags.HasEOF():
			// A half-closed or errored endpoint must never strand a
			// coroutine on either side, even though BSD kqueue itself
			// reports EOF against a single filter.
			bits = dirBitIn | dirBitOut
		case e.Filter == unix.EVFILT_READ:
			bits = dirBitIn
		case e.Filter == unix.EVFILT_WRITE:
			bits = dirBitOut
		default:
			continue
		}
		ps.fds[e.Fd].firing |= bits
		ps.pushChangelist(e.Fd)
	}

	fired := false
	cur := ps.changeHead
	ps.changeHead = 0
	ps.changelistLen = 0
	for cur != 0 {
		fd := cur - 1
		fi := &ps.fds[fd]
		next := normalizeLink(fi.next)
		fi.next = noLink
		cur = next

		firing := fi.firing
		fi.firing = 0
		touched := false
		if firing&dirBitIn != 0 && !fi.inWaiter.empty() {
			fi.inWaiter.fire(0)
			touched = true
		}
		if firing&dirBitOut != 0 && !fi.outWaiter.empty() {
			fi.outWaiter.fire(0)
			touched = true
		}
		if touched {
			fired = true
			ps.pushChangelist(fd)
		}
	}
	return fired, nil
}

// Stats returns a snapshot of the Pollset's bookkeeping.
func (ps *Pollset) Stats() Stats {
	return Stats{
		Backend:         "kqueue",
		MaxFds:          len(ps.fds),
		RegisteredFds:   ps.registeredCount,
		ChangelistDepth: ps.changelistLen,
	}
}
