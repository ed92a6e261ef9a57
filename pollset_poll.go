// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build solaris || aix || illumos

package pollset

import "golang.org/x/sys/unix"

// noIdx is the "none" sentinel for fdInfo.idx: the descriptor holds no slot
// in pollArray.
const noIdx = -1

func pollEventBit(dir Direction) int16 {
	if dir == In {
		return unix.POLLIN
	}
	return unix.POLLOUT
}

const pollErrBits = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

// fdInfo is the poll backend's per-descriptor record: the shared waiter
// slots and cached bit, plus idx, its position in the packed pollArray (or
// noIdx), per spec.md §3/§4.2.
type fdInfo struct {
	fdInfoCommon
	idx int
}

// Pollset is the array-poll(2)-backed file-descriptor readiness
// multiplexer, the POSIX fallback used where neither epoll nor kqueue is
// available. It belongs to exactly one worker; none of its methods are safe
// to call concurrently.
type Pollset struct {
	fds       []fdInfo
	pollArray []unix.PollFd
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
	fds := make([]fdInfo, maxFds)
	for i := range fds {
		fds[i].idx = noIdx
	}
	return &Pollset{fds: fds}, nil
}

// Term releases the descriptor table and the packed poll array. There is no
// kernel-side pollset fd to close for this backend.
func (ps *Pollset) Term() {
	ps.fds = nil
	ps.pollArray = nil
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

	if fi.idx == noIdx {
		// First use of this fd: validate once via F_GETFD, per spec.md §4.2
		// and the §9 open question (the flags themselves are never cached
		// or interpreted beyond the EBADF check).
		if !fi.cached {
			if err := validateFd(fd); err != nil {
				return nil, err
			}
		}
		fi.idx = len(ps.pollArray)
		ps.pollArray = append(ps.pollArray, unix.PollFd{Fd: int32(fd)})
		fi.cached = true
	}

	ps.pollArray[fi.idx].Events |= pollEventBit(dir)
	slot.clause = c
	cancelled := false
	cancel := func() {
		if cancelled || slot.clause != c {
			return
		}
		cancelled = true
		slot.clause = nil
		if fi.idx != noIdx {
			ps.pollArray[fi.idx].Events &^= pollEventBit(dir)
		}
	}
	return cancel, nil
}

// Clean evicts fd's pollArray slot, compacting the array. The caller must
// guarantee fd has no waiters on either direction.
func (ps *Pollset) Clean(fd int) {
	if fd < 0 || fd >= len(ps.fds) {
		assertf("pollset: clean called with out-of-range fd %d", fd)
	}
	fi := &ps.fds[fd]
	if fi.hasWaiter() {
		panicCleanWithWaiters(fd)
	}
	if fi.idx == noIdx {
		fi.cached = false
		return
	}
	ps.removeSlot(fi.idx)
	fi.idx = noIdx
	fi.cached = false
}

// removeSlot drops pollArray[idx] by swapping in the last element, per
// spec.md §4.2's compaction rule, and fixes up the swapped entry's idx.
func (ps *Pollset) removeSlot(idx int) {
	last := len(ps.pollArray) - 1
	if idx != last {
		ps.pollArray[idx] = ps.pollArray[last]
		ps.fds[ps.pollArray[idx].Fd].idx = idx
	}
	ps.pollArray = ps.pollArray[:last]
}

// Poll blocks up to timeoutMs milliseconds (negative means forever) and
// triggers clauses for every descriptor the kernel reported ready.
func (ps *Pollset) Poll(timeoutMs int) (bool, error) {
	n, err := unix.Poll(ps.pollArray, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			log().Debug().Msg("poll(2) interrupted by signal, retrying")
			return false, ErrInterrupted
		}
		assertf("pollset: poll(2) failed unexpectedly: %v", err)
	}
	if n == 0 {
		return false, nil
	}

	fired := false
	for i := 0; i < len(ps.pollArray); i++ {
		pfd := &ps.pollArray[i]
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		fi := &ps.fds[fd]
		isErr := pfd.Revents&pollErrBits != 0
		if !fi.inWaiter.empty() && (pfd.Revents&unix.POLLIN != 0 || isErr) {
			fi.inWaiter.fire(0)
			pfd.Events &^= unix.POLLIN
			fired = true
		}
		if !fi.outWaiter.empty() && (pfd.Revents&unix.POLLOUT != 0 || isErr) {
			fi.outWaiter.fire(0)
			pfd.Events &^= unix.POLLOUT
			fired = true
		}
		pfd.Revents = 0

		if pfd.Events == 0 {
			ps.removeSlot(i)
			fi.idx = noIdx
			i--
		}
	}
	return fired, nil
}

// Stats returns a snapshot of the Pollset's bookkeeping. The poll backend
// has no changelist, so ChangelistDepth is always zero.
func (ps *Pollset) Stats() Stats {
	return Stats{
		Backend:       "poll",
		MaxFds:        len(ps.fds),
		RegisteredFds: len(ps.pollArray),
	}
}
