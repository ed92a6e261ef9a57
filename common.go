package pollset

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fdInfoCommon is embedded by every backend's per-descriptor record. It
// holds the fields spec.md §3 calls out as shared: the two waiter slots and
// the cached bit.
type fdInfoCommon struct {
	inWaiter  waiterSlot
	outWaiter waiterSlot
	cached    bool
}

func (f *fdInfoCommon) hasWaiter() bool {
	return !f.inWaiter.empty() || !f.outWaiter.empty()
}

// slot returns the waiter slot for the given direction.
func (f *fdInfoCommon) slot(dir Direction) *waiterSlot {
	if dir == In {
		return &f.inWaiter
	}
	return &f.outWaiter
}

// Stats is a point-in-time snapshot of a Pollset's bookkeeping, useful for
// tests and for operators who want to observe the invariants described in
// spec.md §8 (changelist idempotence, pollset_size draining back to zero)
// from outside the package.
type Stats struct {
	// Backend names which kernel mechanism this build compiled in: "poll",
	// "epoll", or "kqueue".
	Backend string
	// MaxFds is the size of the fd-indexed table.
	MaxFds int
	// RegisteredFds is the number of descriptors currently cached (i.e.
	// represented in the kernel pollset or, for the poll backend, holding a
	// pollset_array slot).
	RegisteredFds int
	// ChangelistDepth is the number of descriptors awaiting reconciliation
	// with the kernel on the next Poll cycle. Always zero for the poll
	// backend, which has no changelist.
	ChangelistDepth int
}

// resolveMaxFds implements the "boot-time upper bound" language of spec.md
// §3: it reads the process's current RLIMIT_NOFILE, the same primitive used
// to size the descriptor table in the runtimes this component is modeled
// on.
func resolveMaxFds() (int, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, errors.Wrap(err, "pollset: getrlimit(RLIMIT_NOFILE)")
	}
	n := int(rlim.Cur)
	if n <= 0 || uint64(n) != rlim.Cur {
		// Cur may be unix.RLIM_INFINITY on some kernels; fall back to a
		// generous, fixed upper bound rather than trying to allocate an
		// unbounded array.
		n = 1 << 20
	}
	return n, nil
}

// validateFd confirms fd is a live, open kernel descriptor without touching
// its readiness state. spec.md §9 notes this is validation-only: the
// resulting flags are never cached or interpreted beyond the EBADF check.
func validateFd(fd int) error {
	if fd < 0 {
		return ErrBadFd
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		if err == unix.EBADF {
			return ErrBadFd
		}
		return errors.Wrapf(err, "pollset: fcntl(F_GETFD, %d)", fd)
	}
	return nil
}

// Changelist link sentinels shared by the epoll and kqueue backends: a
// 1-based intrusive singly-linked stack over the fd-indexed array, per
// spec.md §3 and §9 ("Intrusive changelist via next").
const (
	noLink  = 0
	endList = -1
)

// wrapSyscallErr attaches the operation name and fd to a raw errno before it
// leaves the package (SPEC_FULL.md §A). The direction is not part of the
// error text.
func wrapSyscallErr(err error, op string, fd int) error {
	return errors.Wrapf(err, "pollset: %s fd=%d", op, fd)
}

// assertf reports an internal invariant violation. Per spec.md §7, these are
// bugs, not recoverable errors: the data structure is too tightly coupled
// for partial recovery, so we log then panic rather than return an error.
func assertf(format string, args ...interface{}) {
	msg := errors.Errorf(format, args...).Error()
	log().Error().Msg(msg)
	panic(msg)
}

// panicCleanWithWaiters reports the specific invariant violation of Clean
// being called while fd still has a live waiter on one of its directions.
// Kept as its own sentinel (errCleanWithWaiters) rather than folded into
// assertf's generic formatting, since callers that recover a panic from this
// package can errors.Is against it to tell this case apart from the others.
func panicCleanWithWaiters(fd int) {
	err := errors.Wrapf(errCleanWithWaiters, "fd=%d", fd)
	log().Error().Err(err).Msg("invariant violation")
	panic(err)
}
