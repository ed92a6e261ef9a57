package pollset

import "github.com/pkg/errors"

// Sentinel errors returned across the public contract. Callers should use
// errors.Is against these, since backends wrap them with syscall context via
// errors.Wrapf.
var (
	// ErrBadFd is returned by WaitIn/WaitOut when the descriptor is not an
	// open kernel fd.
	ErrBadFd = errors.New("pollset: bad file descriptor")

	// ErrAlreadyRegistered is returned when a second clause tries to wait on
	// the same (fd, direction) pair while the first waiter is still live.
	ErrAlreadyRegistered = errors.New("pollset: already registered")

	// ErrNotSupported is returned by the epoll backend when the kernel
	// refuses to poll a descriptor of this kind, e.g. a regular file. The
	// kqueue and poll backends never return it.
	ErrNotSupported = errors.New("pollset: descriptor kind not supported by this backend")

	// ErrNoMem is returned by NewPollset when the fd table or kernel-side
	// pollset could not be allocated.
	ErrNoMem = errors.New("pollset: out of memory")

	// ErrInterrupted is returned by Poll when the underlying kernel wait was
	// aborted by a signal before any event fired. It is not a failure; the
	// caller is expected to retry.
	ErrInterrupted = errors.New("pollset: interrupted")

	// errCleanWithWaiters is an internal invariant violation: Clean was
	// called on a descriptor that still has a live waiter on one of its
	// directions. This layer treats it as a bug, not a recoverable error.
	errCleanWithWaiters = errors.New("pollset: clean called with live waiter")
)
