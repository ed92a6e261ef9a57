// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2017 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package pollset implements the file-descriptor readiness multiplexer that
// sits at the heart of a cooperative coroutine runtime: coroutines block
// waiting for a file descriptor to become readable or writable, the
// multiplexer registers those waits against the kernel, blocks the calling
// worker until at least one descriptor is ready (or a timeout elapses), and
// triggers the waiting side.
//
// Three backends implement the same contract and exactly one is compiled in,
// chosen by GOOS: an array-scanning poll(2) fallback, a Linux epoll reactor,
// and a BSD/Darwin kqueue reactor. A Pollset belongs to exactly one worker:
// none of its methods are safe to call concurrently from more than one
// goroutine.
package pollset
