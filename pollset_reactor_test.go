//go:build linux

// This scenario is Linux/epoll-specific: epoll rejects regular files with
// ELOOP/EPERM, while kqueue can legitimately watch one (it always reports
// ready), so the same assertion would be false on the kqueue backend.
package pollset_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panlibin/pollset"
)

// scenario 6: not-supported fd. The epoll backend refuses to poll a regular
// file; no kernel registration should persist afterwards.
func TestPollsetNotSupportedFd(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pollset-not-supported")
	require.NoError(t, err)
	defer f.Close()

	ps := newTestPollset(t)
	c := &pollset.Clause{Resume: func(int) {}}
	_, err = ps.WaitIn(c, int(f.Fd()))
	assert.ErrorIs(t, err, pollset.ErrNotSupported)
	assert.Equal(t, 0, ps.Stats().RegisteredFds)
}
