//go:build linux

package pollset

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Changelist idempotence: pushing the same fd multiple times between polls
// must not grow the changelist past one entry for that fd.
func TestEpollChangelistIdempotence(t *testing.T) {
	ps, err := NewPollsetWithMaxFds(32)
	require.NoError(t, err)
	defer ps.Term()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	c := &Clause{Resume: func(int) {}}
	cancel, err := ps.WaitIn(c, fd)
	require.NoError(t, err)

	// First registration is synchronous (not cached yet), so nothing is on
	// the changelist. Cancelling pushes it once; further pushes before the
	// next Poll must be no-ops because the fd is already linked.
	cancel()
	assert.Equal(t, 1, ps.changelistLen)

	ps.pushChangelist(fd)
	ps.pushChangelist(fd)
	ps.pushChangelist(fd)
	assert.Equal(t, 1, ps.changelistLen)
}
