package pollset_test

import (
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panlibin/pollset"
)

func newTestPollset(t *testing.T) *pollset.Pollset {
	t.Helper()
	ps, err := pollset.NewPollsetWithMaxFds(256)
	require.NoError(t, err)
	t.Cleanup(ps.Term)
	return ps
}

// scenario 1: pipe ready.
func TestPollsetPipeReady(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ps := newTestPollset(t)
	rfd := int(r.Fd())

	var rc int
	fired := false
	c := &pollset.Clause{Resume: func(got int) { fired = true; rc = got }}
	cancel, err := ps.WaitIn(c, rfd)
	require.NoError(t, err)
	defer cancel()

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	woke, err := ps.Poll(1000)
	require.NoError(t, err)
	assert.True(t, woke)
	assert.True(t, fired)
	assert.Equal(t, 0, rc)
}

// scenario 2: timeout no-op.
func TestPollsetTimeoutNoOp(t *testing.T) {
	ps := newTestPollset(t)

	start := time.Now()
	woke, err := ps.Poll(10)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, woke)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
}

// scenario 3: dual direction coalescing, both waiters on the same fd.
func TestPollsetDualDirectionCoalescing(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	ps := newTestPollset(t)
	afd := int(a.Fd())

	inFired, outFired := false, false
	cIn := &pollset.Clause{Resume: func(int) { inFired = true }}
	cOut := &pollset.Clause{Resume: func(int) { outFired = true }}

	cancelIn, err := ps.WaitIn(cIn, afd)
	require.NoError(t, err)
	defer cancelIn()
	cancelOut, err := ps.WaitOut(cOut, afd)
	require.NoError(t, err)
	defer cancelOut()

	// a's socket buffer already has room, so Out is ready immediately; a
	// write from b makes a readable too, so both waiters fire in the same
	// poll cycle.
	_, err = b.Write([]byte("y"))
	require.NoError(t, err)

	woke, err := ps.Poll(1000)
	require.NoError(t, err)
	assert.True(t, woke)
	assert.True(t, inFired)
	assert.True(t, outFired)
}

// scenario 4: hangup broadcasts to both directions.
func TestPollsetHangupBroadcasts(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()

	ps := newTestPollset(t)
	afd := int(a.Fd())

	inFired, outFired := false, false
	cIn := &pollset.Clause{Resume: func(int) { inFired = true }}
	cOut := &pollset.Clause{Resume: func(int) { outFired = true }}

	_, err := ps.WaitIn(cIn, afd)
	require.NoError(t, err)
	_, err = ps.WaitOut(cOut, afd)
	require.NoError(t, err)

	require.NoError(t, b.Close())

	woke, err := ps.Poll(1000)
	require.NoError(t, err)
	assert.True(t, woke)
	assert.True(t, inFired)
	assert.True(t, outFired)
}

// scenario 5: already registered.
func TestPollsetAlreadyRegistered(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ps := newTestPollset(t)
	rfd := int(r.Fd())

	c1 := &pollset.Clause{Resume: func(int) {}}
	cancel1, err := ps.WaitIn(c1, rfd)
	require.NoError(t, err)
	defer cancel1()

	c2 := &pollset.Clause{Resume: func(int) {}}
	_, err = ps.WaitIn(c2, rfd)
	assert.ErrorIs(t, err, pollset.ErrAlreadyRegistered)
}

// scenario: bad fd detection. A never-opened descriptor, and one that was
// opened and then closed, both yield ErrBadFd.
func TestPollsetBadFd(t *testing.T) {
	ps := newTestPollset(t)

	c := &pollset.Clause{Resume: func(int) {}}
	_, err := ps.WaitIn(c, math.MaxInt32)
	assert.ErrorIs(t, err, pollset.ErrBadFd)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	rfd := int(r.Fd())
	require.NoError(t, r.Close())
	require.NoError(t, w.Close())

	c2 := &pollset.Clause{Resume: func(int) {}}
	_, err = ps.WaitIn(c2, rfd)
	assert.ErrorIs(t, err, pollset.ErrBadFd)
}

// scenario: fd reuse after clean/close does not inherit stale readiness.
func TestPollsetFdReuse(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	rfd := int(r.Fd())

	ps := newTestPollset(t)
	fired := false
	c := &pollset.Clause{Resume: func(int) { fired = true }}
	cancel, err := ps.WaitIn(c, rfd)
	require.NoError(t, err)
	cancel()
	ps.Clean(rfd)
	require.NoError(t, r.Close())

	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	defer r2.Close()
	defer w2.Close()

	c2 := &pollset.Clause{Resume: func(int) { fired = true }}
	cancel2, err := ps.WaitIn(c2, int(r2.Fd()))
	require.NoError(t, err)
	defer cancel2()

	woke, err := ps.Poll(10)
	require.NoError(t, err)
	assert.False(t, woke)
	assert.False(t, fired)
}

func TestPollsetStats(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ps := newTestPollset(t)
	stats := ps.Stats()
	assert.Equal(t, 256, stats.MaxFds)
	assert.Equal(t, 0, stats.RegisteredFds)
	assert.NotEmpty(t, stats.Backend)

	c := &pollset.Clause{Resume: func(int) {}}
	_, err = ps.WaitIn(c, int(r.Fd()))
	require.NoError(t, err)
	assert.Equal(t, 1, ps.Stats().RegisteredFds)
}
