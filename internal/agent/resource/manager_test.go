package resource

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestReserveRejectsBelowHardReserve(t *testing.T) {
	m := New(2, 200, 0) // 1 cpu / 100mb usable after the hard reserve

	_, err := m.Reserve(2, 50)
	require.Error(t, err)
	require.Equal(t, ReasonInsufficientCPU, rejectReason(t, err))

	_, err = m.Reserve(1, 150)
	require.Error(t, err)
	require.Equal(t, ReasonInsufficientMemory, rejectReason(t, err))
}

func TestReserveRespectsInstanceCap(t *testing.T) {
	m := New(100, 10000, 1)

	g1, err := m.Reserve(1, 1)
	require.NoError(t, err)

	_, err = m.Reserve(1, 1)
	require.Error(t, err)
	require.Equal(t, ReasonInstanceLimitReached, rejectReason(t, err))

	g1.Release()
	_, err = m.Reserve(1, 1)
	require.NoError(t, err, "reserve after release should succeed")
}

func TestReserveReleaseReturnsAllResourcesIncludingIPAndCID(t *testing.T) {
	m := New(4, 4096, 0)

	g, err := m.Reserve(2, 1024)
	require.NoError(t, err)

	ip, ok := g.IP.Value.(string)
	require.True(t, ok)
	require.NotEmpty(t, ip)

	cid, ok := g.CID.Value.(uint32)
	require.True(t, ok)
	require.NotZero(t, cid)

	snap := m.Snapshot()
	require.Equal(t, 2, snap.UsedCPUCount)
	require.Equal(t, 1024, snap.UsedMemoryMB)
	require.Equal(t, 1, snap.ActiveJobs)

	g.Release()
	g.Release() // idempotent

	snap = m.Snapshot()
	require.Zero(t, snap.UsedCPUCount)
	require.Zero(t, snap.UsedMemoryMB)
	require.Zero(t, snap.ActiveJobs)

	// The IP/CID must have gone back to their pools, not merely had the
	// cpu/memory counters decremented.
	g2, err := m.Reserve(1, 1)
	require.NoError(t, err)
	require.Equal(t, ip, g2.IP.Value.(string), "expected the released IP to be reused first")
	require.Equal(t, cid, g2.CID.Value.(uint32), "expected the released CID to be reused first")
}

func TestIPPoolExhaustion(t *testing.T) {
	m := New(1<<20, 1<<20, 0)

	var guards []*ReservationGuard
	for i := 0; i < 253; i++ {
		g, err := m.Reserve(0, 0)
		require.NoError(t, err, "reserve %d", i)
		guards = append(guards, g)
	}

	_, err := m.Reserve(0, 0)
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))

	for _, g := range guards {
		g.Release()
	}
	_, err = m.Reserve(0, 0)
	require.NoError(t, err, "reserve after releasing the whole pool")
}

func TestHasMinimalCapacity(t *testing.T) {
	m := New(1, 100, 0)
	require.False(t, m.HasMinimalCapacity(), "a manager with nothing above the hard reserve must report no capacity")

	m2 := New(2, 200, 0)
	require.True(t, m2.HasMinimalCapacity(), "a manager with 1 cpu / 100mb above the hard reserve must report capacity")
}

func rejectReason(t *testing.T, err error) RejectReason {
	t.Helper()
	r, ok := trace.Unwrap(err).(*RejectedError)
	require.True(t, ok, "error %v is not a *RejectedError", err)
	return r.Reason
}
