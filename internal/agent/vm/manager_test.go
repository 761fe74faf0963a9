package vm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nixci/runner/internal/job"
)

type countingGuard struct {
	released int32
}

func (g *countingGuard) Release() {
	atomic.AddInt32(&g.released, 1)
}

func TestCompletionFiresExactlyOnceOnNaturalExit(t *testing.T) {
	guard := &countingGuard{}
	jobID := uuid.New()
	spec := LaunchSpec{Binary: "sh", Args: []string{"-c", "exit 0"}}

	inst, err := Launch(context.Background(), jobID, job.DefaultVM(job.PlatformX86_64Linux), spec, guard)
	require.NoError(t, err)

	select {
	case ev := <-inst.Done():
		require.Equal(t, jobID, ev.JobID)
		require.Equal(t, job.CompletionSuccess, ev.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&guard.released))
}

func TestGuestReportedCompletionSuppressesProcessExitEvent(t *testing.T) {
	guard := &countingGuard{}
	jobID := uuid.New()
	// A process that outlives the guest's own Complete report, so both
	// paths race: the control-channel reader reporting CompleteWithStatus
	// immediately, and supervise()'s own completion once the sleep exits.
	spec := LaunchSpec{Binary: "sh", Args: []string{"-c", "sleep 0.2"}}

	inst, err := Launch(context.Background(), jobID, job.DefaultVM(job.PlatformAarch64Darwin), spec, guard)
	require.NoError(t, err)

	inst.CompleteWithStatus(job.CompletionFailed)

	select {
	case ev := <-inst.Done():
		require.Equal(t, job.CompletionFailed, ev.Status, "expected the guest-reported status to win")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	// Only one event is ever sent on the channel; confirm the channel is
	// now closed rather than delivering a second event.
	select {
	case _, ok := <-inst.Done():
		require.False(t, ok, "received a second completion event")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the done channel to be closed after the first event, not left open")
	}

	// supervise() must still run to completion and release the guard even
	// though its own event was suppressed.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&guard.released) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&guard.released))
}
