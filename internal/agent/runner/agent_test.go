package runner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nixci/runner/internal/agent/resource"
	"github.com/nixci/runner/internal/runnerhub"
)

func TestMaybeClaimRefusesWhenDraining(t *testing.T) {
	a := New(Config{Resources: resource.New(4, 4096, 0)})
	a.draining.Store(true)

	// Must return before ever touching conn, since a nil *websocket.Conn
	// would panic on send.
	a.maybeClaim(nil, runnerhub.NewJobAvailable{ID: uuid.New()})
}

func TestDrainBlocksUntilRunningJobsFinish(t *testing.T) {
	a := New(Config{Resources: resource.New(4, 4096, 0)})

	jobID := uuid.New()
	a.mu.Lock()
	a.running[jobID] = nil // only len(a.running) matters to Drain
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.Drain(context.Background())
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned while a job was still running")
	case <-time.After(200 * time.Millisecond):
	}

	require.True(t, a.draining.Load(), "Drain must mark the agent draining immediately")

	a.mu.Lock()
	delete(a.running, jobID)
	a.mu.Unlock()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return after the last job finished")
	}
}

func TestDrainReturnsImmediatelyWithNoRunningJobs(t *testing.T) {
	a := New(Config{Resources: resource.New(4, 4096, 0)})

	drained := make(chan struct{})
	go func() {
		a.Drain(context.Background())
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return with no running jobs")
	}
}
