// Package vm implements the runner agent's per-job virtual machine
// lifecycle (spec §5.2): Creating -> Booting -> Running -> Completion,
// exactly one completion event per VM, and resource guard release tied to
// the supervisor process exiting regardless of how it exited. The state
// machine shape follows lib/fsm/fsm.go's single-writer transition log.
package vm

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
)

var log = logging.ForComponent("vm")

// Phase is one state in a VM's lifecycle.
type Phase string

const (
	PhaseCreating   Phase = "creating"
	PhaseBooting    Phase = "booting"
	PhaseRunning    Phase = "running"
	PhaseCompletion Phase = "completion"
)

// CompletionEvent is delivered exactly once per VM, on the Completion
// channel, regardless of whether the guest reported success, the process
// was killed, or the context was cancelled first.
type CompletionEvent struct {
	JobID  uuid.UUID
	Status job.CompletionStatus
}

// Instance tracks one VM's lifecycle for the duration of a single job.
type Instance struct {
	JobID    uuid.UUID
	VM       job.VM
	guard    resourceGuard
	cmd      *exec.Cmd

	mu    sync.Mutex
	phase Phase

	done     chan CompletionEvent
	doneOnce sync.Once
}

// resourceGuard is the subset of *resource.Guard's behavior the vm package
// needs, so it doesn't have to import the resource package just for this.
type resourceGuard interface {
	Release()
}

// LaunchSpec carries everything needed to start the guest hypervisor
// process. Binary/Args model the teacher's lib/rpc/server style of
// shelling out to a fixed, trusted binary with an argv built from
// validated fields only (no string-interpolated shell).
type LaunchSpec struct {
	Binary  string
	Args    []string
	GuestIP string
	CID     uint32
}

// Launch starts phase Creating->Booting: it execs the hypervisor binary
// and returns an Instance whose Completion channel fires exactly once.
func Launch(ctx context.Context, jobID uuid.UUID, j job.VM, spec LaunchSpec, guard resourceGuard) (*Instance, error) {
	inst := &Instance{
		JobID: jobID,
		VM:    j,
		guard: guard,
		phase: PhaseCreating,
		done:  make(chan CompletionEvent, 1),
	}

	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	if err := cmd.Start(); err != nil {
		guard.Release()
		return nil, trace.Wrap(err, "starting vm for job %v", jobID)
	}
	inst.cmd = cmd
	inst.setPhase(PhaseBooting)

	go inst.supervise()
	return inst, nil
}

func (i *Instance) setPhase(p Phase) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.phase = p
}

// Phase returns the current lifecycle phase.
func (i *Instance) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// Done returns the channel the exactly-once CompletionEvent arrives on.
func (i *Instance) Done() <-chan CompletionEvent {
	return i.done
}

// supervise waits for the hypervisor process to exit and always emits a
// completion event, releasing the resource guard no matter which exit path
// is taken (spec §5.2: "the resource guard is released when the
// supervisor exits, covering every exit path").
func (i *Instance) supervise() {
	err := i.cmd.Wait()
	i.setPhase(PhaseCompletion)
	i.guard.Release()

	status := job.CompletionSuccess
	if err != nil {
		log.WithError(err).WithField("job_id", i.JobID).Warn("vm process exited with error")
		status = job.CompletionFailed
	}
	i.complete(CompletionEvent{JobID: i.JobID, Status: status})
}

// ReportRunning marks the instance Running once the guest's Ready message
// arrives over the control channel.
func (i *Instance) ReportRunning() {
	i.setPhase(PhaseRunning)
}

// CompleteWithStatus is used by the guest control-channel reader to report
// a guest-originated terminal status (Complete message) ahead of process
// exit; the process is then asked to shut down and supervise()'s own
// event is suppressed by doneOnce.
func (i *Instance) CompleteWithStatus(status job.CompletionStatus) {
	i.complete(CompletionEvent{JobID: i.JobID, Status: status})
}

func (i *Instance) complete(ev CompletionEvent) {
	i.doneOnce.Do(func() {
		i.done <- ev
		close(i.done)
	})
}

// Shutdown asks the VM to stop, used for JobCancelled/JobTimedOut handling.
// It only signals the process; it never force-kills. Both timeout and
// cancellation wait for the VM to exit on its own, since the guest may
// still be flushing Cachix pushes or cleaning up (spec §4.6, §5, §9): the
// control channel has no read timeout while Running, and the VM's own
// natural exit — observed by supervise() — is the sole liveness signal.
func (i *Instance) Shutdown() {
	if i.cmd.Process == nil {
		return
	}
	if err := i.cmd.Process.Signal(signalTerm); err != nil {
		log.WithError(err).WithField("job_id", i.JobID).Debug("failed to send termination signal")
	}
}

// NewLaunchSpec builds the hypervisor argv from the job's sizing plus the
// allocated guest IP/CID, keeping every argument a validated field rather
// than interpolated shell text.
func NewLaunchSpec(binary string, v job.VM, ip string, cid uint32) LaunchSpec {
	return LaunchSpec{
		Binary:  binary,
		GuestIP: ip,
		CID:     cid,
		Args: append([]string{
			"--cpus", fmt.Sprintf("%d", v.CPUs),
			"--memory-mb", fmt.Sprintf("%d", v.MemoryMB),
		}, guestNetworkArgs(ip, cid)...),
	}
}

func guestNetworkArgs(ip string, cid uint32) []string {
	return []string{"--guest-ip", ip, "--guest-cid", fmt.Sprintf("%d", cid)}
}
