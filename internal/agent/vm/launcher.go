package vm

import (
	"context"
	"path/filepath"

	"github.com/nixci/runner/internal/agent/controlchannel"
	"github.com/nixci/runner/internal/agent/resource"
	"github.com/nixci/runner/internal/job"
)

// HostLauncher implements runner.VMLauncher against a real hypervisor
// binary, one process per job, rooted under a resources directory for
// scratch state. Server dispatches the launched VM's guest control
// channel session once the guest dials in (spec §4.7).
type HostLauncher struct {
	Binary       string
	ResourcesDir string
	Server       *HostChannelServer
}

// Launch starts the hypervisor process for a claimed job and registers
// its control-channel session so the guest's Ready/Log/Complete messages
// drive the returned Instance.
func (h HostLauncher) Launch(ctx context.Context, cfg controlchannel.JobConfig, v job.VM, guard *resource.Guard, ip string, cid uint32, onLog func(controlchannel.Log)) (*Instance, error) {
	spec := NewLaunchSpec(h.Binary, v, ip, cid)
	spec.Args = append(spec.Args, "--state-dir", filepath.Join(h.ResourcesDir, cfg.JobID.String()))

	var inst *Instance
	started := make(chan struct{})
	unregister := h.Server.Register(cid, cfg.JobID, cfg, controlchannel.Handlers{
		OnReady: func() {
			<-started
			inst.ReportRunning()
		},
		OnLog: onLog,
		OnComplete: func(c controlchannel.Complete) {
			<-started
			status := job.CompletionFailed
			if c.Success {
				status = job.CompletionSuccess
			}
			inst.CompleteWithStatus(status)
		},
	})

	inst, err := Launch(ctx, cfg.JobID, v, spec, guard)
	if err != nil {
		unregister()
		return nil, err
	}
	close(started)

	go func() {
		<-inst.Done()
		unregister()
	}()

	return inst, nil
}
