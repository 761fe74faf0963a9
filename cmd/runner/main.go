// Command runner is the CI job runner agent (spec §4.4, §4.5, §4.6): it
// connects to the control plane over websocket, claims jobs its local
// resources can fit, and supervises one VM per job via the host's
// hypervisor binary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nixci/runner/internal/agent/resource"
	"github.com/nixci/runner/internal/agent/runner"
	"github.com/nixci/runner/internal/agent/vm"
	"github.com/nixci/runner/internal/config"
	"github.com/nixci/runner/internal/job"
	"github.com/nixci/runner/internal/logging"
)

func main() {
	app := kingpin.New("runner", "CI job runner agent")

	configPath := app.Flag("config", "Optional YAML config file; CLI flags below override its values").String()
	host := app.Flag("host", "Control plane websocket URI").String()
	platform := app.Flag("platform", "This runner's advertised platform").String()
	resourcesDir := app.Flag("resources-dir", "Directory for VM scratch state").String()
	stateDir := app.Flag("state-dir", "Directory for the agent's own durable state").String()
	hypervisorBinary := app.Flag("hypervisor-binary", "Path to the VM hypervisor binary").Default("/usr/local/bin/vm-hypervisor").String()
	maxCPU := app.Flag("max-cpu", "Total CPUs to offer, 0 to use the config/default value").Int()
	maxMemoryMB := app.Flag("max-memory-mb", "Total memory in MiB to offer, 0 to use the config/default value").Int()
	maxInstances := app.Flag("max-instances", "Cap on concurrently running VMs, 0 means unbounded").Int()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("%v", err)
	}

	if err := run(*configPath, *host, *platform, *resourcesDir, *stateDir, *hypervisorBinary, *maxCPU, *maxMemoryMB, *maxInstances); err != nil {
		log.Error(trace.DebugReport(err))
		os.Exit(1)
	}
}

func run(configPath, host, platform, resourcesDir, stateDir, hypervisorBinary string, maxCPU, maxMemoryMB, maxInstances int) error {
	cfg, err := config.LoadRunner(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if host != "" {
		cfg.Host = host
	}
	if platform != "" {
		cfg.Platform = platform
	}
	if resourcesDir != "" {
		cfg.ResourcesDir = resourcesDir
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if maxCPU > 0 {
		cfg.MaxCPU = maxCPU
	}
	if maxMemoryMB > 0 {
		cfg.MaxMemoryMB = maxMemoryMB
	}
	if maxInstances > 0 {
		cfg.MaxInstances = maxInstances
	}

	logging.Configure(cfg.LogLevel)

	resources := resource.New(cfg.MaxCPU, cfg.MaxMemoryMB, cfg.MaxInstances)

	channelServer, err := vm.NewHostChannelServer()
	if err != nil {
		return trace.Wrap(err, "starting vsock control channel listener")
	}
	defer channelServer.Close()
	launcher := vm.HostLauncher{Binary: hypervisorBinary, ResourcesDir: cfg.ResourcesDir, Server: channelServer}

	agent := runner.New(runner.Config{
		Host:      cfg.Host,
		Platform:  job.Platform(cfg.Platform),
		Resources: resources,
		Launcher:  launcher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.ForComponent("runner")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("draining: refusing new jobs, waiting for running jobs to finish")
		agent.Drain(context.Background())
		cancel()
	}()

	return agent.Run(ctx)
}
