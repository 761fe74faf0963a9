// Package guestdriver implements the program that runs inside each job's
// VM (spec §5.3): it receives a JobConfig over the vsock control channel,
// clones the repo at the given depth, runs the job's tasks, streams their
// output back as Log frames, and reports Complete exactly once. Grounded
// on original_source/runner/src/bin/driver.rs's clone-then-run-then-report
// shape; gix has no Go equivalent in the pack, so cloning shells out to the
// git binary the guest image already carries (see DESIGN.md).
package guestdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strconv"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/agent/controlchannel"
	"github.com/nixci/runner/internal/logging"
)

func unmarshalPayload(raw json.RawMessage, out interface{}) error {
	return trace.Wrap(json.Unmarshal(raw, out))
}

var log = logging.ForComponent("guestdriver")

const projectDir = "/home/devenv"

// Run drives the whole guest-side lifecycle against an already-connected
// control channel: wait for JobConfig, send Ready, clone, run tasks
// streaming Log frames, send Complete, wait for the host's done signal.
func Run(ctx context.Context, conn *controlchannel.Conn) error {
	cfg, err := awaitJobConfig(conn)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := conn.Send(controlchannel.TypeReady, controlchannel.Ready{ID: cfg.JobID}); err != nil {
		return trace.Wrap(err)
	}

	success := true
	if err := runJob(ctx, conn, cfg); err != nil {
		log.WithError(err).WithField("job_id", cfg.JobID).Error("job failed")
		success = false
	}

	if err := conn.Send(controlchannel.TypeComplete, controlchannel.Complete{ID: cfg.JobID, Success: success}); err != nil {
		return trace.Wrap(err)
	}

	// Wait for the host's one-shot "server done" signal before the caller
	// powers the VM off, so the final Complete frame is not lost in a
	// race with shutdown.
	return awaitHostDone(conn)
}

func awaitJobConfig(conn *controlchannel.Conn) (controlchannel.JobConfig, error) {
	for {
		env, err := conn.Recv()
		if err != nil {
			return controlchannel.JobConfig{}, trace.Wrap(err)
		}
		if env.Type != controlchannel.TypeJobConfig {
			continue
		}
		var cfg controlchannel.JobConfig
		if err := unmarshalPayload(env.Payload, &cfg); err != nil {
			return controlchannel.JobConfig{}, trace.Wrap(err)
		}
		return cfg, nil
	}
}

func awaitHostDone(conn *controlchannel.Conn) error {
	for {
		env, err := conn.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if env.Type == controlchannel.TypeComplete {
			return nil
		}
	}
}

func runJob(ctx context.Context, conn *controlchannel.Conn, cfg controlchannel.JobConfig) error {
	if err := cloneRepo(ctx, conn, cfg); err != nil {
		return trace.Wrap(err, "cloning repository")
	}
	for _, task := range cfg.Tasks {
		if err := runTask(ctx, conn, cfg.JobID, task); err != nil {
			return trace.Wrap(err, "task %q", task)
		}
	}
	if cfg.CachixPush != "" {
		if err := runCommand(ctx, conn, cfg.JobID, "cachix", "push", cfg.CachixPush); err != nil {
			return trace.Wrap(err, "cachix push")
		}
	}
	return nil
}

func cloneRepo(ctx context.Context, conn *controlchannel.Conn, cfg controlchannel.JobConfig) error {
	args := []string{"clone"}
	if cfg.CloneDepth > 0 {
		args = append(args, "--depth", strconv.Itoa(cfg.CloneDepth))
	}
	args = append(args, cfg.Repo, projectDir)
	if err := runCommand(ctx, conn, cfg.JobID, "git", args...); err != nil {
		return trace.Wrap(err)
	}
	if cfg.Revision == "" {
		return nil
	}
	return runCommandIn(ctx, conn, cfg.JobID, projectDir, "git", "checkout", cfg.Revision)
}

func runTask(ctx context.Context, conn *controlchannel.Conn, jobID uuid.UUID, task string) error {
	return runCommandIn(ctx, conn, jobID, projectDir, "sh", "-c", task)
}

func runCommand(ctx context.Context, conn *controlchannel.Conn, jobID uuid.UUID, name string, args ...string) error {
	return runCommandIn(ctx, conn, jobID, "", name, args...)
}

// runCommandIn execs a command, streaming its stdout/stderr back over the
// control channel as Log frames so the control plane's log service gets
// output incrementally rather than only at job completion.
func runCommandIn(ctx context.Context, conn *controlchannel.Conn, jobID uuid.UUID, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return trace.Wrap(err)
	}

	done := make(chan struct{}, 2)
	go streamLines(conn, jobID, name, "info", stdout, done)
	go streamLines(conn, jobID, name, "error", stderr, done)
	<-done
	<-done

	return cmd.Wait()
}

// streamLines reads r line by line and forwards each as a structured Log
// frame (spec §4.7), tagging the emitting command as target and the
// stream (stdout/stderr) as a field so the log service's flat
// {timestamp, level, message} record still keeps that provenance.
func streamLines(conn *controlchannel.Conn, jobID uuid.UUID, target, level string, r io.Reader, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	stream := "stdout"
	if level == "error" {
		stream = "stderr"
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		msg := controlchannel.Log{
			ID:      jobID,
			Level:   level,
			Target:  target,
			Message: scanner.Text(),
			Fields:  map[string]string{"stream": stream},
		}
		if err := conn.Send(controlchannel.TypeLog, msg); err != nil {
			log.WithError(err).Warn("failed to send log frame")
			return
		}
	}
}
