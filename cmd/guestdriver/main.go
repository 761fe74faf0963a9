// Command guestdriver runs inside each job's VM guest (spec §5.3). It
// dials the host over vsock, drives the job lifecycle, then syncs and
// powers the VM off, mirroring
// original_source/runner/src/bin/driver.rs's connect-run-shutdown shape.
package main

import (
	"context"
	"os"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nixci/runner/internal/agent/controlchannel"
	"github.com/nixci/runner/internal/guestdriver"
	"github.com/nixci/runner/internal/logging"
)

func main() {
	logging.Configure("info")
	logger := logging.ForComponent("guestdriver")

	if err := run(); err != nil {
		logger.WithError(err).Error("job run failed")
	}

	shutdown(logger)
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
	defer cancel()

	netConn, err := guestdriver.DialHost(ctx, controlchannel.ConfigPort)
	if err != nil {
		return trace.Wrap(err, "dialing host control channel")
	}
	defer netConn.Close()

	conn := controlchannel.New(netConn)
	return trace.Wrap(guestdriver.Run(ctx, conn))
}

// shutdown flushes the filesystem and halts the VM. It always runs, success
// or failure, so a stuck or crashed job never leaves the VM running past
// its resource reservation.
func shutdown(logger *log.Entry) {
	logger.Info("shutting down VM")
	syncFilesystem()
	if err := haltSystem(); err != nil {
		logger.WithError(err).Error("reboot(RB_HALT_SYSTEM) failed")
		os.Exit(1)
	}
}
