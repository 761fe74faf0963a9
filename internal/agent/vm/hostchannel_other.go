//go:build !linux

package vm

import (
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/agent/controlchannel"
)

// HostChannelServer's real implementation is Linux-only (a genuine
// AF_VSOCK listener); this stub keeps HostLauncher buildable on other
// host platforms. Apple Silicon runner hosts use a different guest vsock
// bridge (Virtualization.framework's VZVirtioSocketDevice) that this
// package does not implement, mirroring original_source/runner/src/vm.rs's
// own `#[cfg(not(any(target_os = "macos", target_os = "linux")))]`
// catch-all — macOS there has its own branch this port does not carry
// (see DESIGN.md).
type HostChannelServer struct{}

// Register is a no-op on non-Linux hosts; NewHostChannelServer already
// failed, so nothing should ever call it.
func (s *HostChannelServer) Register(cid uint32, jobID uuid.UUID, cfg controlchannel.JobConfig, h controlchannel.Handlers) (unregister func()) {
	return func() {}
}

// Close is a no-op on non-Linux hosts.
func (s *HostChannelServer) Close() error { return nil }

// NewHostChannelServer always fails on non-Linux hosts.
func NewHostChannelServer() (*HostChannelServer, error) {
	return nil, trace.NotImplemented("vsock control channel listener is only implemented for Linux hosts")
}
