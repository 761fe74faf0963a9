//go:build linux

package vm

import (
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"

	"github.com/nixci/runner/internal/agent/controlchannel"
	"github.com/nixci/runner/internal/logging"
)

var hostChannelLog = logging.ForComponent("vm-hostchannel")

// registration is the JobConfig and callbacks a HostChannelServer dispatches
// to once the guest with the matching CID connects.
type registration struct {
	jobID uuid.UUID
	cfg   controlchannel.JobConfig
	h     controlchannel.Handlers
}

// HostChannelServer accepts every VM's control-channel connection on one
// shared AF_VSOCK listener (well-known ConfigPort, CID_ANY) and dispatches
// each accepted connection by the connecting guest's CID, since every VM
// dials the same host port. Adapted from
// original_source/runner/src/vsock.rs's start_unix_config_server /
// handle_guest_connection, which does the equivalent dispatch over
// per-VM UNIX sockets because Cloud Hypervisor's vsock backend is
// UNIX-socket based there; here the host genuinely owns a vsock address
// family socket, so one listener serves every VM.
type HostChannelServer struct {
	ln net.Listener

	mu    sync.Mutex
	byCID map[uint32]registration
}

// NewHostChannelServer binds and listens on the control channel's
// well-known vsock port and starts accepting connections in the
// background.
func NewHostChannelServer() (*HostChannelServer, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, trace.Wrap(err, "opening vsock listener socket")
	}
	addr := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: controlchannel.ConfigPort}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, trace.Wrap(err, "binding vsock control channel listener on port %d", controlchannel.ConfigPort)
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return nil, trace.Wrap(err)
	}

	f := os.NewFile(uintptr(fd), "vsock-control-channel-listener")
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &HostChannelServer{ln: ln, byCID: make(map[uint32]registration)}
	go s.serve()
	return s, nil
}

// Register arranges for the next connection from cid to be handed cfg and
// driven through h. It must be called before the corresponding VM is
// launched, since the guest driver starts dialing almost immediately after
// boot. The returned func removes the registration; callers should defer it
// so a VM that never connects (crashed before vsock dial) doesn't leak an
// entry.
func (s *HostChannelServer) Register(cid uint32, jobID uuid.UUID, cfg controlchannel.JobConfig, h controlchannel.Handlers) (unregister func()) {
	s.mu.Lock()
	s.byCID[cid] = registration{jobID: jobID, cfg: cfg, h: h}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.byCID, cid)
		s.mu.Unlock()
	}
}

// Close stops accepting new connections.
func (s *HostChannelServer) Close() error {
	return s.ln.Close()
}

func (s *HostChannelServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			hostChannelLog.WithError(err).Warn("vsock control channel listener stopped accepting")
			return
		}
		go s.handle(conn)
	}
}

func (s *HostChannelServer) handle(conn net.Conn) {
	defer conn.Close()

	cid, err := peerCID(conn)
	if err != nil {
		hostChannelLog.WithError(err).Error("failed to read vsock peer cid, dropping connection")
		return
	}

	s.mu.Lock()
	reg, ok := s.byCID[cid]
	s.mu.Unlock()
	if !ok {
		hostChannelLog.WithField("cid", cid).Error("vsock connection from unregistered cid, dropping")
		return
	}

	cc := controlchannel.New(conn)
	if err := cc.Send(controlchannel.TypeJobConfig, reg.cfg); err != nil {
		hostChannelLog.WithError(err).WithField("job_id", reg.jobID).Error("failed to send job config to guest")
		return
	}

	if err := controlchannel.RunReader(cc, reg.jobID, reg.h); err != nil {
		hostChannelLog.WithError(err).WithField("job_id", reg.jobID).Error("control channel session ended with error")
		return
	}

	if err := cc.SendDone(reg.jobID); err != nil {
		hostChannelLog.WithError(err).WithField("job_id", reg.jobID).Warn("failed to send server-done signal")
	}
}

// peerCID extracts the connecting guest's vsock CID from the accepted
// connection's raw file descriptor.
func peerCID(conn net.Conn) (uint32, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, trace.BadParameter("connection does not expose a raw file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, trace.Wrap(err)
	}

	var cid uint32
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sa, err := unix.Getpeername(int(fd))
		if err != nil {
			sockErr = err
			return
		}
		vmAddr, ok := sa.(*unix.SockaddrVM)
		if !ok {
			sockErr = trace.BadParameter("peer address is not a vsock address")
			return
		}
		cid = vmAddr.CID
	})
	if ctrlErr != nil {
		return 0, trace.Wrap(ctrlErr)
	}
	if sockErr != nil {
		return 0, trace.Wrap(sockErr)
	}
	return cid, nil
}
