//go:build linux

package guestdriver

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"

	"golang.org/x/sys/unix"
)

func vsockFile(fd int) *os.File {
	return os.NewFile(uintptr(fd), "vsock")
}

// hostCID is the fixed, well-known vsock context id of the host side of
// the guest<->host control channel (spec §5.3).
const hostCID = 2

// DialHost opens the vsock connection to the host's control channel
// listener on the given port, retrying with exponential backoff (100ms
// initial, 5s cap, 10 attempts max) since the host side may not have
// accepted the connection yet this early in guest boot.
func DialHost(ctx context.Context, port uint32) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	boCtx := backoff.WithMaxRetries(bo, 10)

	var conn net.Conn
	op := func() error {
		fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
		if err != nil {
			return trace.Wrap(err, "opening vsock socket")
		}
		addr := &unix.SockaddrVM{CID: hostCID, Port: port}
		if err := unix.Connect(fd, addr); err != nil {
			unix.Close(fd)
			return trace.Wrap(err, "connecting to host vsock port %d", port)
		}
		f := vsockFile(fd)
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			return trace.Wrap(err)
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(boCtx, ctx)); err != nil {
		return nil, trace.Wrap(err, "connecting to host control channel")
	}
	return conn, nil
}
