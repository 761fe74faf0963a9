package controlchannel

import (
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	host, guest := net.Pipe()
	defer host.Close()
	defer guest.Close()

	hostConn := New(host)
	guestConn := New(guest)

	want := JobConfig{
		JobID:      uuid.New(),
		Repo:       "https://example.com/repo.git",
		Revision:   "deadbeefcafe",
		CloneDepth: 1,
		Tasks:      []string{"nix flake check", "nix build"},
	}

	done := make(chan error, 1)
	go func() { done <- hostConn.Send(TypeJobConfig, want) }()

	env, err := guestConn.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, TypeJobConfig, env.Type)

	var got JobConfig
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	require.Equal(t, want, got)
}

func TestRunReaderDeliversFramesInOrderThenReturnsOnComplete(t *testing.T) {
	host, guest := net.Pipe()

	hostConn := New(host)
	guestConn := New(guest)

	jobID := uuid.New()
	var received []string
	var gotComplete Complete
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- RunReader(guestConn, jobID, Handlers{
			OnReady: func() {},
			OnLog: func(l Log) {
				received = append(received, l.Message)
			},
			OnComplete: func(c Complete) {
				gotComplete = c
			},
		})
	}()

	require.NoError(t, hostConn.Send(TypeReady, Ready{ID: jobID}))
	lines := []string{"line one\n", "line two\n", "line three\n"}
	for _, l := range lines {
		require.NoError(t, hostConn.Send(TypeLog, Log{ID: jobID, Level: "info", Message: l}))
	}
	require.NoError(t, hostConn.Send(TypeComplete, Complete{ID: jobID, Success: true}))

	require.NoError(t, <-readerDone)
	require.Equal(t, lines, received)
	require.Equal(t, jobID, gotComplete.ID)
	require.True(t, gotComplete.Success)

	host.Close()
	guest.Close()
}

func TestRunReaderReturnsEOFWithoutCompleteAsNil(t *testing.T) {
	host, guest := net.Pipe()
	guestConn := New(guest)
	jobID := uuid.New()

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- RunReader(guestConn, jobID, Handlers{
			OnReady:    func() {},
			OnLog:      func(Log) {},
			OnComplete: func(Complete) {},
		})
	}()

	host.Close()
	require.NoError(t, <-readerDone)
}

func TestRunReaderDropsMismatchedJobID(t *testing.T) {
	host, guest := net.Pipe()
	defer host.Close()

	hostConn := New(host)
	guestConn := New(guest)

	jobID := uuid.New()
	otherID := uuid.New()
	var received []string
	var completed bool
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- RunReader(guestConn, jobID, Handlers{
			OnReady: func() {},
			OnLog: func(l Log) {
				received = append(received, l.Message)
			},
			OnComplete: func(Complete) {
				completed = true
			},
		})
	}()

	require.NoError(t, hostConn.Send(TypeReady, Ready{ID: jobID}))
	require.NoError(t, hostConn.Send(TypeLog, Log{ID: otherID, Level: "info", Message: "not mine\n"}))
	require.NoError(t, hostConn.Send(TypeLog, Log{ID: jobID, Level: "info", Message: "mine\n"}))
	require.NoError(t, hostConn.Send(TypeComplete, Complete{ID: jobID, Success: true}))

	require.NoError(t, <-readerDone)
	require.Equal(t, []string{"mine\n"}, received)
	require.True(t, completed)
}

func TestRunReaderRejectsMessageBeforeReady(t *testing.T) {
	host, guest := net.Pipe()
	defer host.Close()

	hostConn := New(host)
	guestConn := New(guest)

	jobID := uuid.New()
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- RunReader(guestConn, jobID, Handlers{
			OnReady:    func() {},
			OnLog:      func(Log) {},
			OnComplete: func(Complete) {},
		})
	}()

	require.NoError(t, hostConn.Send(TypeLog, Log{ID: jobID, Level: "info", Message: "too early\n"}))

	err := <-readerDone
	require.Error(t, err)
	require.True(t, IsProtocolViolation(err))
}

func TestSendDoneIsOneShot(t *testing.T) {
	host, guest := net.Pipe()
	defer guest.Close()

	hostConn := New(host)
	jobID := uuid.New()

	sendErrs := make(chan error, 2)
	go func() { sendErrs <- hostConn.SendDone(jobID) }()
	go func() { sendErrs <- hostConn.SendDone(jobID) }()

	// Exactly one Complete frame should arrive; drain it, then close so the
	// second (suppressed) call's goroutine isn't left blocked on a write.
	env, err := New(guest).Recv()
	require.NoError(t, err)
	require.Equal(t, TypeComplete, env.Type)
	host.Close()

	err = <-sendErrs
	require.True(t, err == nil || err == io.ErrClosedPipe)
	err = <-sendErrs
	require.True(t, err == nil || err == io.ErrClosedPipe)
}
