// Package controlchannel implements the host side of the guest<->host
// control protocol (spec §5.3): length-prefixed JSON frames over a vsock
// duplex stream. Framing mirrors lib/rpc/server/server.go's use of a
// fixed-size header ahead of a variable-length body, adapted from gRPC's
// length-delimited wire format down to a raw stream since there is no gRPC
// dependency wired here (spec §1 Non-goals; see SPEC_FULL.md).
package controlchannel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/nixci/runner/internal/logging"
)

var log = logging.ForComponent("controlchannel")

// maxFrameBytes bounds a single frame so a corrupt length prefix cannot
// trigger an unbounded allocation.
const maxFrameBytes = 16 << 20

// ConfigPort is the well-known vsock port the host listens on for each
// job's control channel, matching original_source/runner/src/protocol.rs's
// CONFIG_VSOCK_PORT.
const ConfigPort uint32 = 1234

// MessageType tags a control-channel frame.
type MessageType string

const (
	TypeJobConfig MessageType = "JobConfig"
	TypeReady     MessageType = "Ready"
	TypeLog       MessageType = "Log"
	TypeComplete  MessageType = "Complete"
)

// Envelope is the control-channel frame body, matching runnerhub's
// two-pass type-then-payload decode convention.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobConfig is sent host -> guest once at the start of the job, carrying
// everything the guest driver needs to run the job's tasks (spec §4.7's
// JobConfig).
type JobConfig struct {
	JobID      uuid.UUID `json:"job_id"`
	Repo       string    `json:"repo"`
	Revision   string    `json:"revision"`
	CloneDepth int       `json:"clone_depth"`
	CachixPush string    `json:"cachix_push,omitempty"`
	Tasks      []string  `json:"tasks"`
}

// Ready is sent guest -> host once the guest environment has finished
// booting and is about to start running tasks. Id pins the message to the
// session's job, per spec §4.7.
type Ready struct {
	ID uuid.UUID `json:"id"`
}

// Log is a single structured log line, guest -> host (spec §4.7).
type Log struct {
	ID      uuid.UUID         `json:"id"`
	Level   string            `json:"level"`
	Target  string            `json:"target"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Complete is the guest's terminal report, guest -> host, after which the
// host sends its own one-shot "server done" Envelope and closes the
// stream.
type Complete struct {
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
}

// ProtocolViolationError reports a guest message that broke the control
// protocol: a message carrying the wrong job id, or any message other than
// Ready before the session has been established (spec §4.7's
// ProtocolViolation error kind). The caller tears the connection down and
// reports the job Failed.
type ProtocolViolationError struct {
	JobID  uuid.UUID
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("control channel protocol violation for job %s: %s", e.JobID, e.Reason)
}

// IsProtocolViolation reports whether err (or anything it wraps) is a
// *ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	_, ok := trace.Unwrap(err).(*ProtocolViolationError)
	return ok
}

// Conn wraps a duplex byte stream (a vsock connection in production, a
// net.Pipe in tests) with length-prefixed JSON framing and tracks whether
// the one-shot "done" signal has already been sent.
type Conn struct {
	rw io.ReadWriter

	writeMu  sync.Mutex
	doneOnce sync.Once
}

// New wraps an open duplex stream.
func New(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// Send encodes and writes one frame: a 4-byte little-endian length prefix
// followed by the JSON envelope body.
func (c *Conn) Send(t MessageType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	body, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		return trace.Wrap(err)
	}
	if len(body) > maxFrameBytes {
		return trace.BadParameter("control channel frame too large: %d bytes", len(body))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return trace.Wrap(err)
	}
	if _, err := c.rw.Write(body); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// SendDone sends the host's one-shot "server done" signal; subsequent
// calls are no-ops, since the protocol allows exactly one.
func (c *Conn) SendDone(jobID uuid.UUID) error {
	var sendErr error
	c.doneOnce.Do(func() {
		sendErr = c.Send(TypeComplete, Complete{ID: jobID, Success: true})
	})
	return sendErr
}

// Recv reads the next frame and decodes its envelope. It returns io.EOF
// when the peer has closed the stream cleanly.
func (c *Conn) Recv() (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return Envelope{}, trace.BadParameter("control channel frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return Envelope{}, trace.Wrap(err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, trace.Wrap(err, "decoding control channel envelope")
	}
	return env, nil
}

// Handlers groups the callbacks RunReader drives as guest messages for a
// single job arrive, in order.
type Handlers struct {
	OnReady    func()
	OnLog      func(Log)
	OnComplete func(Complete)
}

// RunReader reads frames from the peer until the session's Complete
// arrives, EOF, or an error, validating every message against jobID along
// the way (spec §4.7):
//
//   - Before Ready is received, any message other than a Ready for jobID is
//     a protocol violation and tears the session down.
//   - After Ready, a Log/Complete whose id does not match jobID is dropped
//     and logged; it never affects session state.
//   - At most one Complete is delivered; RunReader returns immediately
//     after calling OnComplete.
func RunReader(conn *Conn, jobID uuid.UUID, h Handlers) error {
	ready := false
	for {
		env, err := conn.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}

		switch env.Type {
		case TypeReady:
			var msg Ready
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				return trace.Wrap(err)
			}
			if msg.ID != jobID {
				return trace.Wrap(&ProtocolViolationError{JobID: jobID, Reason: fmt.Sprintf("ready for wrong job %s", msg.ID)})
			}
			ready = true
			h.OnReady()

		case TypeLog:
			if !ready {
				return trace.Wrap(&ProtocolViolationError{JobID: jobID, Reason: "log received before ready"})
			}
			var msg Log
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				return trace.Wrap(err)
			}
			if msg.ID != jobID {
				log.WithField("job_id", jobID).WithField("got_id", msg.ID).Error("dropping log frame for mismatched job id")
				continue
			}
			h.OnLog(msg)

		case TypeComplete:
			if !ready {
				return trace.Wrap(&ProtocolViolationError{JobID: jobID, Reason: "complete received before ready"})
			}
			var msg Complete
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				return trace.Wrap(err)
			}
			if msg.ID != jobID {
				log.WithField("job_id", jobID).WithField("got_id", msg.ID).Error("dropping complete frame for mismatched job id")
				continue
			}
			h.OnComplete(msg)
			return nil

		default:
			return trace.Wrap(&ProtocolViolationError{JobID: jobID, Reason: fmt.Sprintf("unexpected message type %q", env.Type)})
		}
	}
}
