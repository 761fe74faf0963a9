// Package runnerhub implements the control-plane side of the runner wire
// protocol (spec §4.2, §6): the in-memory connection map keyed by runner
// id, platform-filtered broadcast, and the message schemas shared with the
// runner agent.
package runnerhub

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nixci/runner/internal/job"
)

// MessageType tags the JSON envelope so both sides can dispatch without a
// second decode pass.
type MessageType string

const (
	// Server -> client
	TypeNewJobAvailable MessageType = "NewJobAvailable"
	TypeJobClaimed      MessageType = "JobClaimed"
	TypeJobTimedOut     MessageType = "JobTimedOut"
	TypeJobCancelled    MessageType = "JobCancelled"

	// Client -> server
	TypeClaimJob       MessageType = "ClaimJob"
	TypeUpdateJobStatus MessageType = "UpdateJobStatus"
	TypeRequestJob     MessageType = "RequestJob"
	TypeReportMetrics  MessageType = "ReportMetrics"
)

// Envelope is the wire frame: a discriminant plus a raw payload, decoded in
// two passes (type first, payload second) so unknown fields never break
// dispatch.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a typed payload into an Envelope ready for json.Marshal.
func Encode(t MessageType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// NewJobAvailable is sent server -> client on creation or on a matching
// RequestJob.
type NewJobAvailable struct {
	ID uuid.UUID `json:"id"`
	VM job.VM    `json:"vm"`
}

// JobClaimed acknowledges a ClaimJob and hands the agent everything it
// needs to run the job: the URL to stream logs to, plus the repo/revision
// the guest driver clones (denormalized onto the Job row at dispatch time,
// spec §4.7's JobConfig fields).
type JobClaimed struct {
	ID         uuid.UUID `json:"id"`
	VM         job.VM    `json:"vm"`
	LogURL     string    `json:"log_url"`
	Repo       string    `json:"repo"`
	Revision   string    `json:"revision"`
	CachixPush string    `json:"cachix_push,omitempty"`
}

// JobTimedOut notifies a connected runner that the sweeper has given up on
// a job; the runner asks its VM to shut down gracefully.
type JobTimedOut struct {
	ID uuid.UUID `json:"id"`
}

// JobCancelled notifies a connected runner that a user cancelled its job.
type JobCancelled struct {
	ID uuid.UUID `json:"id"`
}

// ClaimJob is the runner's bid for a job it has resources for.
type ClaimJob struct {
	ID uuid.UUID `json:"id"`
	VM job.VM    `json:"vm"`
}

// UpdateJobStatus reports a terminal status for a job the runner owned.
type UpdateJobStatus struct {
	ID     uuid.UUID           `json:"id"`
	Status job.CompletionStatus `json:"status"`
}

// RequestJob asks the dispatcher for the oldest queued job matching the
// runner's platform, sent on connect and after every UpdateJobStatus.
type RequestJob struct{}

// ReportMetrics is the periodic (1s) snapshot a runner sends.
type ReportMetrics struct {
	Platform                job.Platform `json:"platform"`
	CPUCount                int          `json:"cpu_count"`
	MemorySizeMB            int          `json:"memory_size_mb"`
	UsedCPUCount            int          `json:"used_cpu_count"`
	UsedMemoryMB            int          `json:"used_memory_mb"`
	CPUUtilizationPercent   float64      `json:"cpu_utilization_percent"`
	MemoryUtilizationPercent float64     `json:"memory_utilization_percent"`
	ActiveJobs              int          `json:"active_jobs"`
	QueuedJobs              int          `json:"queued_jobs"`
	RunningJobs             int          `json:"running_jobs"`
	MaxInstances            *int         `json:"max_instances,omitempty"`
}
