package runnerhub

import (
	"encoding/json"
	"io"
)

// protocolSchema documents the wire message shapes for the
// `controlplane generate-client` command (spec §6: runners and tooling in
// other languages need this to implement the protocol without reading Go
// source).
type protocolSchema struct {
	ServerToClient map[MessageType]interface{} `json:"server_to_client"`
	ClientToServer map[MessageType]interface{} `json:"client_to_server"`
}

// PrintProtocolSchema writes a JSON document describing every message type
// and an example payload shape to w.
func PrintProtocolSchema(w io.Writer) error {
	schema := protocolSchema{
		ServerToClient: map[MessageType]interface{}{
			TypeNewJobAvailable: NewJobAvailable{},
			TypeJobClaimed:      JobClaimed{},
			TypeJobTimedOut:     JobTimedOut{},
			TypeJobCancelled:    JobCancelled{},
		},
		ClientToServer: map[MessageType]interface{}{
			TypeClaimJob:        ClaimJob{},
			TypeUpdateJobStatus: UpdateJobStatus{},
			TypeRequestJob:      RequestJob{},
			TypeReportMetrics:   ReportMetrics{},
		},
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(schema)
}
