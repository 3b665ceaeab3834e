package types

import (
	"bytes"
	"encoding/json"

	"go.moonmind.dev/infra/go/util"
)

// SubmitJobRequest is the body of a job submission. The payload is decoded
// strictly according to Type; unknown fields are rejected.
type SubmitJobRequest struct {
	Type                 JobType         `json:"type"`
	Payload              json.RawMessage `json:"payload"`
	Priority             int             `json:"priority,omitempty"`
	MaxAttempts          int             `json:"maxAttempts,omitempty"`
	AffinityKey          string          `json:"affinityKey,omitempty"`
	QueueName            string          `json:"queueName,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
}

// Copy returns a deep copy of the request.
func (r *SubmitJobRequest) Copy() *SubmitJobRequest {
	rv := new(SubmitJobRequest)
	*rv = *r
	if r.Payload != nil {
		rv.Payload = append(json.RawMessage{}, r.Payload...)
	}
	rv.RequiredCapabilities = util.CopyStringSlice(r.RequiredCapabilities)
	return rv
}

// decodeStrict unmarshals JSON rejecting unknown fields.
func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return KindErrorf(ErrorKindValidation, "malformed payload: %s", err)
	}
	return nil
}

// DecodeTaskPayload strictly decodes and validates a task payload.
func DecodeTaskPayload(data []byte) (*TaskPayload, error) {
	var p TaskPayload
	if err := decodeStrict(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeManifestPayload strictly decodes and validates a manifest payload.
func DecodeManifestPayload(data []byte) (*ManifestPayload, error) {
	var p ManifestPayload
	if err := decodeStrict(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ClaimRequest is the body of a claim call from a worker.
type ClaimRequest struct {
	WorkerId            string    `json:"workerId"`
	Capabilities        []string  `json:"capabilities"`
	AllowedTypes        []JobType `json:"allowedTypes"`
	AllowedRepositories []string  `json:"allowedRepositories,omitempty"`
	LeaseTTLSeconds     int       `json:"leaseTtlSeconds,omitempty"`
}

// TerminalOutcome is the worker-reported final state of a claim.
type TerminalOutcome string

const (
	TerminalOutcomeSuccess   TerminalOutcome = "success"
	TerminalOutcomeFailure   TerminalOutcome = "failure"
	TerminalOutcomeCancelled TerminalOutcome = "cancelled"
)

// Status returns the job status corresponding to the outcome.
func (o TerminalOutcome) Status() (JobStatus, bool) {
	switch o {
	case TerminalOutcomeSuccess:
		return JobStatusSucceeded, true
	case TerminalOutcomeFailure:
		return JobStatusFailed, true
	case TerminalOutcomeCancelled:
		return JobStatusCancelled, true
	}
	return "", false
}
