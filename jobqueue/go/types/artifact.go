package types

import (
	"fmt"
	"time"
)

// Artifact is the index record for one write-once blob attached to a job.
//
// Invariants: (JobId, Name) is unique; artifacts are never rewritten.
type Artifact struct {
	Id    string `json:"id"`
	JobId string `json:"jobId"`

	// Name is a stable path-like key, eg. "logs/execute.log".
	Name string `json:"name"`

	SizeBytes   int64     `json:"sizeBytes"`
	ContentType string    `json:"contentType"`
	Created     time.Time `json:"createdAt"`

	// StorageRef locates the blob in the artifact store.
	StorageRef string `json:"storageRef"`
}

// Copy returns a copy of the Artifact.
func (a *Artifact) Copy() *Artifact {
	rv := new(Artifact)
	*rv = *a
	return rv
}

// Well-known artifact names written by the worker.
const (
	ArtifactPrepareLog    = "logs/prepare.log"
	ArtifactExecuteLog    = "logs/execute.log"
	ArtifactPublishLog    = "logs/publish.log"
	ArtifactPublishResult = "publish_result.json"

	ArtifactManifestInput    = "manifest/input.yaml"
	ArtifactManifestResolved = "manifest/resolved.yaml"
	ArtifactReportPlan       = "reports/plan.json"
	ArtifactReportRunSummary = "reports/run_summary.json"
	ArtifactReportCheckpoint = "reports/checkpoint.json"
	ArtifactReportErrors     = "reports/errors.json"
)

// StepLogArtifact returns the artifact name for the log of the given
// zero-based execute step, eg. "logs/steps/step-0001.log" for step 0.
func StepLogArtifact(step int) string {
	return fmt.Sprintf("logs/steps/step-%04d.log", step+1)
}
