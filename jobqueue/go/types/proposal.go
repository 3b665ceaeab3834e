package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"go.moonmind.dev/infra/go/util"
)

// ProposalStatus is the lifecycle state of a Proposal.
type ProposalStatus string

const (
	ProposalStatusOpen      ProposalStatus = "open"
	ProposalStatusPromoted  ProposalStatus = "promoted"
	ProposalStatusDismissed ProposalStatus = "dismissed"
	ProposalStatusAccepted  ProposalStatus = "accepted"
	ProposalStatusRejected  ProposalStatus = "rejected"
	ProposalStatusSnoozed   ProposalStatus = "snoozed"
)

// Terminal returns true if the proposal can no longer change state.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalStatusPromoted || s == ProposalStatusDismissed ||
		s == ProposalStatusAccepted || s == ProposalStatusRejected
}

// ReviewPriority orders proposals for human review.
type ReviewPriority string

const (
	ReviewPriorityLow    ReviewPriority = "low"
	ReviewPriorityNormal ReviewPriority = "normal"
	ReviewPriorityHigh   ReviewPriority = "high"
	ReviewPriorityUrgent ReviewPriority = "urgent"
)

// ValidReviewPriorities lists all legal review priorities.
var ValidReviewPriorities = []ReviewPriority{
	ReviewPriorityLow, ReviewPriorityNormal, ReviewPriorityHigh, ReviewPriorityUrgent,
}

// ProposalOrigin records where a proposal came from (typically the job which
// generated it). Cross-links are ids, never owning pointers.
type ProposalOrigin struct {
	Source   string            `json:"source"`
	Id       string            `json:"id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Proposal is a worker-generated follow-up suggestion which may be promoted
// into a Job.
//
// Invariant: at most one non-terminal proposal exists per (Repository,
// DedupHash).
type Proposal struct {
	Id             string         `json:"id"`
	Status         ProposalStatus `json:"status"`
	Repository     string         `json:"repository"`
	Category       string         `json:"category,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	ReviewPriority ReviewPriority `json:"reviewPriority"`

	// DedupHash is a sha256 over the canonicalized content-defining
	// fields, used to suppress duplicates.
	DedupHash string `json:"dedupHash"`

	SnoozedUntil time.Time      `json:"snoozedUntil,omitempty"`
	Origin       ProposalOrigin `json:"origin"`

	// TaskPreview is a human-readable summary of the proposed work.
	TaskPreview string `json:"taskPreview,omitempty"`

	// TaskCreateRequest is a fully formed job submission, used verbatim on
	// promotion (modulo overrides).
	TaskCreateRequest *SubmitJobRequest `json:"taskCreateRequest"`

	// Note holds the most recent operator note (dismiss/snooze).
	Note string `json:"note,omitempty"`

	Created    time.Time `json:"createdAt"`
	DbModified time.Time `json:"dbModified,omitempty"`
}

// Copy returns a deep copy of the Proposal.
func (p *Proposal) Copy() *Proposal {
	rv := new(Proposal)
	*rv = *p
	rv.Tags = util.CopyStringSlice(p.Tags)
	rv.Origin.Metadata = util.CopyStringMap(p.Origin.Metadata)
	if p.TaskCreateRequest != nil {
		rv.TaskCreateRequest = p.TaskCreateRequest.Copy()
	}
	return rv
}

// ComputeDedupHash returns the canonical sha256 over the content-defining
// fields of a proposal: repository, category, sorted tags, and the task
// preview.
func ComputeDedupHash(repository, category, taskPreview string, tags []string) string {
	sorted := util.CopyStringSlice(tags)
	sort.Strings(sorted)
	h := sha256.New()
	for _, part := range []string{repository, category, taskPreview, strings.Join(sorted, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
