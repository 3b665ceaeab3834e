// Package proposals implements the follow-up queue: worker-generated
// suggestions which are deduplicated, reviewed, and promoted into jobs.
package proposals

import (
	"context"
	"time"

	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/queue"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// Store mediates proposal lifecycle operations.
type Store struct {
	db    db.ProposalDB
	queue *queue.Queue
}

// New returns a Store over the given proposal store and job queue.
func New(d db.ProposalDB, q *queue.Queue) *Store {
	return &Store{db: d, queue: q}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Origin            types.ProposalOrigin    `json:"origin"`
	Repository        string                  `json:"repository"`
	Category          string                  `json:"category,omitempty"`
	Tags              []string                `json:"tags,omitempty"`
	ReviewPriority    types.ReviewPriority    `json:"reviewPriority,omitempty"`
	TaskPreview       string                  `json:"taskPreview,omitempty"`
	TaskCreateRequest *types.SubmitJobRequest `json:"taskCreateRequest"`
	DedupHash         string                  `json:"dedupHash,omitempty"`
}

// Create stores a new proposal. A request whose dedupHash matches an open
// proposal for the same repository is an idempotent no-op returning the
// existing proposal.
func (s *Store) Create(ctx context.Context, req *CreateRequest) (*types.Proposal, error) {
	if err := types.ValidateRepository(req.Repository); err != nil {
		return nil, err
	}
	if req.TaskCreateRequest == nil {
		return nil, types.KindErrorf(types.ErrorKindValidation, "taskCreateRequest is required")
	}
	dedup := req.DedupHash
	if dedup == "" {
		dedup = types.ComputeDedupHash(req.Repository, req.Category, req.TaskPreview, req.Tags)
	}
	existing, err := s.db.GetOpenProposalByDedup(ctx, req.Repository, dedup)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if existing != nil {
		return existing, nil
	}
	priority := req.ReviewPriority
	if priority == "" {
		priority = types.ReviewPriorityNormal
	}
	p := &types.Proposal{
		Status:            types.ProposalStatusOpen,
		Repository:        req.Repository,
		Category:          req.Category,
		Tags:              util.SSliceDedup(req.Tags),
		ReviewPriority:    priority,
		DedupHash:         dedup,
		Origin:            req.Origin,
		TaskPreview:       req.TaskPreview,
		TaskCreateRequest: req.TaskCreateRequest.Copy(),
		Created:           now.Now(ctx),
	}
	if err := s.db.PutProposal(ctx, p); err != nil {
		return nil, skerr.Wrap(err)
	}
	return p, nil
}

// PromoteOverrides optionally adjust the stored submission at promotion.
type PromoteOverrides struct {
	Priority    *int   `json:"priority,omitempty"`
	MaxAttempts *int   `json:"maxAttempts,omitempty"`
	QueueName   string `json:"queueName,omitempty"`
}

// Promote submits the proposal's stored job request and transitions the
// proposal to promoted. The two writes are applied proposal-last so that a
// crash leaves an open proposal and a submitted job, never a promoted
// proposal with no job.
func (s *Store) Promote(ctx context.Context, id string, overrides *PromoteOverrides) (*types.Proposal, *types.Job, error) {
	p, err := s.db.GetProposalById(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.Status.Terminal() {
		return nil, nil, types.KindErrorf(types.ErrorKindConflict, "proposal %s is already %s", id, p.Status)
	}
	req := p.TaskCreateRequest.Copy()
	if overrides != nil {
		if overrides.Priority != nil {
			req.Priority = *overrides.Priority
		}
		if overrides.MaxAttempts != nil {
			req.MaxAttempts = *overrides.MaxAttempts
		}
		if overrides.QueueName != "" {
			req.QueueName = overrides.QueueName
		}
	}
	job, err := s.queue.SubmitJob(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	p.Status = types.ProposalStatusPromoted
	if p.Origin.Metadata == nil {
		p.Origin.Metadata = map[string]string{}
	}
	p.Origin.Metadata["promotedJobId"] = job.Id
	if err := s.db.UpdateProposal(ctx, p); err != nil {
		return nil, nil, skerr.Wrapf(err, "job %s submitted but proposal %s not marked promoted", job.Id, id)
	}
	return p, job, nil
}

// Dismiss closes the proposal without action.
func (s *Store) Dismiss(ctx context.Context, id, note string) (*types.Proposal, error) {
	return s.transition(ctx, id, func(p *types.Proposal) error {
		p.Status = types.ProposalStatusDismissed
		p.Note = note
		return nil
	})
}

// UpdatePriority changes the review priority of an open proposal.
func (s *Store) UpdatePriority(ctx context.Context, id string, priority types.ReviewPriority) (*types.Proposal, error) {
	valid := false
	for _, p := range types.ValidReviewPriorities {
		if p == priority {
			valid = true
			break
		}
	}
	if !valid {
		return nil, types.KindErrorf(types.ErrorKindValidation, "unknown review priority %q", priority)
	}
	return s.transition(ctx, id, func(p *types.Proposal) error {
		p.ReviewPriority = priority
		return nil
	})
}

// Snooze hides the proposal until the given time.
func (s *Store) Snooze(ctx context.Context, id string, until time.Time, note string) (*types.Proposal, error) {
	if until.IsZero() || !until.After(now.Now(ctx)) {
		return nil, types.KindErrorf(types.ErrorKindValidation, "snooze time must be in the future")
	}
	return s.transition(ctx, id, func(p *types.Proposal) error {
		p.Status = types.ProposalStatusSnoozed
		p.SnoozedUntil = until
		p.Note = note
		return nil
	})
}

// Unsnooze reopens a snoozed proposal.
func (s *Store) Unsnooze(ctx context.Context, id string) (*types.Proposal, error) {
	return s.transition(ctx, id, func(p *types.Proposal) error {
		if p.Status != types.ProposalStatusSnoozed {
			return types.KindErrorf(types.ErrorKindConflict, "proposal %s is not snoozed", id)
		}
		p.Status = types.ProposalStatusOpen
		p.SnoozedUntil = time.Time{}
		return nil
	})
}

// Get returns the proposal with the given id.
func (s *Store) Get(ctx context.Context, id string) (*types.Proposal, error) {
	return s.db.GetProposalById(ctx, id)
}

// Search lists proposals matching the filters.
func (s *Store) Search(ctx context.Context, params *db.ProposalSearchParams) ([]*types.Proposal, error) {
	return s.db.SearchProposals(ctx, params)
}

func (s *Store) transition(ctx context.Context, id string, f func(*types.Proposal) error) (*types.Proposal, error) {
	p, err := s.db.GetProposalById(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, types.KindErrorf(types.ErrorKindConflict, "proposal %s is already %s", id, p.Status)
	}
	if err := f(p); err != nil {
		return nil, err
	}
	if err := s.db.UpdateProposal(ctx, p); err != nil {
		return nil, skerr.Wrap(err)
	}
	return p, nil
}
