// Package publish pushes a finished task's workspace back to the forge,
// either as a branch or as a pull request.
package publish

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v29/github"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/sklog"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/taskworker/go/gitutil"
	"golang.org/x/oauth2"
)

// branchPrefix is prepended to auto-derived publish branch names.
const branchPrefix = "moonmind/"

// Result is the outcome of the publish stage, stored as the
// publish_result.json artifact.
type Result struct {
	Mode       types.PublishMode `json:"mode"`
	Published  bool              `json:"published"`
	Reason     string            `json:"reason,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	CommitHash string            `json:"commitHash,omitempty"`
	PRNumber   int               `json:"prNumber,omitempty"`
	PRURL      string            `json:"prUrl,omitempty"`
}

// PullRequester creates pull requests. Implemented by gitHubPRs; faked in
// tests.
type PullRequester interface {
	Create(ctx context.Context, owner, repo, title, body, head, base string) (number int, url string, err error)
}

// Publisher runs the publish stage for task jobs.
type Publisher struct {
	prs PullRequester
}

// New returns a Publisher creating PRs through the given PullRequester. A
// nil PullRequester disables PR mode.
func New(prs PullRequester) *Publisher {
	return &Publisher{prs: prs}
}

// NewGitHub returns a Publisher backed by the GitHub API with the given
// token.
func NewGitHub(ctx context.Context, token string) *Publisher {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return New(&gitHubPRs{client: github.NewClient(oauth2.NewClient(ctx, ts))})
}

// DeriveBranch returns the publish branch name for a job which did not
// specify one.
func DeriveBranch(jobId string) string {
	short := strings.ReplaceAll(jobId, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return branchPrefix + short
}

// Publish commits and pushes the checkout per the job's publish spec.
// Returns a Result in all non-error cases, including "nothing to publish".
func (p *Publisher) Publish(ctx context.Context, co *gitutil.Checkout, job *types.Job) (*Result, error) {
	spec := job.TaskPayload.Task.Publish
	rv := &Result{Mode: spec.Mode}
	if spec.Mode == types.PublishModeNone {
		rv.Reason = "publish mode is none"
		return rv, nil
	}
	changed, err := co.HasChanges(ctx)
	if err != nil {
		return nil, err
	}
	if !changed {
		rv.Reason = "workspace has no changes"
		return rv, nil
	}

	startingBranch, err := co.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	// Never commit onto the branch we started from. A missing new_branch, or
	// one equal to the starting branch, gets a derived name instead.
	branch := job.TaskPayload.Task.Git.NewBranch
	if branch == "" || branch == startingBranch {
		branch = DeriveBranch(job.Id)
	}
	if err := co.CreateBranch(ctx, branch); err != nil {
		return nil, err
	}
	message := spec.CommitMessage
	if message == "" {
		message = defaultCommitMessage(job)
	}
	hash, err := co.CommitAll(ctx, message)
	if err != nil {
		return nil, err
	}
	if err := co.Push(ctx, branch); err != nil {
		return nil, err
	}
	rv.Published = true
	rv.Branch = branch
	rv.CommitHash = hash

	if spec.Mode != types.PublishModePR {
		return rv, nil
	}
	if p.prs == nil {
		return nil, types.KindErrorf(types.ErrorKindCapability, "this worker has no forge credentials for PR publishing")
	}
	owner, repo, err := gitutil.OwnerRepo(job.TaskPayload.Repository)
	if err != nil {
		return nil, err
	}
	base := spec.PRBaseBranch
	if base == "" {
		base = startingBranch
	}
	number, url, err := p.prs.Create(ctx, owner, repo, spec.PRTitle, spec.PRBody, branch, base)
	if err != nil {
		return nil, err
	}
	rv.PRNumber = number
	rv.PRURL = url
	sklog.Infof("Opened PR #%d for job %s: %s", number, job.Id, url)
	return rv, nil
}

func defaultCommitMessage(job *types.Job) string {
	instructions := job.TaskPayload.Task.Instructions
	if instructions == "" && len(job.TaskPayload.Task.Steps) > 0 {
		instructions = job.TaskPayload.Task.Steps[0].Instructions
	}
	if i := strings.IndexByte(instructions, '\n'); i > 0 {
		instructions = instructions[:i]
	}
	if len(instructions) > 72 {
		instructions = instructions[:72]
	}
	return fmt.Sprintf("%s\n\nTask: %s", strings.TrimSpace(instructions), job.Id)
}

// gitHubPRs creates pull requests via the GitHub API.
type gitHubPRs struct {
	client *github.Client
}

func (g *gitHubPRs) Create(ctx context.Context, owner, repo, title, body, head, base string) (int, string, error) {
	pr, resp, err := g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(head),
		Base:  github.String(base),
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return 0, "", types.NewKindError(types.ErrorKindAuth, skerr.Wrapf(err, "forge rejected PR creation"))
		}
		return 0, "", types.NewKindError(types.ErrorKindTransient, skerr.Wrapf(err, "failed to create PR"))
	}
	return pr.GetNumber(), pr.GetHTMLURL(), nil
}
