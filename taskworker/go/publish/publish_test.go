package publish

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/exec"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/taskworker/go/gitutil"
)

// fakeGit answers git invocations with canned stdout.
type fakeGit struct {
	commands []string
	stdout   map[string]string
}

func (f *fakeGit) run(_ context.Context, cmd *exec.Command) error {
	key := strings.Join(cmd.Args, " ")
	f.commands = append(f.commands, key)
	if out, ok := f.stdout[key]; ok && cmd.Stdout != nil {
		_, _ = cmd.Stdout.Write([]byte(out))
	}
	return nil
}

// fakePRs records the single PR it was asked to create.
type fakePRs struct {
	owner, repo, title, body, head, base string
	calls                                int
}

func (f *fakePRs) Create(_ context.Context, owner, repo, title, body, head, base string) (int, string, error) {
	f.calls++
	f.owner, f.repo, f.title, f.body, f.head, f.base = owner, repo, title, body, head, base
	return 42, "https://github.com/" + owner + "/" + repo + "/pull/42", nil
}

func taskJob(mode types.PublishMode) *types.Job {
	return &types.Job{
		Id: "4f9d2c1e-0000-0000-0000-000000000000",
		TaskPayload: &types.TaskPayload{
			Repository: "octo/widgets",
			Task: types.TaskSpec{
				Instructions: "remove the deprecated settings page\nand its routes",
				Runtime:      types.RuntimeSpec{Mode: "codex"},
				Publish: types.PublishSpec{
					Mode:    mode,
					PRTitle: "Remove deprecated settings page",
				},
			},
		},
	}
}

func gitFixture(changed bool) *fakeGit {
	status := ""
	if changed {
		status = " M settings.go\n"
	}
	return &fakeGit{
		stdout: map[string]string{
			"status --porcelain":          status,
			"rev-parse --abbrev-ref HEAD": "main\n",
			"rev-parse HEAD":              "abc123\n",
		},
	}
}

func TestDeriveBranch(t *testing.T) {
	require.Equal(t, "moonmind/4f9d2c1e", DeriveBranch("4f9d2c1e-0000-0000-0000-000000000000"))
	require.Equal(t, "moonmind/ab", DeriveBranch("ab"))
}

func TestPublish_ModeNone(t *testing.T) {
	git := &fakeGit{}
	ctx := exec.NewContext(context.Background(), git.run)
	co := gitutil.NewCheckout("/work/repo")

	rv, err := New(nil).Publish(ctx, co, taskJob(types.PublishModeNone))
	require.NoError(t, err)
	require.False(t, rv.Published)
	require.Equal(t, "publish mode is none", rv.Reason)
	require.Empty(t, git.commands)
}

func TestPublish_NoChanges(t *testing.T) {
	git := gitFixture(false)
	ctx := exec.NewContext(context.Background(), git.run)
	co := gitutil.NewCheckout("/work/repo")

	rv, err := New(nil).Publish(ctx, co, taskJob(types.PublishModeBranch))
	require.NoError(t, err)
	require.False(t, rv.Published)
	require.Equal(t, "workspace has no changes", rv.Reason)
}

func TestPublish_Branch(t *testing.T) {
	git := gitFixture(true)
	ctx := exec.NewContext(context.Background(), git.run)
	co := gitutil.NewCheckout("/work/repo")

	rv, err := New(nil).Publish(ctx, co, taskJob(types.PublishModeBranch))
	require.NoError(t, err)
	require.True(t, rv.Published)
	require.Equal(t, "moonmind/4f9d2c1e", rv.Branch)
	require.Equal(t, "abc123", rv.CommitHash)
	require.Contains(t, git.commands, "checkout --quiet -b moonmind/4f9d2c1e")
	require.Contains(t, git.commands, "push --quiet origin moonmind/4f9d2c1e")

	// The commit message leads with the first instruction line.
	found := false
	for _, cmd := range git.commands {
		if strings.HasPrefix(cmd, "commit --quiet -m remove the deprecated settings page") {
			found = true
		}
	}
	require.True(t, found, "commit message should lead with the first instruction line")
}

func TestPublish_NewBranchEqualsStartingBranch(t *testing.T) {
	git := gitFixture(true)
	ctx := exec.NewContext(context.Background(), git.run)
	co := gitutil.NewCheckout("/work/repo")

	// Asking to publish onto the branch the run started from falls back on a
	// derived branch rather than committing to it directly.
	job := taskJob(types.PublishModeBranch)
	job.TaskPayload.Task.Git.NewBranch = "main"
	rv, err := New(nil).Publish(ctx, co, job)
	require.NoError(t, err)
	require.True(t, rv.Published)
	require.Equal(t, "moonmind/4f9d2c1e", rv.Branch)
	require.Contains(t, git.commands, "checkout --quiet -b moonmind/4f9d2c1e")
	require.Contains(t, git.commands, "push --quiet origin moonmind/4f9d2c1e")
	require.NotContains(t, git.commands, "push --quiet origin main")
}

func TestPublish_PR(t *testing.T) {
	git := gitFixture(true)
	ctx := exec.NewContext(context.Background(), git.run)
	co := gitutil.NewCheckout("/work/repo")
	prs := &fakePRs{}

	job := taskJob(types.PublishModePR)
	rv, err := New(prs).Publish(ctx, co, job)
	require.NoError(t, err)
	require.True(t, rv.Published)
	require.Equal(t, 42, rv.PRNumber)
	require.Equal(t, "https://github.com/octo/widgets/pull/42", rv.PRURL)
	require.Equal(t, 1, prs.calls)
	require.Equal(t, "octo", prs.owner)
	require.Equal(t, "widgets", prs.repo)
	require.Equal(t, "Remove deprecated settings page", prs.title)
	require.Equal(t, "moonmind/4f9d2c1e", prs.head)
	// With no explicit base, the PR targets the branch the run started on.
	require.Equal(t, "main", prs.base)
}

func TestPublish_PRBaseOverride(t *testing.T) {
	git := gitFixture(true)
	ctx := exec.NewContext(context.Background(), git.run)
	co := gitutil.NewCheckout("/work/repo")
	prs := &fakePRs{}

	job := taskJob(types.PublishModePR)
	job.TaskPayload.Task.Publish.PRBaseBranch = "release-1.2"
	job.TaskPayload.Task.Git.NewBranch = "feature/settings-removal"
	_, err := New(prs).Publish(ctx, co, job)
	require.NoError(t, err)
	require.Equal(t, "release-1.2", prs.base)
	require.Equal(t, "feature/settings-removal", prs.head)
}

func TestPublish_PRWithoutCredentials(t *testing.T) {
	git := gitFixture(true)
	ctx := exec.NewContext(context.Background(), git.run)
	co := gitutil.NewCheckout("/work/repo")

	_, err := New(nil).Publish(ctx, co, taskJob(types.PublishModePR))
	require.Error(t, err)
	require.Equal(t, types.ErrorKindCapability, types.KindOf(err))
}
