package gitutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/go/exec"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

func TestNormalizeRepoURL(t *testing.T) {
	require.Equal(t, "https://github.com/octo/widgets.git", NormalizeRepoURL("octo/widgets"))
	require.Equal(t, "https://example.com/x.git", NormalizeRepoURL("https://example.com/x.git"))
	require.Equal(t, "git@github.com:octo/widgets.git", NormalizeRepoURL("git@github.com:octo/widgets.git"))
	require.Equal(t, "ssh://git@github.com/octo/widgets", NormalizeRepoURL("ssh://git@github.com/octo/widgets"))
}

func TestOwnerRepo(t *testing.T) {
	for _, repo := range []string{
		"octo/widgets",
		"https://github.com/octo/widgets.git",
		"ssh://git@github.com/octo/widgets",
		"git@github.com:octo/widgets.git",
	} {
		owner, name, err := OwnerRepo(repo)
		require.NoError(t, err, repo)
		require.Equal(t, "octo", owner)
		require.Equal(t, "widgets", name)
	}
	_, _, err := OwnerRepo("just-a-name")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))
}

// fakeGit intercepts git invocations and replies with canned stdout keyed by
// the joined argument list.
type fakeGit struct {
	commands []string
	stdout   map[string]string
	fail     map[string]error
}

func (f *fakeGit) run(_ context.Context, cmd *exec.Command) error {
	key := strings.Join(cmd.Args, " ")
	f.commands = append(f.commands, cmd.Name+" "+key)
	if err := f.fail[key]; err != nil {
		return err
	}
	if out, ok := f.stdout[key]; ok && cmd.Stdout != nil {
		_, _ = cmd.Stdout.Write([]byte(out))
	}
	return nil
}

func TestClone(t *testing.T) {
	git := &fakeGit{}
	ctx := exec.NewContext(context.Background(), git.run)

	co, err := Clone(ctx, "https://github.com/octo/widgets.git", "/work/repo", "")
	require.NoError(t, err)
	require.Equal(t, "/work/repo", co.Dir())
	require.Equal(t, []string{"git clone --quiet https://github.com/octo/widgets.git /work/repo"}, git.commands)

	git.commands = nil
	_, err = Clone(ctx, "https://github.com/octo/widgets.git", "/work/repo", "release-1.2")
	require.NoError(t, err)
	require.Equal(t, []string{"git clone --quiet --branch release-1.2 https://github.com/octo/widgets.git /work/repo"}, git.commands)

	git.fail = map[string]error{
		"clone --quiet https://github.com/octo/widgets.git /work/repo": fmt.Errorf("exit status 128"),
	}
	_, err = Clone(ctx, "https://github.com/octo/widgets.git", "/work/repo", "")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindTransient, types.KindOf(err))
}

func TestCheckout(t *testing.T) {
	git := &fakeGit{
		stdout: map[string]string{
			"rev-parse --abbrev-ref HEAD": "main\n",
			"status --porcelain":          " M file.go\n",
			"rev-parse HEAD":              "abc123\n",
		},
	}
	ctx := exec.NewContext(context.Background(), git.run)
	co := &Checkout{dir: "/work/repo"}

	branch, err := co.CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, "main", branch)

	changed, err := co.HasChanges(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	git.stdout["status --porcelain"] = "\n"
	changed, err = co.HasChanges(ctx)
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, co.CreateBranch(ctx, "moonmind/abc"))

	hash, err := co.CommitAll(ctx, "tidy up")
	require.NoError(t, err)
	require.Equal(t, "abc123", hash)
	require.Contains(t, git.commands, "git add --all")
	require.Contains(t, git.commands, "git commit --quiet -m tidy up")

	require.NoError(t, co.Push(ctx, "moonmind/abc"))
	require.Contains(t, git.commands, "git push --quiet origin moonmind/abc")

	// Push failures are transient so the stage retries them.
	git.fail = map[string]error{"push --quiet origin moonmind/abc": fmt.Errorf("remote hung up")}
	err = co.Push(ctx, "moonmind/abc")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindTransient, types.KindOf(err))
}
