// Package gitutil wraps the git CLI for task-run checkouts. All commands run
// through the exec package so tests can intercept them.
package gitutil

import (
	"bytes"
	"context"
	"strings"

	"go.moonmind.dev/infra/go/exec"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// NormalizeRepoURL expands "owner/repo" shorthand to an https clone URL and
// passes full URLs through.
func NormalizeRepoURL(repo string) string {
	if strings.HasPrefix(repo, "https://") || strings.HasPrefix(repo, "ssh://") || strings.HasPrefix(repo, "git@") {
		return repo
	}
	return "https://github.com/" + repo + ".git"
}

// OwnerRepo extracts the owner and repo name from shorthand or a GitHub URL.
func OwnerRepo(repo string) (string, string, error) {
	s := repo
	s = strings.TrimPrefix(s, "https://github.com/")
	s = strings.TrimPrefix(s, "ssh://git@github.com/")
	s = strings.TrimPrefix(s, "git@github.com:")
	s = strings.TrimSuffix(s, ".git")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", types.KindErrorf(types.ErrorKindValidation, "cannot determine owner/repo from %q", repo)
	}
	return parts[0], parts[1], nil
}

// Checkout is a local clone of a task's repository.
type Checkout struct {
	dir string
}

// NewCheckout returns a Checkout for an existing clone at dir.
func NewCheckout(dir string) *Checkout {
	return &Checkout{dir: dir}
}

// Clone clones repoURL into dest. If branch is non-empty the clone starts
// there, otherwise on the remote default branch.
func Clone(ctx context.Context, repoURL, dest, branch string) (*Checkout, error) {
	args := []string{"clone", "--quiet", repoURL, dest}
	if branch != "" {
		args = []string{"clone", "--quiet", "--branch", branch, repoURL, dest}
	}
	if err := exec.Run(ctx, &exec.Command{Name: "git", Args: args}); err != nil {
		return nil, types.NewKindError(types.ErrorKindTransient, skerr.Wrapf(err, "failed to clone %s", repoURL))
	}
	return &Checkout{dir: dest}, nil
}

// Dir returns the checkout's working directory.
func (c *Checkout) Dir() string {
	return c.dir
}

func (c *Checkout) git(ctx context.Context, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := &exec.Command{
		Name:   "git",
		Args:   args,
		Dir:    c.dir,
		Stdout: &buf,
		Stderr: &buf,
	}
	if err := exec.Run(ctx, cmd); err != nil {
		return buf.String(), types.NewKindError(types.ErrorKindTool, skerr.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(buf.String())))
	}
	return buf.String(), nil
}

// CreateBranch creates and checks out a new branch at HEAD.
func (c *Checkout) CreateBranch(ctx context.Context, name string) error {
	_, err := c.git(ctx, "checkout", "--quiet", "-b", name)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (c *Checkout) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges returns true if the working tree differs from HEAD, including
// untracked files.
func (c *Checkout) HasChanges(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given message, returning
// the new commit hash.
func (c *Checkout) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := c.git(ctx, "add", "--all"); err != nil {
		return "", err
	}
	if _, err := c.git(ctx, "commit", "--quiet", "-m", message); err != nil {
		return "", err
	}
	out, err := c.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push pushes the given branch to origin.
func (c *Checkout) Push(ctx context.Context, branch string) error {
	_, err := c.git(ctx, "push", "--quiet", "origin", branch)
	if err != nil {
		return types.NewKindError(types.ErrorKindTransient, err)
	}
	return nil
}
