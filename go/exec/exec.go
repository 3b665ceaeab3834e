// Package exec is a wrapper around the os/exec package that supports
// timeouts, output capture, and testing via an injectable Run function.
//
// Simple command with argument:
//
//	err := exec.Run(ctx, &exec.Command{
//		Name: "touch",
//		Args: []string{file},
//	})
//
// Inject a Run function for testing:
//
//	ctx := exec.NewContext(ctx, func(ctx context.Context, cmd *exec.Command) error {
//		actual = cmd
//		return nil
//	})
package exec

import (
	"bytes"
	"context"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/sklog"
)

// Command describes an external process to run.
type Command struct {
	// Name of the command, as passed to osexec.Command. Can be the path to
	// a binary or the name of a command found via PATH.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the process. If nil, the current process's
	// environment is used.
	Env []string
	// If true and Env is non-nil, adds the current process's PATH to Env.
	InheritPath bool
	// The working directory of the command. If empty, runs in the current
	// process's current directory.
	Dir string
	// See docs for osexec.Cmd.Stdin.
	Stdin io.Reader
	// Sends the stdout of the command to this Writer, e.g. os.File or
	// bytes.Buffer. May be nil.
	Stdout io.Writer
	// Sends the stderr of the command to this Writer. May be nil.
	Stderr io.Writer
	// Time limit for the command to finish. No limit if zero.
	Timeout time.Duration
}

func (c *Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// RunFn is the type of the function which actually executes a Command.
type RunFn func(ctx context.Context, cmd *Command) error

type contextKeyType string

const contextKey contextKeyType = "runFn"

// NewContext returns a context which overrides the Run implementation, for
// testing code which shells out.
func NewContext(ctx context.Context, runFn RunFn) context.Context {
	return context.WithValue(ctx, contextKey, runFn)
}

func getRunFn(ctx context.Context) RunFn {
	if f := ctx.Value(contextKey); f != nil {
		return f.(RunFn)
	}
	return DefaultRun
}

// DefaultRun executes the command using os/exec.
func DefaultRun(ctx context.Context, cmd *Command) error {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	c := osexec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	if cmd.Env != nil {
		c.Env = cmd.Env
		if cmd.InheritPath {
			c.Env = append(c.Env, "PATH="+os.Getenv("PATH"))
		}
	}
	if err := c.Run(); err != nil {
		return skerr.Wrapf(err, "running %q", cmd.String())
	}
	return nil
}

// Run executes the given command, respecting any Run override in the
// context.
func Run(ctx context.Context, cmd *Command) error {
	return getRunFn(ctx)(ctx, cmd)
}

// RunCwd runs the command in the given working directory and returns its
// combined output as a string.
func RunCwd(ctx context.Context, cwd string, name string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := &Command{
		Name:   name,
		Args:   args,
		Dir:    cwd,
		Stdout: &buf,
		Stderr: &buf,
	}
	err := Run(ctx, cmd)
	return buf.String(), err
}

// LookPath returns true if the named binary can be found via PATH.
func LookPath(name string) bool {
	_, err := osexec.LookPath(name)
	return err == nil
}

// WriteLog implements io.Writer and writes each chunk to the given log
// function.
type WriteLog struct {
	LogFunc func(format string, args ...interface{})
}

func (wl WriteLog) Write(p []byte) (int, error) {
	wl.LogFunc("%s", string(p))
	return len(p), nil
}

var (
	WriteInfoLog  = WriteLog{LogFunc: sklog.Infof}
	WriteErrorLog = WriteLog{LogFunc: sklog.Errorf}
)
