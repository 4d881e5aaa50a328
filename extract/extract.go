// Package extract runs the archive extractor as a short-lived child
// process, following the self-reexec pattern moby's graphdrivers use for
// chrootarchive: rather than depending on a system "tar" binary, the
// engine's own binary re-executes itself with a registered entrypoint
// that reads a tar stream from stdin and extracts it into a directory.
package extract

import (
	"io"
	"os"
	"os/exec"

	archive "github.com/moby/go-archive"
	"github.com/moby/sys/reexec"
	"github.com/pkg/errors"
)

const entrypoint = "layerpull-untar"

func init() {
	reexec.Register(entrypoint, untarMain)
}

// untarMain is the reexec entrypoint: argv[1] is the destination
// directory, stdin is the tar stream.
func untarMain() {
	if len(os.Args) < 2 {
		os.Stderr.WriteString("layerpull-untar: missing destination argument\n")
		os.Exit(2)
	}
	if err := archive.Untar(os.Stdin, os.Args[1], nil); err != nil {
		os.Stderr.WriteString("layerpull-untar: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// Child is a running extractor process: write the archive to Stdin, then
// call Wait once Stdin has been closed.
type Child struct {
	cmd   *exec.Cmd
	Stdin io.WriteCloser
	Pid   int
}

// Init must be called at the very start of a consuming program's main,
// before anything else runs. If this invocation is a reexec'd child, it
// runs the registered extractor entrypoint and returns true (the caller
// should then return from main without doing anything else); it returns
// false for the parent process.
func Init() bool {
	return reexec.Init()
}

// Start forks an extractor rooted at dir and returns a handle to it. The
// caller must close Stdin before calling Wait.
func Start(dir string) (*Child, error) {
	cmd := reexec.Command(entrypoint, dir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating extractor stdin pipe")
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting extractor")
	}
	return &Child{cmd: cmd, Stdin: stdin, Pid: cmd.Process.Pid}, nil
}

// Wait blocks until the extractor exits and returns a non-nil error if it
// exited non-zero or was terminated by a signal.
func (c *Child) Wait() error {
	err := c.cmd.Wait()
	if err != nil {
		return errors.Wrap(ErrExtractFailed, err.Error())
	}
	return nil
}

// Kill sends SIGKILL to the extractor. It does not reap the process —
// callers that have a Wait already outstanding on another goroutine rely
// on that Wait to reap it; callers with no outstanding Wait must call it
// themselves after Kill to avoid leaving a zombie. Safe to call after the
// process has already exited.
func (c *Child) Kill() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

// StdinWriter returns the extractor's stdin pipe.
func (c *Child) StdinWriter() io.WriteCloser { return c.Stdin }

// ProcessID returns the extractor's pid.
func (c *Child) ProcessID() int { return c.Pid }

// ErrExtractFailed is the sentinel for a non-zero or signaled extractor
// exit.
var ErrExtractFailed = errors.New("extractor failed")
