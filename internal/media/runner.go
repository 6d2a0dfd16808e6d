// Package media wraps the external downloader (yt-dlp) and transcoder
// (ffmpeg) binaries.
package media

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxStderr bounds how much child stderr is kept in memory. Only the tail is
// retained; that is where the tools print the fatal error.
const maxStderr = 64 << 10

// defaultWaitDelay is how long Wait keeps draining pipes after the child was
// killed before it force-closes them.
const defaultWaitDelay = 5 * time.Second

// CommandRunner abstracts exec.CommandContext so tests can inject a stub.
type CommandRunner interface {
	// Run executes name with args and returns any error.
	Run(ctx context.Context, name string, args ...string) error
}

// ExitError reports a child process that failed to start, exited non-zero or
// was killed.
type ExitError struct {
	Name   string
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with error: %v", e.Name, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExecCommandRunner is the real CommandRunner that shells out to the system.
// Stdout is discarded; stderr is captured for error reporting.
type ExecCommandRunner struct {
	// WaitDelay overrides defaultWaitDelay when positive.
	WaitDelay time.Duration
}

// Run executes name with args using os/exec. The child is killed when ctx is
// done.
func (r ExecCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stderr = stderr
	cmd.WaitDelay = defaultWaitDelay
	if r.WaitDelay > 0 {
		cmd.WaitDelay = r.WaitDelay
	}

	if err := cmd.Run(); err != nil {
		return &ExitError{
			Name:   name,
			Err:    err,
			Stderr: strings.ToValidUTF8(stderr.String(), "\uFFFD"),
		}
	}
	return nil
}

// tailBuffer is an io.Writer that keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
