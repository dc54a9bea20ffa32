package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Command is one process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// CommandResult is what a finished process produced. A non-zero ExitCode is not an error.
type CommandResult struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Truncated bool
}

// CommandRunner starts processes. It returns an error only when the process could not be
// started or was stopped by ctx.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

const (
	defaultMaxOutputBytes = 64 << 20
	maxStderrBytes        = 64 << 10
	waitDelay             = 5 * time.Second
)

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// MaxOutputBytes caps captured stdout. Output past the cap is discarded and the
	// result is marked truncated.
	MaxOutputBytes int
}

// Run implements CommandRunner.
func (r ExecRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: maxStderrBytes, keepTail: true}

	// #nosec G204 -- analyzer commands come from operator configuration, not user input
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	res := CommandResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated,
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("start %s: %w", c.Path, err)
	}
	return res, nil
}

// cappedBuffer accepts every write but keeps at most limit bytes, so a chatty process
// never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	keepTail  bool
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.keepTail {
		b.buf.Write(p)
		if over := b.buf.Len() - b.limit; over > 0 {
			b.truncated = true
			tail := append([]byte(nil), b.buf.Bytes()[over:]...)
			b.buf.Reset()
			b.buf.Write(tail)
		}
		return n, nil
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return n, nil
	}
	if len(p) > room {
		p = p[:room]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
