package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxOutput bounds the runner output kept in a job log.
	DefaultMaxOutput = 1 << 20

	// DefaultWaitDelay bounds how long output pipes are drained after the
	// runner exits or is killed.
	DefaultWaitDelay = 10 * time.Second
)

// Invocation is everything a runner receives for one job.
type Invocation struct {
	JobID string

	// Target is the absolute path of the destination's execution target.
	Target string

	// Params is the flat parameter set: settings plus artifact_name and
	// artifact_path.
	Params map[string]any
}

// RunResult is the verdict and raw output of one runner execution.
type RunResult struct {
	Success  bool
	ExitCode int
	Output   string
}

// Runner executes an invocation. started is called with the process id once
// the runner is live, before Run blocks on completion.
type Runner interface {
	Run(ctx context.Context, inv Invocation, started func(pid int)) (*RunResult, error)
}

// ProcessRunner runs the target as a child process.
//
// The params are written to the child's stdin as a single JSON object; they
// are never placed on argv or in the environment, which other local users
// can read. stdout and stderr are captured together.
type ProcessRunner struct {
	// MaxOutput caps captured output; the tail is kept. Zero uses DefaultMaxOutput.
	MaxOutput int

	// WaitDelay is passed to exec.Cmd. Zero uses DefaultWaitDelay.
	WaitDelay time.Duration
}

var _ Runner = (*ProcessRunner)(nil)

// Run starts the target, feeds it the params and waits for it to exit.
//
// A non-zero exit (an *exec.ExitError) is a verdict, not an error: it returns
// a result with Success false, the exit code and the output tail. An error is
// returned only when the runner could not be started or waited on; a result
// may still accompany a wait error.
func (r *ProcessRunner) Run(ctx context.Context, inv Invocation, started func(pid int)) (*RunResult, error) {
	if inv.Target == "" {
		return nil, fmt.Errorf("runner target is required")
	}
	payload, err := json.Marshal(inv.Params)
	if err != nil {
		return nil, fmt.Errorf("encode runner params: %w", err)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, inv.Target)
	cmd.Dir = filepath.Dir(inv.Target)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), "PUSHQ_JOB_ID="+inv.JobID)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner: %w", err)
	}
	if started != nil {
		started(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	res := &RunResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   tail(out.Bytes(), r.maxOutput()),
	}
	if waitErr == nil {
		res.Success = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return res, nil
	}
	return res, fmt.Errorf("wait for runner: %w", waitErr)
}

func (r *ProcessRunner) maxOutput() int {
	if r == nil || r.MaxOutput <= 0 {
		return DefaultMaxOutput
	}
	return r.MaxOutput
}

// tail keeps the last max bytes of b, starting on a rune boundary, with
// invalid UTF-8 replaced.
func tail(b []byte, max int) string {
	if len(b) <= max {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	cut := len(b) - max
	for i := 0; i < utf8.UTFMax && cut < len(b) && !utf8.RuneStart(b[cut]); i++ {
		cut++
	}
	return fmt.Sprintf("[... %d bytes truncated ...]\n", cut) + strings.ToValidUTF8(string(b[cut:]), "\uFFFD")
}
