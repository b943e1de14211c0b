package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/avast/retry-go"
)

// CommandResult is the captured outcome of a backend CLI invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner runs backend CLI tools such as bsub or qstat.
// A non-zero exit is reported in the result, not as an error; the error is
// reserved for commands that could not be started at all.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and captures its output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

// retryPolicy says which exit codes of a backend command are transient.
type retryPolicy struct {
	attempts int
	delay    time.Duration
	// retryOn lists exit codes worth another attempt.
	retryOn []int
	// acceptOn lists non-zero exit codes that count as success.
	acceptOn []int
}

type exitCodeError struct {
	code      int
	stderr    string
	retriable bool
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d: %s", e.code, e.stderr)
}

// runWithRetry runs a backend command, retrying the exit codes the policy
// names as flaky. Error messages name the tool by its base name.
func runWithRetry(ctx context.Context, runner CommandRunner, p retryPolicy, name string, args ...string) (CommandResult, error) {
	tool := filepath.Base(name)
	attempts := max(p.attempts, 1)

	var last CommandResult
	err := retry.Do(
		func() error {
			res, err := runner.Run(ctx, name, args...)
			last = res
			if err != nil {
				return err
			}
			if res.ExitCode == 0 || slices.Contains(p.acceptOn, res.ExitCode) {
				return nil
			}
			return &exitCodeError{
				code:      res.ExitCode,
				stderr:    strings.TrimSpace(res.Stderr),
				retriable: slices.Contains(p.retryOn, res.ExitCode),
			}
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(p.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var ee *exitCodeError
			return errors.As(err, &ee) && ee.retriable
		}),
	)
	if err == nil {
		return last, nil
	}

	var ee *exitCodeError
	if errors.As(err, &ee) {
		if ee.retriable {
			return last, fmt.Errorf("%s failed after %d retries with error %s", tool, attempts, ee.stderr)
		}
		return last, fmt.Errorf("%s failed with exit code %d and error message: %s", tool, ee.code, ee.stderr)
	}
	return last, fmt.Errorf("%s: %w", tool, err)
}

// shellScript builds the command line a batch job runs: change into the run
// path, then replace the shell with the realization's executable.
func shellScript(runPath, executable string, args []string) string {
	command := shellescape.QuoteCommand(append([]string{executable}, args...))
	if runPath == "" {
		return "exec " + command
	}
	return "cd " + shellescape.Quote(runPath) + " && exec " + command
}

// binary resolves a backend tool inside an optional bin directory.
func binary(binPath, tool string) string {
	if binPath == "" {
		return tool
	}
	return filepath.Join(binPath, tool)
}
