package driver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/internal/queue"
	"github.com/flexinfer/realsched/pkg/types"
)

// LocalConfig holds configuration for the local subprocess driver.
type LocalConfig struct {
	// TerminateGrace is how long a killed process gets between SIGTERM and SIGKILL.
	TerminateGrace time.Duration

	// Env contains extra environment variables passed to every realization.
	Env map[string]string

	Logger *slog.Logger
}

// LocalDriver runs realizations as subprocesses of this process.
type LocalDriver struct {
	grace  time.Duration
	env    []string
	events *queue.Queue[types.DriverEvent]
	logger *slog.Logger

	mu    sync.Mutex
	procs map[int]*localProcess
	wg    sync.WaitGroup
}

type localProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	killed bool
	// signal is the last signal Kill sent.
	signal syscall.Signal
}

// NewLocalDriver creates a local subprocess driver.
func NewLocalDriver(cfg *LocalConfig) *LocalDriver {
	if cfg == nil {
		cfg = &LocalConfig{}
	}
	grace := cfg.TerminateGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	return &LocalDriver{
		grace:  grace,
		env:    env,
		events: queue.New[types.DriverEvent](),
		logger: logging.Component(cfg.Logger, "driver").With(slog.String("backend", "local")),
		procs:  make(map[int]*localProcess),
	}
}

func (d *LocalDriver) Name() string { return "local" }

func (d *LocalDriver) Events() *queue.Queue[types.DriverEvent] { return d.events }

// Submit starts the executable with the run path as working directory.
// A missing or non-executable program still produces Started followed by
// Finished with the shell's 127 or 126 code.
func (d *LocalDriver) Submit(ctx context.Context, iens int, executable string, args []string, runPath string, opts ...SubmitOption) error {
	if runPath != "" {
		if info, err := os.Stat(runPath); err != nil {
			metrics.SubmitAttempts.WithLabelValues(d.Name(), "error").Inc()
			return &SubmitError{Iens: iens, Backend: d.Name(), Err: fmt.Errorf("run path: %w", err)}
		} else if !info.IsDir() {
			metrics.SubmitAttempts.WithLabelValues(d.Name(), "error").Inc()
			return &SubmitError{Iens: iens, Backend: d.Name(), Err: fmt.Errorf("run path %s is not a directory", runPath)}
		}
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = runPath
	cmd.Env = d.env
	cmd.Env = append(cmd.Env, fmt.Sprintf("_REALSCHED_IENS=%d", iens))

	if err := cmd.Start(); err != nil {
		rc, ok := startFailureCode(err)
		if !ok {
			metrics.SubmitAttempts.WithLabelValues(d.Name(), "error").Inc()
			return &SubmitError{Iens: iens, Backend: d.Name(), Err: err}
		}
		metrics.SubmitAttempts.WithLabelValues(d.Name(), "success").Inc()
		d.logger.Warn("could not start realization",
			slog.Int("iens", iens),
			slog.String("executable", executable),
			slog.Int("returncode", rc),
			slog.Any("error", err),
		)
		d.events.Push(types.Started(iens))
		d.events.Push(types.Finished(iens, rc, false))
		return nil
	}
	metrics.SubmitAttempts.WithLabelValues(d.Name(), "success").Inc()

	proc := &localProcess{cmd: cmd, done: make(chan struct{})}
	d.mu.Lock()
	d.procs[iens] = proc
	d.mu.Unlock()

	d.events.Push(types.Started(iens))
	d.logger.Debug("realization started", slog.Int("iens", iens), slog.Int("pid", cmd.Process.Pid))

	d.wg.Add(1)
	go d.wait(iens, proc)
	return nil
}

func (d *LocalDriver) wait(iens int, proc *localProcess) {
	defer d.wg.Done()

	_ = proc.cmd.Wait()
	rc, signaled := returnCode(proc.cmd.ProcessState)

	d.mu.Lock()
	aborted := proc.killed
	sig := proc.signal
	delete(d.procs, iens)
	d.mu.Unlock()
	close(proc.done)

	// A killed process that handled the signal and exited on its own still
	// reports the signal it was sent.
	if aborted && !signaled {
		rc = types.SignalOffset + int(sig)
	}

	d.logger.Debug("realization exited",
		slog.Int("iens", iens),
		slog.Int("returncode", rc),
		slog.Bool("aborted", aborted),
	)
	d.events.Push(types.Finished(iens, rc, aborted))
}

// Kill sends SIGTERM and escalates to SIGKILL after the grace period.
// It returns once the process has exited or SIGKILL has been sent.
func (d *LocalDriver) Kill(ctx context.Context, iens int) error {
	d.mu.Lock()
	proc, ok := d.procs[iens]
	if !ok || proc.killed {
		d.mu.Unlock()
		return nil
	}
	proc.killed = true
	proc.signal = syscall.SIGTERM
	d.mu.Unlock()

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("local: terminate realization %d: %w", iens, err)
	}

	timer := time.NewTimer(d.grace)
	defer timer.Stop()
	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	d.logger.Warn("realization ignored SIGTERM, sending SIGKILL", slog.Int("iens", iens))
	d.mu.Lock()
	proc.signal = syscall.SIGKILL
	d.mu.Unlock()
	if err := proc.cmd.Process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("local: kill realization %d: %w", iens, err)
	}
	return nil
}

// Poll has nothing to observe for local processes; exits are reported by
// the per-process waiters. It blocks until ctx is done.
func (d *LocalDriver) Poll(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Finish kills all running processes and waits for their waiters.
func (d *LocalDriver) Finish(ctx context.Context) error {
	d.mu.Lock()
	running := make([]int, 0, len(d.procs))
	for iens := range d.procs {
		running = append(running, iens)
	}
	d.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, iens := range running {
		wg.Add(1)
		go func(iens int) {
			defer wg.Done()
			if err := d.Kill(ctx, iens); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(iens)
	}
	wg.Wait()

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

// startFailureCode maps a failed exec to the code a POSIX shell would report.
func startFailureCode(err error) (int, bool) {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return types.ReturnCodeCommandNotFound, true
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.ENOEXEC):
		return types.ReturnCodeNotExecutable, true
	default:
		return 0, false
	}
}

// returnCode encodes a signal death as SignalOffset+signal and reports
// whether the process died from a signal.
func returnCode(state *os.ProcessState) (int, bool) {
	if state == nil {
		return -1, false
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return types.SignalOffset + int(ws.Signal()), true
	}
	return state.ExitCode(), false
}
