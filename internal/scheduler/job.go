package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/flexinfer/realsched/internal/driver"
	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/internal/tracing"
	"github.com/flexinfer/realsched/pkg/types"
)

// Kill reasons, used as metric labels and in realization messages.
const (
	killReasonCancel      = "cancel"
	killReasonTimeout     = "timeout"
	killReasonLongRunning = "long_running"
)

// Job adapts one realization to the scheduler's admission and retry policy.
// The driver never sees a Job; it only knows the realization index.
type Job struct {
	arg    types.RunArg
	sched  *Scheduler
	logger *slog.Logger

	mu         sync.Mutex
	state      types.State
	attempt    int
	returnCode int
	message    string
	startedAt  *time.Time
	finishedAt *time.Time

	// Per-attempt signals, replaced by begin.
	started    chan struct{}
	startSeen  bool
	finished   chan types.DriverEvent
	finishSeen bool

	kill chan string
}

type attemptResult struct {
	state      types.State
	returnCode int
	message    string
}

func newJob(s *Scheduler, arg types.RunArg) *Job {
	return &Job{
		arg:    arg,
		sched:  s,
		logger: s.logger.With(slog.Int("iens", arg.Iens)),
		state:  types.StateWaiting,
		kill:   make(chan string, 1),
	}
}

// Iens returns the realization index.
func (j *Job) Iens() int { return j.arg.Iens }

// State returns the current lifecycle state.
func (j *Job) State() types.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// run is the worker for one realization: barrier, admission, submit, wait,
// and retry until a terminal state is reached.
func (j *Job) run(ctx context.Context, start <-chan struct{}, sem *semaphore.Weighted) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("realization %d: panic: %v", j.arg.Iens, r)
		}
	}()

	select {
	case <-start:
	case <-ctx.Done():
	}

	// cancelled ends the realization once the run is cancelled outside an
	// attempt: ABORTED if it never ran, else FAILED with the last result.
	var last *attemptResult
	cancelled := func() error {
		if last != nil {
			j.finish(types.StateFailed, last.returnCode, last.message)
		} else {
			j.finish(types.StateAborted, 0, "cancelled before submission")
		}
		return nil
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return cancelled()
		}
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return cancelled()
			}
			if ctx.Err() != nil {
				sem.Release(1)
				return cancelled()
			}
		}
		res, err := j.runAttempt(ctx, attempt)
		if sem != nil {
			sem.Release(1)
		}
		if err != nil {
			return err
		}

		if res.state != types.StateFailed {
			j.finish(res.state, res.returnCode, res.message)
			return nil
		}
		if attempt >= j.sched.cfg.MaxSubmit || ctx.Err() != nil {
			j.finish(types.StateFailed, res.returnCode, res.message)
			return nil
		}
		last = &res

		delay := retryDelay(j.sched.cfg.RetryBackoff, attempt)
		j.logger.Warn(fmt.Sprintf("Realization %d failed, resubmitting", j.arg.Iens),
			slog.Int("attempt", attempt),
			slog.Int("returncode", res.returnCode),
			slog.String("message", res.message),
			slog.Duration("backoff", delay),
		)
		j.backoff()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return cancelled()
		}
	}
}

// runAttempt runs one submission. Only unexpected driver errors are returned;
// everything else becomes the attempt's result.
func (j *Job) runAttempt(ctx context.Context, n int) (attemptResult, error) {
	s := j.sched
	ctx, span := tracing.Tracer().Start(ctx, "realization.attempt", trace.WithAttributes(
		attribute.String("ensemble.id", s.cfg.EnsembleID),
		attribute.Int("realization.iens", j.arg.Iens),
		attribute.Int("realization.attempt", n),
	))
	defer span.End()

	started, finished := j.begin(n)

	opts := []driver.SubmitOption{}
	if j.arg.JobName != "" {
		opts = append(opts, driver.WithJobName(j.arg.JobName))
	}
	err := s.driver.Submit(ctx, j.arg.Iens, j.arg.Executable, j.arg.Args, j.arg.RunPath, opts...)
	if err != nil {
		span.RecordError(err)
		var submitErr *driver.SubmitError
		switch {
		case errors.As(err, &submitErr):
			j.logger.Warn("submit rejected", slog.Int("attempt", n), slog.Any("error", err))
			return attemptResult{state: types.StateFailed, returnCode: -1, message: err.Error()}, nil
		case ctx.Err() != nil:
			return j.abort(finished, killReasonCancel), nil
		default:
			span.SetStatus(codes.Error, err.Error())
			return attemptResult{}, fmt.Errorf("realization %d: %w", j.arg.Iens, err)
		}
	}
	j.send(types.StateStarting)

	select {
	case <-started:
	case <-ctx.Done():
		return j.abort(finished, killReasonCancel), nil
	case <-s.driverDead:
		return attemptResult{state: types.StateAborted, returnCode: -1, message: "driver failed"}, nil
	}

	j.send(types.StateRunning)
	metrics.RealizationsRunning.WithLabelValues(s.driver.Name()).Inc()
	defer metrics.RealizationsRunning.WithLabelValues(s.driver.Name()).Dec()

	var timeout <-chan time.Time
	if rt := j.maxRuntime(); rt > 0 {
		timer := time.NewTimer(rt - j.runtime())
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ev := <-finished:
		res := j.result(ev)
		span.SetAttributes(attribute.Int("realization.returncode", ev.ReturnCode))
		return res, nil
	case <-timeout:
		j.logger.Warn("realization exceeded max runtime", slog.Duration("max_runtime", j.maxRuntime()))
		return j.abort(finished, killReasonTimeout), nil
	case reason := <-j.kill:
		return j.abort(finished, reason), nil
	case <-ctx.Done():
		return j.abort(finished, killReasonCancel), nil
	case <-s.driverDead:
		return attemptResult{state: types.StateAborted, returnCode: -1, message: "driver failed"}, nil
	}
}

// abort kills the current attempt and waits for the driver to confirm.
// A natural exit that wins the race keeps its own result.
func (j *Job) abort(finished <-chan types.DriverEvent, reason string) attemptResult {
	s := j.sched
	j.send(types.StateAborting)
	metrics.KillsTotal.WithLabelValues(s.driver.Name(), reason).Inc()

	killCtx, cancel := context.WithTimeout(context.Background(), s.cfg.KillTimeout)
	defer cancel()
	if err := s.driver.Kill(killCtx, j.arg.Iens); err != nil {
		j.logger.Warn("kill failed", slog.String("reason", reason), slog.Any("error", err))
	}

	msg := abortMessage(reason)
	select {
	case ev := <-finished:
		if !ev.Aborted {
			return j.result(ev)
		}
		return attemptResult{state: types.StateAborted, returnCode: ev.ReturnCode, message: msg}
	case <-s.driverDead:
		return attemptResult{state: types.StateAborted, returnCode: -1, message: msg}
	case <-killCtx.Done():
		j.logger.Warn("driver did not confirm kill", slog.Duration("kill_timeout", s.cfg.KillTimeout))
		return attemptResult{state: types.StateAborted, returnCode: types.ReturnCodeKilledByScheduler, message: msg}
	}
}

func (j *Job) result(ev types.DriverEvent) attemptResult {
	switch {
	case ev.Aborted:
		return attemptResult{state: types.StateAborted, returnCode: ev.ReturnCode, message: "killed"}
	case ev.ReturnCode == 0:
		if check := j.sched.completionCheck; check != nil {
			if err := check(j.arg.RunPath); err != nil {
				return attemptResult{state: types.StateFailed, message: err.Error()}
			}
		}
		return attemptResult{state: types.StateCompleted}
	default:
		return attemptResult{state: types.StateFailed, returnCode: ev.ReturnCode, message: describeReturnCode(ev.ReturnCode)}
	}
}

// begin resets the per-attempt signals and publishes SUBMITTING.
func (j *Job) begin(n int) (<-chan struct{}, <-chan types.DriverEvent) {
	j.mu.Lock()
	j.attempt = n
	j.started = make(chan struct{})
	j.startSeen = false
	j.finished = make(chan types.DriverEvent, 1)
	j.finishSeen = false
	j.startedAt = nil
	j.finishedAt = nil
	started, finished := j.started, j.finished
	select {
	case <-j.kill:
	default:
	}
	j.mu.Unlock()

	j.send(types.StateSubmitting)
	return started, finished
}

// backoff parks the job between attempts. WAITING is not published here;
// the next attempt publishes its own transitions.
func (j *Job) backoff() {
	j.mu.Lock()
	j.state = types.StateWaiting
	j.mu.Unlock()
}

// deliver applies a driver event to the current attempt. A Finished without
// a prior Started counts as both.
func (j *Job) deliver(ev types.DriverEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started == nil {
		j.logger.Warn("driver event for realization that was never submitted", slog.String("event", ev.String()))
		return
	}
	now := time.Now()
	if !j.startSeen {
		j.startSeen = true
		j.startedAt = &now
		close(j.started)
	}
	if ev.Kind != types.EventFinished {
		return
	}
	if j.finishSeen {
		j.logger.Warn("duplicate finished event", slog.String("event", ev.String()))
		return
	}
	j.finishSeen = true
	j.finishedAt = &now
	j.finished <- ev
}

// requestKill asks a running attempt to stop. It reports whether the request
// was accepted.
func (j *Job) requestKill(reason string) bool {
	j.mu.Lock()
	running := j.state == types.StateRunning
	j.mu.Unlock()
	if !running {
		return false
	}
	select {
	case j.kill <- reason:
		return true
	default:
		return false
	}
}

func (j *Job) send(state types.State) {
	j.mu.Lock()
	j.state = state
	attempt := j.attempt
	j.mu.Unlock()
	j.sched.emit(types.NewRealizationEvent(j.sched.cfg.EnsembleID, j.arg.Iens, attempt, state))
}

// finish records the terminal state and publishes it with its return code.
func (j *Job) finish(state types.State, rc int, msg string) {
	now := time.Now()
	j.mu.Lock()
	j.state = state
	j.returnCode = rc
	j.message = msg
	if j.finishedAt == nil {
		j.finishedAt = &now
	}
	attempt := j.attempt
	var runtime time.Duration
	if j.startedAt != nil {
		runtime = j.finishedAt.Sub(*j.startedAt)
	}
	j.mu.Unlock()

	s := j.sched
	backend := s.driver.Name()
	metrics.RealizationsTotal.WithLabelValues(backend, string(state)).Inc()
	if runtime > 0 {
		metrics.RealizationDuration.WithLabelValues(backend, string(state)).Observe(runtime.Seconds())
	}

	ev := types.NewRealizationEvent(s.cfg.EnsembleID, j.arg.Iens, attempt, state)
	if state != types.StateCompleted || rc != 0 {
		ev = ev.WithReturnCode(rc)
	}
	if msg != "" {
		ev = ev.WithMessage(msg)
	}
	s.emit(ev)

	j.logger.Debug("realization finished",
		slog.String("state", string(state)),
		slog.Int("attempts", attempt),
		slog.Int("returncode", rc),
	)
}

func (j *Job) maxRuntime() time.Duration {
	if j.arg.MaxRuntime > 0 {
		return j.arg.MaxRuntime
	}
	return j.sched.cfg.MaxRuntime
}

// runtime is the time since Started of the current attempt, or its duration
// once finished.
func (j *Job) runtime() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt == nil {
		return 0
	}
	if j.finishedAt != nil {
		return j.finishedAt.Sub(*j.startedAt)
	}
	return time.Since(*j.startedAt)
}

func (j *Job) snapshot() JobSnapshot {
	rt := j.runtime()
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobSnapshot{Iens: j.arg.Iens, State: j.state, Attempt: j.attempt, Runtime: rt}
}

func (j *Job) realizationResult() types.RealizationResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return types.RealizationResult{
		Iens:       j.arg.Iens,
		State:      j.state,
		ReturnCode: j.returnCode,
		Attempts:   j.attempt,
		Message:    j.message,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// retryDelay doubles base per failed attempt, capped at one minute.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= time.Minute {
			return time.Minute
		}
	}
	return d
}

func abortMessage(reason string) string {
	switch reason {
	case killReasonTimeout:
		return "killed after exceeding max runtime"
	case killReasonLongRunning:
		return "killed as a long-running realization"
	default:
		return "killed"
	}
}

func describeReturnCode(rc int) string {
	switch {
	case rc == types.ReturnCodeCommandNotFound:
		return "command not found"
	case rc == types.ReturnCodeNotExecutable:
		return "command not executable"
	case rc == types.ReturnCodeClusterFailed:
		return "job failed or was killed by the cluster"
	case rc == types.ReturnCodeJobLost:
		return "job status unknown for too long"
	case rc == types.ReturnCodeKilledByScheduler:
		return "job cancelled on request"
	case rc > types.SignalOffset && rc < types.ReturnCodeKilledByScheduler:
		return fmt.Sprintf("terminated by signal %d", rc-types.SignalOffset)
	default:
		return fmt.Sprintf("exited with code %d", rc)
	}
}
