package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/internal/queue"
	"github.com/flexinfer/realsched/pkg/types"
)

const maxPollBackoff = 60 * time.Second

// jobPhase is a backend state reduced to what the scheduler cares about.
type jobPhase int

const (
	phaseUnknown jobPhase = iota
	phaseQueued
	phaseRunning
	phaseFinished
)

// jobStatus is one job's state as reported by a backend status query.
type jobStatus struct {
	phase      jobPhase
	returnCode int
}

// errQuietPoll marks poll failures known to be transient noise. They count
// toward escalation but are logged at debug level only.
var errQuietPoll = errors.New("transient backend noise")

// batchBackend is the backend-specific half of a batch driver. The shared
// half owns the job table, poll cadence, failure counting and event emission.
type batchBackend interface {
	name() string
	displayName() string
	submit(ctx context.Context, iens int, opts submitOptions, executable string, args []string, runPath string) (jobID string, err error)
	// status reports the state of the given jobs. Jobs absent from the map
	// are unknown to the backend this cycle.
	status(ctx context.Context, jobIDs []string) (map[string]jobStatus, error)
	kill(ctx context.Context, jobID string) error
}

type batchJob struct {
	id           string
	iens         int
	started      bool
	killed       bool
	unknownPolls int
	submittedAt  time.Time
}

// BatchOptions tunes the shared polling behaviour of batch drivers.
type BatchOptions struct {
	PollInterval    time.Duration
	MaxPollFailures int
	MaxUnknownPolls int
	Logger          *slog.Logger
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = 10
	}
	if o.MaxUnknownPolls <= 0 {
		o.MaxUnknownPolls = 20
	}
	return o
}

// batchDriver implements Driver on top of a batchBackend.
type batchDriver struct {
	backend batchBackend
	opts    BatchOptions
	events  *queue.Queue[types.DriverEvent]
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[int]*batchJob
	// done remembers realizations whose last attempt finished so a late kill
	// is recognised as a no-op rather than a missing job.
	done map[int]struct{}
}

func newBatchDriver(backend batchBackend, opts BatchOptions) *batchDriver {
	opts = opts.withDefaults()
	return &batchDriver{
		backend: backend,
		opts:    opts,
		events:  queue.New[types.DriverEvent](),
		limiter: rate.NewLimiter(rate.Every(opts.PollInterval), 1),
		logger:  logging.Component(opts.Logger, "driver").With(slog.String("backend", backend.name())),
		jobs:    make(map[int]*batchJob),
		done:    make(map[int]struct{}),
	}
}

func (d *batchDriver) Name() string { return d.backend.name() }

func (d *batchDriver) Events() *queue.Queue[types.DriverEvent] { return d.events }

func (d *batchDriver) Submit(ctx context.Context, iens int, executable string, args []string, runPath string, opts ...SubmitOption) error {
	o := resolveSubmitOptions(iens, opts)
	jobID, err := d.backend.submit(ctx, iens, o, executable, args, runPath)
	if err != nil {
		metrics.SubmitAttempts.WithLabelValues(d.Name(), "error").Inc()
		return &SubmitError{Iens: iens, Backend: d.Name(), Err: err}
	}
	metrics.SubmitAttempts.WithLabelValues(d.Name(), "success").Inc()

	d.mu.Lock()
	d.jobs[iens] = &batchJob{id: jobID, iens: iens, submittedAt: time.Now()}
	delete(d.done, iens)
	d.mu.Unlock()

	d.logger.Info("realization submitted",
		slog.Int("iens", iens),
		slog.String("job_id", jobID),
		slog.String("name", o.name),
	)
	return nil
}

func (d *batchDriver) Kill(ctx context.Context, iens int) error {
	d.mu.Lock()
	job, ok := d.jobs[iens]
	if !ok {
		_, finished := d.done[iens]
		d.mu.Unlock()
		if !finished {
			d.logger.Warn(fmt.Sprintf("%s kill failed due to missing jobid for realization %d", d.backend.displayName(), iens))
		}
		return nil
	}
	if job.killed {
		d.mu.Unlock()
		return nil
	}
	job.killed = true
	jobID := job.id
	d.mu.Unlock()

	d.logger.Info("killing realization", slog.Int("iens", iens), slog.String("job_id", jobID))
	if err := d.backend.kill(ctx, jobID); err != nil {
		return fmt.Errorf("%s: kill realization %d (job %s): %w", d.Name(), iens, jobID, err)
	}
	return nil
}

// Poll queries the backend at the configured cadence until ctx is done.
// Consecutive failures back off exponentially and escalate to a FatalError.
func (d *batchDriver) Poll(ctx context.Context) error {
	failures := 0
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}

		err := d.pollOnce(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		metrics.PollErrors.WithLabelValues(d.Name()).Inc()
		perr := &PollError{Backend: d.Name(), Attempt: failures, Err: err}
		if failures >= d.opts.MaxPollFailures {
			d.logger.Error("giving up polling backend", slog.Int("failures", failures), slog.Any("error", err))
			return &FatalError{Backend: d.Name(), Err: perr}
		}

		backoff := pollBackoff(d.opts.PollInterval, failures)
		if errors.Is(err, errQuietPoll) {
			d.logger.Debug("poll failed", slog.Int("attempt", failures), slog.Any("error", err))
		} else {
			d.logger.Warn("poll failed, backing off",
				slog.Int("attempt", failures),
				slog.Duration("backoff", backoff),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func pollBackoff(interval time.Duration, failures int) time.Duration {
	backoff := interval
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= maxPollBackoff {
			return maxPollBackoff
		}
	}
	return backoff
}

func (d *batchDriver) pollOnce(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.jobs))
	for _, j := range d.jobs {
		ids = append(ids, j.id)
	}
	d.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	statuses, err := d.backend.status(ctx, ids)
	if err != nil {
		return err
	}
	d.apply(statuses)
	return nil
}

// apply folds one round of backend statuses into the job table and emits
// the resulting events. Started always precedes Finished for an attempt.
func (d *batchDriver) apply(statuses map[string]jobStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for iens, job := range d.jobs {
		st, ok := statuses[job.id]
		if !ok || st.phase == phaseUnknown {
			if !ok && job.killed {
				d.finish(job, types.ReturnCodeKilledByScheduler, true)
				continue
			}
			job.unknownPolls++
			if job.unknownPolls > d.opts.MaxUnknownPolls {
				d.logger.Error("job status unknown for too long, treating as lost",
					slog.Int("iens", iens),
					slog.String("job_id", job.id),
					slog.Int("polls", job.unknownPolls),
				)
				d.finish(job, types.ReturnCodeJobLost, false)
			}
			continue
		}

		job.unknownPolls = 0
		switch st.phase {
		case phaseQueued:
		case phaseRunning:
			d.start(job)
		case phaseFinished:
			rc, aborted := st.returnCode, false
			if job.killed && rc != 0 {
				rc, aborted = types.ReturnCodeKilledByScheduler, true
			}
			d.finish(job, rc, aborted)
		}
	}
}

func (d *batchDriver) start(job *batchJob) {
	if job.started {
		return
	}
	job.started = true
	d.events.Push(types.Started(job.iens))
}

func (d *batchDriver) finish(job *batchJob, returnCode int, aborted bool) {
	d.start(job)
	d.events.Push(types.Finished(job.iens, returnCode, aborted))
	delete(d.jobs, job.iens)
	d.done[job.iens] = struct{}{}
}

// Finish kills every job still known to the driver.
func (d *batchDriver) Finish(ctx context.Context) error {
	d.mu.Lock()
	pending := make([]int, 0, len(d.jobs))
	for iens, j := range d.jobs {
		if !j.killed {
			pending = append(pending, iens)
		}
	}
	d.mu.Unlock()

	var result *multierror.Error
	for _, iens := range pending {
		if err := d.Kill(ctx, iens); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
