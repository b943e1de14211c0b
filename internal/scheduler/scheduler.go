// Package scheduler runs an ensemble of realizations through a driver with
// admission control, retries, cancellation and status publishing.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/flexinfer/realsched/internal/driver"
	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/internal/queue"
	"github.com/flexinfer/realsched/internal/runstore"
	"github.com/flexinfer/realsched/internal/tracing"
	"github.com/flexinfer/realsched/pkg/types"
)

// Publisher forwards status events to a monitor.
type Publisher interface {
	// Publish enqueues ev without blocking.
	Publish(ev types.StatusEvent)
	// Run delivers queued events until ctx is done.
	Run(ctx context.Context) error
	// Close delivers what is still queued, giving up when ctx expires.
	Close(ctx context.Context) error
}

// Archiver stores run-path artifacts of a finished realization.
type Archiver interface {
	Archive(ctx context.Context, ensembleID string, iens int, runPath string) error
}

// EnsemblePlaceholder in a dispatch URL stands for the ensemble id.
const EnsemblePlaceholder = "{ensemble}"

// DispatchInfo tells running realizations how to reach the monitor.
type DispatchInfo struct {
	URL      string
	CertPath string
	Token    string
}

// ForEnsemble returns d with EnsemblePlaceholder in the URL replaced by id.
func (d DispatchInfo) ForEnsemble(id string) DispatchInfo {
	d.URL = strings.ReplaceAll(d.URL, EnsemblePlaceholder, id)
	return d
}

// Config holds scheduler configuration.
type Config struct {
	EnsembleID   string
	ExperimentID string

	// MaxSubmit is the number of submit attempts per realization (default 1).
	MaxSubmit int

	// RetryBackoff is the delay before the second attempt; it doubles per
	// attempt up to one minute.
	RetryBackoff time.Duration

	// MaxRuntime kills realizations running longer than this (0 = no limit).
	MaxRuntime time.Duration

	// MinRealizations is the completed count StopLongRunningJobs waits for
	// when driven by the periodic check.
	MinRealizations         int
	StopLongRunning         bool
	StopLongRunningInterval time.Duration

	// KillTimeout bounds how long a kill waits for the driver's confirmation.
	KillTimeout time.Duration

	Dispatch DispatchInfo

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSubmit:               1,
		RetryBackoff:            2 * time.Second,
		StopLongRunningInterval: 10 * time.Second,
		KillTimeout:             2 * time.Minute,
	}
}

// ApplyManifest overrides c with the settings m carries.
func (c *Config) ApplyManifest(m *types.Manifest) {
	c.ExperimentID = m.ExperimentID
	if m.MaxSubmit > 0 {
		c.MaxSubmit = m.MaxSubmit
	}
	if m.MaxRuntimeSeconds > 0 {
		c.MaxRuntime = time.Duration(m.MaxRuntimeSeconds) * time.Second
	}
	if m.MinRealizations > 0 {
		c.MinRealizations = m.MinRealizations
	}
	if m.StopLongRunning {
		c.StopLongRunning = true
	}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithPublisher sends status events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithRunStore records status events and the ensemble lifecycle in store.
func WithRunStore(store runstore.Store) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithArchiver archives the run path of each realization once it is terminal.
func WithArchiver(a Archiver) Option {
	return func(s *Scheduler) { s.archiver = a }
}

// WithCompletionCheck makes a zero return code count as COMPLETED only when
// check accepts the run path.
func WithCompletionCheck(check func(runPath string) error) Option {
	return func(s *Scheduler) { s.completionCheck = check }
}

// WithStopPolicy replaces the default long-running policy.
func WithStopPolicy(p StopPolicy) Option {
	return func(s *Scheduler) { s.stopPolicy = p }
}

// Scheduler owns the jobs of one ensemble run.
type Scheduler struct {
	cfg    Config
	driver driver.Driver
	logger *slog.Logger

	publisher       Publisher
	store           runstore.Store
	archiver        Archiver
	completionCheck func(runPath string) error
	stopPolicy      StopPolicy

	mu        sync.Mutex
	jobs      map[int]*Job
	executing bool
	cancelled bool
	cancelRun context.CancelFunc
	fatal     error

	outbox     *queue.Queue[types.StatusEvent]
	driverDead chan struct{}
	deadOnce   sync.Once
	archives   sync.WaitGroup
}

// New creates a scheduler for one run on drv.
func New(drv driver.Driver, cfg *Config, opts ...Option) *Scheduler {
	c := DefaultConfig()
	if cfg != nil {
		c = cfg
		def := DefaultConfig()
		if c.MaxSubmit <= 0 {
			c.MaxSubmit = def.MaxSubmit
		}
		if c.RetryBackoff < 0 {
			c.RetryBackoff = 0
		}
		if c.StopLongRunningInterval <= 0 {
			c.StopLongRunningInterval = def.StopLongRunningInterval
		}
		if c.KillTimeout <= 0 {
			c.KillTimeout = def.KillTimeout
		}
	}

	s := &Scheduler{
		cfg:        *c,
		driver:     drv,
		logger:     logging.Component(c.Logger, "scheduler").With(slog.String("ensemble_id", c.EnsembleID)),
		stopPolicy: DefaultStopPolicy,
		jobs:       make(map[int]*Job),
		outbox:     queue.New[types.StatusEvent](),
		driverDead: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRealization registers one realization. It must be called before Execute.
func (s *Scheduler) AddRealization(arg types.RunArg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executing {
		return ErrAlreadyExecuting
	}
	if _, exists := s.jobs[arg.Iens]; exists {
		return &DuplicateRealizationError{Iens: arg.Iens}
	}
	s.jobs[arg.Iens] = newJob(s, arg)
	return nil
}

// Execute runs every registered realization with at most maxConcurrent
// admitted at once (<= 0 means unlimited) and returns once all of them are
// terminal. Cancelling ctx has the same effect as KillAllJobs.
//
// The error aggregates a driver failure and unexpected worker errors; it is
// nil when realizations merely failed, see Failures for those.
func (s *Scheduler) Execute(ctx context.Context, maxConcurrent int) (types.Outcome, error) {
	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		return "", ErrAlreadyExecuting
	}
	s.executing = true
	jobs := s.sortedJobs()
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelRun = cancelRun
	if s.cancelled {
		cancelRun()
	}
	s.mu.Unlock()
	defer cancelRun()

	ctx, span := tracing.Tracer().Start(ctx, "scheduler.Execute", trace.WithAttributes(
		attribute.String("ensemble.id", s.cfg.EnsembleID),
		attribute.String("driver", s.driver.Name()),
		attribute.Int("realizations", len(jobs)),
		attribute.Int("max_concurrent", maxConcurrent),
	))
	defer span.End()

	metrics.EnsemblesActive.Inc()
	defer metrics.EnsemblesActive.Dec()

	stop := context.AfterFunc(ctx, s.KillAllJobs)
	defer stop()

	s.logger.Info("executing ensemble",
		slog.Int("realizations", len(jobs)),
		slog.Int("max_concurrent", maxConcurrent),
		slog.String("driver", s.driver.Name()),
	)

	var result *multierror.Error
	if s.cfg.Dispatch.URL != "" {
		if err := s.AddDispatchInformationToJobsFile(); err != nil {
			s.logger.Warn("could not write dispatch information", slog.Any("error", err))
		}
	}
	s.recordEnsembleStart(ctx, len(jobs))

	auxCtx, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	var aux sync.WaitGroup
	s.startAux(auxCtx, runCtx, cancelRun, &aux)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		s.forward()
	}()

	for _, job := range jobs {
		job.send(types.StateWaiting)
	}

	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	start := make(chan struct{})
	g, workCtx := errgroup.WithContext(runCtx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			return job.run(workCtx, start, sem)
		})
	}
	close(start)

	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	finishCtx, cancelFinish := context.WithTimeout(context.Background(), s.cfg.KillTimeout)
	if err := s.driver.Finish(finishCtx); err != nil {
		s.logger.Warn("driver finish failed", slog.Any("error", err))
	}
	cancelFinish()

	s.mu.Lock()
	cancelled := s.cancelled
	fatal := s.fatal
	s.mu.Unlock()
	if fatal != nil {
		result = multierror.Append(result, fatal)
	}

	outcome := types.OutcomeStopped
	evType := types.EventTypeEnsembleStopped
	if cancelled {
		outcome = types.OutcomeCancelled
		evType = types.EventTypeEnsembleCancelled
	}
	s.emit(types.NewEnsembleEvent(s.cfg.EnsembleID, evType))

	s.outbox.Close()
	<-forwarded
	s.archives.Wait()

	err := result.ErrorOrNil()
	s.recordEnsembleEnd(outcome, err)

	if s.publisher != nil {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 30*time.Second)
		if perr := s.publisher.Close(closeCtx); perr != nil {
			s.logger.Warn("publisher close failed", slog.Any("error", perr))
		}
		cancelClose()
	}
	cancelAux()
	aux.Wait()

	label := string(outcome)
	if err != nil {
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.EnsemblesTotal.WithLabelValues(label).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	s.logger.Info("ensemble finished", slog.String("outcome", string(outcome)), slog.Any("error", err))
	return outcome, err
}

// startAux launches the publisher, the driver poll loop, the driver event
// processor and the optional long-running check. All stop with auxCtx.
func (s *Scheduler) startAux(auxCtx, runCtx context.Context, cancelRun context.CancelFunc, wg *sync.WaitGroup) {
	if s.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.publisher.Run(auxCtx); err != nil && auxCtx.Err() == nil {
				s.logger.Error("publisher stopped", slog.Any("error", err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := s.driver.Poll(auxCtx)
		if err == nil || auxCtx.Err() != nil {
			return
		}
		s.logger.Error("driver failed, aborting run", slog.Any("error", err))
		s.mu.Lock()
		s.fatal = err
		s.mu.Unlock()
		s.deadOnce.Do(func() { close(s.driverDead) })
		cancelRun()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.processEvents(auxCtx)
	}()

	if s.cfg.StopLongRunning {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(s.cfg.StopLongRunningInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.StopLongRunningJobs(s.cfg.MinRealizations)
				case <-runCtx.Done():
					return
				case <-auxCtx.Done():
					return
				}
			}
		}()
	}
}

// processEvents is the single consumer of the driver's event queue.
func (s *Scheduler) processEvents(ctx context.Context) {
	events := s.driver.Events()
	for {
		ev, err := events.Pop(ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		job := s.jobs[ev.Iens]
		s.mu.Unlock()
		if job == nil {
			s.logger.Warn("driver event for unknown realization", slog.String("event", ev.String()))
			continue
		}
		job.deliver(ev)
	}
}

func (s *Scheduler) emit(ev types.StatusEvent) {
	if !s.outbox.Push(ev) {
		s.logger.Debug("status event after shutdown dropped", slog.String("type", ev.Type))
	}
}

// forward drains the outbox in emission order into the publisher, the run
// store and the archiver.
func (s *Scheduler) forward() {
	ctx := context.Background()
	for {
		ev, err := s.outbox.Pop(ctx)
		if err != nil {
			return
		}
		if s.publisher != nil {
			s.publisher.Publish(ev)
		}
		if s.store != nil {
			if err := runstore.Record(ctx, s.store, s.cfg.EnsembleID, &ev); err != nil {
				s.logger.Warn("could not record status event", slog.String("type", ev.Type), slog.Any("error", err))
			}
		}
		if s.archiver != nil && ev.Data.Iens != nil && ev.State().Terminal() {
			s.archive(*ev.Data.Iens)
		}
	}
}

func (s *Scheduler) archive(iens int) {
	s.mu.Lock()
	job := s.jobs[iens]
	s.mu.Unlock()
	if job == nil || job.arg.RunPath == "" {
		return
	}

	s.archives.Add(1)
	go func() {
		defer s.archives.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.archiver.Archive(ctx, s.cfg.EnsembleID, iens, job.arg.RunPath); err != nil {
			s.logger.Warn("archive failed", slog.Int("iens", iens), slog.Any("error", err))
		}
	}()
}

func (s *Scheduler) recordEnsembleStart(ctx context.Context, size int) {
	if s.store == nil {
		return
	}
	err := s.store.CreateEnsemble(ctx, &types.Ensemble{
		ID:           s.cfg.EnsembleID,
		ExperimentID: s.cfg.ExperimentID,
		Backend:      s.driver.Name(),
		Size:         size,
	})
	if err != nil && !errors.Is(err, runstore.ErrEnsembleExists) {
		s.logger.Warn("could not create ensemble record", slog.Any("error", err))
	}
	if err := s.store.UpdateEnsembleStatus(ctx, s.cfg.EnsembleID, &runstore.EnsembleUpdate{
		Status: types.EnsembleStatusRunning,
	}); err != nil {
		s.logger.Warn("could not update ensemble status", slog.Any("error", err))
	}
}

func (s *Scheduler) recordEnsembleEnd(outcome types.Outcome, runErr error) {
	if s.store == nil {
		return
	}
	update := &runstore.EnsembleUpdate{
		Status:  types.StatusForOutcome(outcome, runErr),
		Outcome: outcome,
	}
	if runErr != nil {
		update.Error = runErr.Error()
	}
	if err := s.store.UpdateEnsembleStatus(context.Background(), s.cfg.EnsembleID, update); err != nil {
		s.logger.Warn("could not update ensemble status", slog.Any("error", err))
	}
}

// KillAllJobs cancels the run: every outstanding realization is killed and
// Execute returns CANCELLED. Safe to call at any time, any number of times.
func (s *Scheduler) KillAllJobs() {
	s.mu.Lock()
	first := !s.cancelled
	s.cancelled = true
	cancel := s.cancelRun
	s.mu.Unlock()

	if first {
		s.logger.Info("killing all realizations")
	}
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether KillAllJobs has been called.
func (s *Scheduler) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Results returns the per-realization tally ordered by index.
func (s *Scheduler) Results() []types.RealizationResult {
	jobs := s.sortedJobsLocked()
	out := make([]types.RealizationResult, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.realizationResult())
	}
	return out
}

// Failures aggregates a JobExecutionFailure per FAILED realization.
func (s *Scheduler) Failures() error {
	var result *multierror.Error
	for _, r := range s.Results() {
		if r.State != types.StateFailed {
			continue
		}
		result = multierror.Append(result, &JobExecutionFailure{
			Iens:       r.Iens,
			Attempts:   r.Attempts,
			ReturnCode: r.ReturnCode,
			Message:    r.Message,
		})
	}
	return result.ErrorOrNil()
}

// Snapshot returns the current state of every realization ordered by index.
func (s *Scheduler) Snapshot() []JobSnapshot {
	jobs := s.sortedJobsLocked()
	out := make([]JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.snapshot())
	}
	return out
}

func (s *Scheduler) sortedJobsLocked() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedJobs()
}

// sortedJobs must be called with s.mu held.
func (s *Scheduler) sortedJobs() []*Job {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].arg.Iens < jobs[k].arg.Iens })
	return jobs
}
