package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flexinfer/realsched/internal/driver"
	"github.com/flexinfer/realsched/internal/logging"
	"github.com/flexinfer/realsched/internal/runstore"
	"github.com/flexinfer/realsched/pkg/types"
)

// ErrUnknownEnsemble is returned for ensemble ids the manager never launched.
var ErrUnknownEnsemble = errors.New("unknown ensemble")

// ManagerConfig holds configuration for a Manager.
type ManagerConfig struct {
	// Scheduler is the base configuration; manifests override parts of it.
	Scheduler Config

	// MaxRunning is the default concurrency limit (0 = unlimited).
	MaxRunning int

	// NewDriver builds the driver for one ensemble.
	NewDriver func(ensembleID string) (driver.Driver, error)

	// NewPublisher builds the status publisher for one ensemble. Optional.
	NewPublisher func(ensembleID string, dispatch DispatchInfo) Publisher

	// DispatchToken issues the token realizations present to the monitor.
	// When nil, Scheduler.Dispatch.Token is used as is.
	DispatchToken func(ensembleID string) (string, error)

	Store   runstore.Store
	Options []Option
	Logger  *slog.Logger
}

// Manager launches and tracks concurrently executing ensembles.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*managedRun
	wg   sync.WaitGroup
}

type managedRun struct {
	sched   *Scheduler
	done    chan struct{}
	outcome types.Outcome
	err     error
}

// RunInfo describes an ensemble launched by the manager.
type RunInfo struct {
	EnsembleID string
	Done       bool
	Outcome    types.Outcome
	Err        error
	Results    []types.RealizationResult
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "manager"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*managedRun),
	}
}

// Launch registers every realization of m and starts executing it in the
// background. It returns the new ensemble id.
func (m *Manager) Launch(ctx context.Context, manifest *types.Manifest) (string, error) {
	if m.cfg.NewDriver == nil {
		return "", fmt.Errorf("manager has no driver factory")
	}
	id := uuid.NewString()

	cfg := m.cfg.Scheduler
	cfg.EnsembleID = id
	cfg.Logger = m.cfg.Logger
	cfg.Dispatch = cfg.Dispatch.ForEnsemble(id)
	cfg.ApplyManifest(manifest)
	if cfg.Dispatch.URL != "" && m.cfg.DispatchToken != nil {
		token, err := m.cfg.DispatchToken(id)
		if err != nil {
			return "", fmt.Errorf("issue dispatch token: %w", err)
		}
		cfg.Dispatch.Token = token
	}

	drv, err := m.cfg.NewDriver(id)
	if err != nil {
		return "", fmt.Errorf("create driver: %w", err)
	}

	opts := append([]Option{}, m.cfg.Options...)
	if m.cfg.Store != nil {
		opts = append(opts, WithRunStore(m.cfg.Store))
	}
	if m.cfg.NewPublisher != nil {
		if p := m.cfg.NewPublisher(id, cfg.Dispatch); p != nil {
			opts = append(opts, WithPublisher(p))
		}
	}
	sched := New(drv, &cfg, opts...)

	args := manifest.RunArgs()
	for _, arg := range args {
		if err := sched.AddRealization(arg); err != nil {
			return "", err
		}
	}

	if m.cfg.Store != nil {
		err := m.cfg.Store.CreateEnsemble(ctx, &types.Ensemble{
			ID:           id,
			Name:         manifest.Name,
			ExperimentID: manifest.ExperimentID,
			Backend:      drv.Name(),
			Size:         len(args),
		})
		if err != nil {
			return "", fmt.Errorf("record ensemble: %w", err)
		}
	}

	maxRunning := m.cfg.MaxRunning
	if manifest.MaxRunning > 0 {
		maxRunning = manifest.MaxRunning
	}

	run := &managedRun{sched: sched, done: make(chan struct{})}
	m.mu.Lock()
	m.runs[id] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(run.done)
		outcome, err := sched.Execute(m.ctx, maxRunning)
		m.mu.Lock()
		run.outcome = outcome
		run.err = err
		m.mu.Unlock()
		if err != nil {
			m.logger.Error("ensemble failed", slog.String("ensemble_id", id), slog.Any("error", err))
		}
	}()

	m.logger.Info("ensemble launched",
		slog.String("ensemble_id", id),
		slog.String("name", manifest.Name),
		slog.Int("realizations", len(args)),
		slog.String("driver", drv.Name()),
	)
	return id, nil
}

func (m *Manager) get(id string) (*managedRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrUnknownEnsemble
	}
	return run, nil
}

// Kill cancels a running ensemble.
func (m *Manager) Kill(id string) error {
	run, err := m.get(id)
	if err != nil {
		return err
	}
	run.sched.KillAllJobs()
	return nil
}

// StopLongRunning applies the stop policy to a running ensemble.
func (m *Manager) StopLongRunning(id string, minimum int) ([]int, error) {
	run, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return run.sched.StopLongRunningJobs(minimum), nil
}

// Info returns the progress of an ensemble.
func (m *Manager) Info(id string) (*RunInfo, error) {
	run, err := m.get(id)
	if err != nil {
		return nil, err
	}
	info := &RunInfo{EnsembleID: id, Results: run.sched.Results()}
	select {
	case <-run.done:
		info.Done = true
		m.mu.RLock()
		info.Outcome = run.outcome
		info.Err = run.err
		m.mu.RUnlock()
	default:
	}
	return info, nil
}

// Wait blocks until the ensemble has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*RunInfo, error) {
	run, err := m.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Info(id)
}

// Active returns the number of ensembles still executing.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, run := range m.runs {
		select {
		case <-run.done:
		default:
			n++
		}
	}
	return n
}

// Shutdown kills every running ensemble and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
