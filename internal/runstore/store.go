// Package runstore provides ensemble state persistence and event streaming.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/realsched/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrEnsembleNotFound = errors.New("ensemble not found")
	ErrEnsembleExists   = errors.New("ensemble already exists")
)

// Store defines the interface for ensemble persistence and event streaming.
// Implementations must be safe for concurrent use.
type Store interface {
	// Ensemble lifecycle
	CreateEnsemble(ctx context.Context, ens *types.Ensemble) error
	GetEnsemble(ctx context.Context, ensembleID string) (*types.Ensemble, error)
	ListEnsembles(ctx context.Context) ([]*types.Ensemble, error)
	UpdateEnsembleStatus(ctx context.Context, ensembleID string, update *EnsembleUpdate) error

	// Realization tracking. Updates that would move a realization back to an
	// earlier state within the same attempt are ignored.
	UpdateRealization(ctx context.Context, ensembleID string, status *types.RealizationStatus) error
	ListRealizations(ctx context.Context, ensembleID string) ([]types.RealizationStatus, error)

	// Event streaming
	// AppendEvent adds a status event to the ensemble's log and returns the stored entry.
	AppendEvent(ctx context.Context, ensembleID string, ev *types.StatusEvent) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, ensembleID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the ensemble.
	// The cleanup function must be called when done to release resources.
	Subscribe(ctx context.Context, ensembleID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// EnsembleUpdate changes the stored lifecycle of an ensemble.
type EnsembleUpdate struct {
	Status  types.EnsembleStatus
	Outcome types.Outcome
	Error   string
}

// Config holds configuration for Store implementations.
type Config struct {
	// Maximum number of events to keep per ensemble (ring buffer)
	EventMaxLen int64

	// TTL for ensembles (0 = no expiry)
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for Store configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         7 * 24 * time.Hour,
	}
}

// supersedes reports whether next may replace current.
func supersedes(current, next *types.RealizationStatus) bool {
	if current == nil {
		return true
	}
	if next.Attempt != current.Attempt {
		return next.Attempt > current.Attempt
	}
	return !next.State.Precedes(current.State)
}

func isTerminal(s types.EnsembleStatus) bool {
	switch s {
	case types.EnsembleStatusStopped, types.EnsembleStatusCancelled, types.EnsembleStatusFailed:
		return true
	}
	return false
}

// realizationFromEvent derives the realization status an event reports.
func realizationFromEvent(ev *types.StatusEvent) (*types.RealizationStatus, bool) {
	state := ev.State()
	if state == "" || ev.Data.Iens == nil {
		return nil, false
	}
	return &types.RealizationStatus{
		Iens:       *ev.Data.Iens,
		State:      state,
		Attempt:    ev.Data.Attempt,
		ReturnCode: ev.Data.ReturnCode,
		Message:    ev.Data.Message,
		UpdatedAt:  ev.Time,
	}, true
}

// Record appends ev to the ensemble's event log and, for realization
// events, updates the realization's status.
func Record(ctx context.Context, store Store, ensembleID string, ev *types.StatusEvent) error {
	if _, err := store.AppendEvent(ctx, ensembleID, ev); err != nil {
		return err
	}
	if st, ok := realizationFromEvent(ev); ok {
		return store.UpdateRealization(ctx, ensembleID, st)
	}
	return nil
}
