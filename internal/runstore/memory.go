package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/realsched/pkg/types"
)

// memoryEnsemble holds all state for a single ensemble in memory.
type memoryEnsemble struct {
	mu           sync.RWMutex
	meta         types.Ensemble
	realizations map[int]*types.RealizationStatus
	events       []*types.Event
	nextSeq      int64
	maxEvents    int64
	subscribers  map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	ensembles map[string]*memoryEnsemble
	config    *Config
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		ensembles: make(map[string]*memoryEnsemble),
		config:    cfg,
	}
}

func (s *MemoryStore) get(ensembleID string) (*memoryEnsemble, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ens, ok := s.ensembles[ensembleID]
	if !ok {
		return nil, ErrEnsembleNotFound
	}
	return ens, nil
}

func (s *MemoryStore) CreateEnsemble(ctx context.Context, ens *types.Ensemble) error {
	if ens.ID == "" {
		return fmt.Errorf("ensemble id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ensembles[ens.ID]; exists {
		return ErrEnsembleExists
	}

	now := time.Now().UTC()
	meta := *ens
	if meta.Status == "" {
		meta.Status = types.EnsembleStatusQueued
	}
	meta.CreatedAt = now
	meta.UpdatedAt = now

	s.ensembles[ens.ID] = &memoryEnsemble{
		meta:         meta,
		realizations: make(map[int]*types.RealizationStatus),
		nextSeq:      1,
		maxEvents:    s.config.EventMaxLen,
		subscribers:  make(map[chan *types.Event]struct{}),
	}
	return nil
}

func (s *MemoryStore) GetEnsemble(ctx context.Context, ensembleID string) (*types.Ensemble, error) {
	ens, err := s.get(ensembleID)
	if err != nil {
		return nil, err
	}

	ens.mu.RLock()
	defer ens.mu.RUnlock()
	meta := ens.meta
	return &meta, nil
}

func (s *MemoryStore) ListEnsembles(ctx context.Context) ([]*types.Ensemble, error) {
	s.mu.RLock()
	all := make([]*memoryEnsemble, 0, len(s.ensembles))
	for _, ens := range s.ensembles {
		all = append(all, ens)
	}
	s.mu.RUnlock()

	out := make([]*types.Ensemble, 0, len(all))
	for _, ens := range all {
		ens.mu.RLock()
		meta := ens.meta
		ens.mu.RUnlock()
		out = append(out, &meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateEnsembleStatus(ctx context.Context, ensembleID string, update *EnsembleUpdate) error {
	ens, err := s.get(ensembleID)
	if err != nil {
		return err
	}

	ens.mu.Lock()
	defer ens.mu.Unlock()

	now := time.Now().UTC()
	ens.meta.Status = update.Status
	ens.meta.UpdatedAt = now
	if update.Outcome != "" {
		ens.meta.Outcome = update.Outcome
	}
	if update.Error != "" {
		ens.meta.Error = update.Error
	}
	if update.Status == types.EnsembleStatusRunning && ens.meta.StartedAt == nil {
		ens.meta.StartedAt = &now
	}
	if isTerminal(update.Status) {
		ens.meta.FinishedAt = &now
		for ch := range ens.subscribers {
			close(ch)
		}
		ens.subscribers = make(map[chan *types.Event]struct{})
	}
	return nil
}

func (s *MemoryStore) UpdateRealization(ctx context.Context, ensembleID string, status *types.RealizationStatus) error {
	ens, err := s.get(ensembleID)
	if err != nil {
		return err
	}

	ens.mu.Lock()
	defer ens.mu.Unlock()

	if !supersedes(ens.realizations[status.Iens], status) {
		return nil
	}
	st := *status
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	ens.realizations[status.Iens] = &st
	ens.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRealizations(ctx context.Context, ensembleID string) ([]types.RealizationStatus, error) {
	ens, err := s.get(ensembleID)
	if err != nil {
		return nil, err
	}

	ens.mu.RLock()
	defer ens.mu.RUnlock()

	out := make([]types.RealizationStatus, 0, len(ens.realizations))
	for _, st := range ens.realizations {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iens < out[j].Iens })
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ensembleID string, ev *types.StatusEvent) (*types.Event, error) {
	ens, err := s.get(ensembleID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	ens.mu.Lock()

	event := &types.Event{
		ID:         fmt.Sprintf("%d", ens.nextSeq),
		EnsembleID: ensembleID,
		Type:       ev.Type,
		Iens:       ev.Data.Iens,
		Timestamp:  time.Now().UTC(),
		Data:       dataJSON,
	}
	ens.nextSeq++

	// Append to ring buffer
	if ens.maxEvents > 0 && int64(len(ens.events)) >= ens.maxEvents {
		ens.events = ens.events[1:]
	}
	ens.events = append(ens.events, event)
	ens.meta.UpdatedAt = time.Now().UTC()

	// Notify subscribers (non-blocking)
	for ch := range ens.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	ens.mu.Unlock()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, ensembleID string, lastEventID string) ([]*types.Event, error) {
	ens, err := s.get(ensembleID)
	if err != nil {
		return nil, err
	}

	ens.mu.RLock()
	defer ens.mu.RUnlock()

	if lastEventID == "" {
		result := make([]*types.Event, len(ens.events))
		copy(result, ens.events)
		return result, nil
	}

	var result []*types.Event
	found := false
	for _, evt := range ens.events {
		if found {
			result = append(result, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return result, nil
}

// Subscribe registers a subscriber. The channel is closed once the ensemble
// reaches a terminal status or the store is closed.
func (s *MemoryStore) Subscribe(ctx context.Context, ensembleID string) (<-chan *types.Event, func(), error) {
	ens, err := s.get(ensembleID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	ens.mu.Lock()
	if isTerminal(ens.meta.Status) {
		close(ch)
	} else {
		ens.subscribers[ch] = struct{}{}
	}
	ens.mu.Unlock()

	cleanup := func() {
		ens.mu.Lock()
		if _, ok := ens.subscribers[ch]; ok {
			delete(ens.subscribers, ch)
			close(ch)
		}
		ens.mu.Unlock()
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	count := len(s.ensembles)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":        "memory",
		"healthy":        true,
		"ensemble_count": count,
		"max_events":     s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ens := range s.ensembles {
		ens.mu.Lock()
		for ch := range ens.subscribers {
			close(ch)
		}
		ens.subscribers = make(map[chan *types.Event]struct{})
		ens.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
