package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/pkg/types"
)

// RedisStore implements Store backed by Redis.
// Uses Redis Streams for the event log and hashes for ensemble metadata.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	logger    *slog.Logger
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "realsched")
	Prefix string

	// TTL for ensemble data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps each ensemble's event stream (approximate)
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "realsched",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "realsched"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
		logger:    logger.With(slog.String("component", "runstore")),
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(id string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, id) }
func (s *RedisStore) keyReals(id string) string  { return fmt.Sprintf("%s:%s:reals", s.prefix, id) }
func (s *RedisStore) keyEvents(id string) string { return fmt.Sprintf("%s:%s:events", s.prefix, id) }
func (s *RedisStore) keySeq(id string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, id) }

func observe(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RunStoreOperations.WithLabelValues(op, result).Inc()
}

// setTTL refreshes TTL on all keys for an ensemble.
func (s *RedisStore) setTTL(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(id), s.ttl)
	pipe.Expire(ctx, s.keyReals(id), s.ttl)
	pipe.Expire(ctx, s.keyEvents(id), s.ttl)
	pipe.Expire(ctx, s.keySeq(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to set TTL for ensemble", slog.String("ensemble_id", id), slog.Any("error", err))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// CreateEnsemble creates a new ensemble record.
func (s *RedisStore) CreateEnsemble(ctx context.Context, ens *types.Ensemble) (err error) {
	defer func() { observe("create_ensemble", err) }()

	if ens.ID == "" {
		return fmt.Errorf("ensemble id is required")
	}

	now := time.Now().UTC()
	status := ens.Status
	if status == "" {
		status = types.EnsembleStatusQueued
	}
	metadata, _ := json.Marshal(ens.Metadata)

	created, err := s.client.HSetNX(ctx, s.keyMeta(ens.ID), "id", ens.ID).Result()
	if err != nil {
		return fmt.Errorf("create ensemble: %w", err)
	}
	if !created {
		return ErrEnsembleExists
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(ens.ID), map[string]interface{}{
		"name":          ens.Name,
		"experiment_id": ens.ExperimentID,
		"status":        string(status),
		"backend":       ens.Backend,
		"size":          ens.Size,
		"outcome":       string(ens.Outcome),
		"started_at":    formatTime(ens.StartedAt),
		"finished_at":   formatTime(ens.FinishedAt),
		"error":         ens.Error,
		"metadata":      string(metadata),
		"created_at":    now.Format(time.RFC3339Nano),
		"updated_at":    now.Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, s.keySeq(ens.ID), "0", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create ensemble: %w", err)
	}

	s.setTTL(ctx, ens.ID)
	return nil
}

func ensembleFromHash(meta map[string]string) *types.Ensemble {
	ens := &types.Ensemble{
		ID:           meta["id"],
		Name:         meta["name"],
		ExperimentID: meta["experiment_id"],
		Status:       types.EnsembleStatus(meta["status"]),
		Backend:      meta["backend"],
		Outcome:      types.Outcome(meta["outcome"]),
		StartedAt:    parseTime(meta["started_at"]),
		FinishedAt:   parseTime(meta["finished_at"]),
		Error:        meta["error"],
	}
	ens.Size, _ = strconv.Atoi(meta["size"])
	if t := parseTime(meta["created_at"]); t != nil {
		ens.CreatedAt = *t
	}
	if t := parseTime(meta["updated_at"]); t != nil {
		ens.UpdatedAt = *t
	}
	if m := meta["metadata"]; m != "" && m != "null" {
		_ = json.Unmarshal([]byte(m), &ens.Metadata)
	}
	return ens
}

// GetEnsemble returns the ensemble metadata.
func (s *RedisStore) GetEnsemble(ctx context.Context, ensembleID string) (*types.Ensemble, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(ensembleID)).Result()
	observe("get_ensemble", err)
	if err != nil {
		return nil, fmt.Errorf("get ensemble: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrEnsembleNotFound
	}
	return ensembleFromHash(meta), nil
}

// ListEnsembles returns all ensembles, oldest first.
func (s *RedisStore) ListEnsembles(ctx context.Context) ([]*types.Ensemble, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var ids []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			observe("list_ensembles", err)
			return nil, fmt.Errorf("scan ensembles: %w", err)
		}
		for _, key := range keys {
			// prefix:id:meta
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":"), ":meta")
			ids = append(ids, id)
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	out := make([]*types.Ensemble, 0, len(ids))
	for _, id := range ids {
		ens, err := s.GetEnsemble(ctx, id)
		if errors.Is(err, ErrEnsembleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ens)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	observe("list_ensembles", nil)
	return out, nil
}

// UpdateEnsembleStatus updates the ensemble's lifecycle fields.
func (s *RedisStore) UpdateEnsembleStatus(ctx context.Context, ensembleID string, update *EnsembleUpdate) (err error) {
	defer func() { observe("update_ensemble", err) }()

	meta, err := s.client.HMGet(ctx, s.keyMeta(ensembleID), "id", "started_at").Result()
	if err != nil {
		return fmt.Errorf("get ensemble: %w", err)
	}
	if meta[0] == nil {
		return ErrEnsembleNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]interface{}{
		"status":     string(update.Status),
		"updated_at": now,
	}
	if update.Outcome != "" {
		fields["outcome"] = string(update.Outcome)
	}
	if update.Error != "" {
		fields["error"] = update.Error
	}
	if started, _ := meta[1].(string); update.Status == types.EnsembleStatusRunning && started == "" {
		fields["started_at"] = now
	}
	if isTerminal(update.Status) {
		fields["finished_at"] = now
	}

	if err := s.client.HSet(ctx, s.keyMeta(ensembleID), fields).Err(); err != nil {
		return fmt.Errorf("update ensemble status: %w", err)
	}
	s.setTTL(ctx, ensembleID)
	return nil
}

// UpdateRealization stores a realization status unless it would regress the
// stored one. The read-compare-write runs in a WATCH transaction.
func (s *RedisStore) UpdateRealization(ctx context.Context, ensembleID string, status *types.RealizationStatus) (err error) {
	defer func() { observe("update_realization", err) }()

	key := s.keyReals(ensembleID)
	field := strconv.Itoa(status.Iens)
	st := *status
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&st)
	if err != nil {
		return fmt.Errorf("marshal realization: %w", err)
	}

	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, field).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if raw != "" {
			var current types.RealizationStatus
			if json.Unmarshal([]byte(raw), &current) == nil && !supersedes(&current, &st) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, string(payload))
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("update realization: %w", err)
	}
	s.setTTL(ctx, ensembleID)
	return nil
}

// ListRealizations returns all realization statuses ordered by index.
func (s *RedisStore) ListRealizations(ctx context.Context, ensembleID string) ([]types.RealizationStatus, error) {
	raw, err := s.client.HGetAll(ctx, s.keyReals(ensembleID)).Result()
	observe("list_realizations", err)
	if err != nil {
		return nil, fmt.Errorf("list realizations: %w", err)
	}

	out := make([]types.RealizationStatus, 0, len(raw))
	for _, v := range raw {
		var st types.RealizationStatus
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iens < out[j].Iens })
	return out, nil
}

// AppendEvent adds an event to the ensemble's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, ensembleID string, ev *types.StatusEvent) (_ *types.Event, err error) {
	defer func() { observe("append_event", err) }()

	seq, err := s.client.Incr(ctx, s.keySeq(ensembleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)
	dataBytes, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	event := &types.Event{
		ID:         eventID,
		EnsembleID: ensembleID,
		Type:       ev.Type,
		Iens:       ev.Data.Iens,
		Timestamp:  now,
		Data:       dataBytes,
	}

	values := map[string]interface{}{
		"seq":  eventID,
		"ts":   now.Format(time.RFC3339Nano),
		"type": ev.Type,
		"data": string(dataBytes),
	}
	if ev.Data.Iens != nil {
		values["iens"] = strconv.Itoa(*ev.Data.Iens)
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(ensembleID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, ensembleID)
	return event, nil
}

func eventFromEntry(ensembleID string, entry redis.XMessage) *types.Event {
	seq, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)

	event := &types.Event{
		ID:         seq,
		EnsembleID: ensembleID,
		Type:       eventType,
		Data:       json.RawMessage(data),
	}
	if t := parseTime(ts); t != nil {
		event.Timestamp = *t
	}
	if s, ok := entry.Values["iens"].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			event.Iens = &n
		}
	}
	return event
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, ensembleID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(ensembleID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		observe("get_events", err)
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		ev := eventFromEntry(ensembleID, entry)
		seq, _ := strconv.ParseInt(ev.ID, 10, 64)
		if lastSeq > 0 && seq <= lastSeq {
			continue
		}
		events = append(events, ev)
	}
	observe("get_events", nil)
	return events, nil
}

// Subscribe returns a channel that receives new events. The channel is
// closed when ctx ends, cleanup is called, or the ensemble reaches a
// terminal status.
func (s *RedisStore) Subscribe(ctx context.Context, ensembleID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(ensembleID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check ensemble exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrEnsembleNotFound
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan *types.Event, 100)
	go s.streamReader(subCtx, ensembleID, ch)

	return ch, cancel, nil
}

// streamReader reads from the Redis stream and pushes to ch, which it owns.
func (s *RedisStore) streamReader(ctx context.Context, ensembleID string, ch chan *types.Event) {
	defer close(ch)
	lastID := "$" // Start from latest

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(ensembleID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				if s.finished(ctx, ensembleID) {
					return
				}
				continue
			}
			// On error, wait briefly then retry
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				select {
				case ch <- eventFromEntry(ensembleID, entry):
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

func (s *RedisStore) finished(ctx context.Context, ensembleID string) bool {
	status, err := s.client.HGet(ctx, s.keyMeta(ensembleID), "status").Result()
	if err != nil {
		return errors.Is(err, redis.Nil)
	}
	return isTerminal(types.EnsembleStatus(status))
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
