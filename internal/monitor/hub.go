// Package monitor receives status events from running ensembles and fans
// them out to watchers.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/internal/runstore"
	"github.com/flexinfer/realsched/pkg/types"
)

// TokenHeader is the handshake header publishers authenticate with.
const TokenHeader = "token"

// AllStreams subscribes a watcher to every ensemble.
const AllStreams = "*"

// TokenVerifier checks a dispatch token for an ensemble. *auth.TokenIssuer
// implements it.
type TokenVerifier interface {
	Verify(token, ensembleID string) error
}

// message is one event routed to the watchers of an ensemble.
type message struct {
	ensembleID string
	raw        []byte
}

// Hub maintains the set of active watchers and broadcasts events to them,
// filtering by ensemble.
type Hub struct {
	// Watchers by ensemble ID
	clients map[string]map[*client]bool

	// Watchers subscribed to all ensembles
	globalClients map[*client]bool

	mu sync.RWMutex

	messages   chan *message
	register   chan *client
	unregister chan *client
	done       chan struct{}

	store          runstore.Store
	known          sync.Map // ensemble IDs present in store
	tokens         TokenVerifier
	staticToken    string
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
	logger         *slog.Logger
}

// Config holds Hub configuration.
type Config struct {
	// Store records every received event. Optional.
	Store runstore.Store

	// Tokens verifies dispatch tokens. When nil, StaticToken is compared
	// instead; when both are empty, publishers are not authenticated.
	Tokens      TokenVerifier
	StaticToken string

	// AllowedOrigins for watcher connections (empty allows all)
	AllowedOrigins []string

	Logger *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(cfg *Config) *Hub {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowedOrigins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowedOrigins[origin] = true
	}

	h := &Hub{
		clients:        make(map[string]map[*client]bool),
		globalClients:  make(map[*client]bool),
		messages:       make(chan *message, 256),
		register:       make(chan *client),
		unregister:     make(chan *client),
		done:           make(chan struct{}),
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		staticToken:    cfg.StaticToken,
		allowedOrigins: allowedOrigins,
		logger:         logger.With(slog.String("component", "monitor")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Routes mounts the dispatch and watcher endpoints on r. Publishers
// authenticate with their dispatch token; protect, when set, wraps the
// watcher endpoint.
func (h *Hub) Routes(r *mux.Router, protect func(http.Handler) http.Handler) {
	r.HandleFunc("/dispatch/{ensemble}", func(w http.ResponseWriter, r *http.Request) {
		h.ServeDispatch(w, r, mux.Vars(r)["ensemble"])
	}).Methods(http.MethodGet)

	var watch http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWatch(w, r, r.URL.Query().Get("stream"))
	})
	if protect != nil {
		watch = protect(watch)
	}
	r.Handle("/ws", watch).Methods(http.MethodGet)
}

// Run routes registrations and broadcasts until ctx is done. Watchers still
// connected at that point are disconnected.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.unregisterClient(c)

		case msg := <-h.messages:
			h.broadcast(msg)

		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return
		}
	}
}

func (h *Hub) registerClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.stream == "" || c.stream == AllStreams {
		h.globalClients[c] = true
	} else {
		if h.clients[c.stream] == nil {
			h.clients[c.stream] = make(map[*client]bool)
		}
		h.clients[c.stream][c] = true
	}
	metrics.MonitorConnections.WithLabelValues("watcher").Inc()
	h.logger.Debug("watcher registered", slog.String("stream", c.stream))
}

func (h *Hub) unregisterClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked drops c and closes its send channel. Callers hold mu.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.globalClients[c]; ok {
		delete(h.globalClients, c)
	} else if clients, ok := h.clients[c.stream]; ok && clients[c] {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, c.stream)
		}
	} else {
		return
	}
	close(c.send)
	metrics.MonitorConnections.WithLabelValues("watcher").Dec()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.globalClients {
		h.removeLocked(c)
	}
	for _, clients := range h.clients {
		for c := range clients {
			h.removeLocked(c)
		}
	}
}

func (h *Hub) broadcast(msg *message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.globalClients {
		h.sendToClient(c, msg.raw)
	}
	for c := range h.clients[msg.ensembleID] {
		h.sendToClient(c, msg.raw)
	}
}

func (h *Hub) sendToClient(c *client, raw []byte) {
	select {
	case c.send <- raw:
	default:
		h.logger.Warn("watcher buffer full, dropping message", slog.String("stream", c.stream))
	}
}

// ClientCount returns the number of connected watchers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := len(h.globalClients)
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	if h.allowedOrigins["*"] || h.allowedOrigins[origin] {
		return true
	}
	h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
	return false
}

func (h *Hub) authorize(r *http.Request, ensembleID string) error {
	token := r.Header.Get(TokenHeader)
	switch {
	case h.tokens != nil:
		return h.tokens.Verify(token, ensembleID)
	case h.staticToken != "":
		if token != h.staticToken {
			return errors.New("token mismatch")
		}
	}
	return nil
}

// ServeDispatch accepts a publisher connection for one ensemble and records
// every event it sends.
func (h *Hub) ServeDispatch(w http.ResponseWriter, r *http.Request, ensembleID string) {
	if err := h.authorize(r, ensembleID); err != nil {
		h.logger.Warn("dispatch auth failed",
			slog.String("ensemble_id", ensembleID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err),
		)
		http.Error(w, `{"error": "authentication required"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	metrics.MonitorConnections.WithLabelValues("dispatch").Inc()
	defer metrics.MonitorConnections.WithLabelValues("dispatch").Dec()

	logger := h.logger.With(slog.String("ensemble_id", ensembleID))
	logger.Info("dispatch connected")

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("dispatch connection lost", slog.Any("error", err))
			} else {
				logger.Info("dispatch disconnected")
			}
			return
		}
		if err := h.handleEvent(r.Context(), ensembleID, data); err != nil {
			logger.Warn("rejected event", slog.Any("error", err))
		}
	}
}

// handleEvent records one published event and forwards it to watchers.
func (h *Hub) handleEvent(ctx context.Context, ensembleID string, data []byte) error {
	var ev types.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	source, _, err := types.ParseSource(ev.Source)
	if err != nil {
		return err
	}
	if source != ensembleID {
		return fmt.Errorf("event for ensemble %q on connection for %q", source, ensembleID)
	}
	metrics.MonitorEvents.WithLabelValues(ev.Type).Inc()

	if h.store != nil {
		if err := h.record(ctx, ensembleID, &ev); err != nil {
			h.logger.Error("failed to record event",
				slog.String("ensemble_id", ensembleID),
				slog.String("event_id", ev.ID),
				slog.Any("error", err),
			)
		}
	}

	select {
	case h.messages <- &message{ensembleID: ensembleID, raw: data}:
	default:
		h.logger.Warn("message queue full, dropping message", slog.String("ensemble_id", ensembleID))
	}
	return nil
}

// record stores ev, registering ensembles the store has not seen. Those are
// runs started outside this service that report here.
func (h *Hub) record(ctx context.Context, ensembleID string, ev *types.StatusEvent) error {
	if err := h.ensureEnsemble(ctx, ensembleID); err != nil {
		return err
	}
	if err := runstore.Record(ctx, h.store, ensembleID, ev); err != nil {
		return err
	}

	var status types.EnsembleStatus
	switch ev.Type {
	case types.EventTypeEnsembleStopped:
		status = types.EnsembleStatusStopped
	case types.EventTypeEnsembleCancelled:
		status = types.EnsembleStatusCancelled
	default:
		return nil
	}
	outcome := types.OutcomeStopped
	if status == types.EnsembleStatusCancelled {
		outcome = types.OutcomeCancelled
	}
	return h.store.UpdateEnsembleStatus(ctx, ensembleID, &runstore.EnsembleUpdate{
		Status:  status,
		Outcome: outcome,
		Error:   ev.Data.Message,
	})
}

func (h *Hub) ensureEnsemble(ctx context.Context, ensembleID string) error {
	if _, ok := h.known.Load(ensembleID); ok {
		return nil
	}
	_, err := h.store.GetEnsemble(ctx, ensembleID)
	if errors.Is(err, runstore.ErrEnsembleNotFound) {
		ens := &types.Ensemble{ID: ensembleID, Status: types.EnsembleStatusRunning}
		err = h.store.CreateEnsemble(ctx, ens)
		if errors.Is(err, runstore.ErrEnsembleExists) {
			err = nil
		}
	}
	if err != nil {
		return err
	}
	h.known.Store(ensembleID, struct{}{})
	return nil
}

// ServeWatch upgrades a watcher connection subscribed to stream.
func (h *Hub) ServeWatch(w http.ResponseWriter, r *http.Request, stream string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	if stream == "" {
		stream = AllStreams
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		stream: stream,
	}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
