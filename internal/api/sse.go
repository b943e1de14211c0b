package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/realsched/internal/metrics"
	"github.com/flexinfer/realsched/pkg/types"
)

// Event types the stream adds around stored events.
const (
	EventTypeHello     = "hello"
	EventTypeStreamEnd = "stream_end"
)

// StreamEvents handles GET /api/v1/ensembles/{id}/events
// It replays the stored event log after Last-Event-ID (or from the start)
// and then streams new events until the ensemble finishes.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ensembleID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	if _, err := h.store.GetEnsemble(ctx, ensembleID); err != nil {
		h.storeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Subscribe before replaying so nothing falls between the two; events
	// seen in both are skipped by sequence number.
	eventCh, cleanup, err := h.store.Subscribe(ctx, ensembleID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.logger.With(
		slog.String("ensemble_id", ensembleID),
		slog.String("request_id", requestID),
	)
	logger.Info("SSE connection opened", slog.String("remote_addr", r.RemoteAddr))

	h.writeSSE(w, flusher, &types.Event{
		ID:         "0",
		EnsembleID: ensembleID,
		Type:       EventTypeHello,
		Timestamp:  time.Now().UTC(),
	})

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	var lastSeq int64
	if n, err := strconv.ParseInt(lastEventID, 10, 64); err == nil && n > 0 {
		lastSeq = n
	} else {
		// The hello event and unparseable ids replay from the start.
		lastEventID = ""
	}

	history, err := h.store.GetEventsSince(ctx, ensembleID, lastEventID)
	if err != nil {
		logger.Error("failed to get historical events", slog.Any("error", err))
	}
	for _, evt := range history {
		h.writeSSE(w, flusher, evt)
		lastSeq = max(lastSeq, eventSeq(evt))
	}

	heartbeat := time.NewTicker(h.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("SSE connection closed",
				slog.Duration("duration", time.Since(startTime)),
				slog.String("reason", "client_disconnect"),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(ctx, w, flusher, ensembleID)
				logger.Info("SSE connection closed",
					slog.Duration("duration", time.Since(startTime)),
					slog.String("reason", "ensemble_finished"),
				)
				return
			}
			if seq := eventSeq(evt); seq > 0 && seq <= lastSeq {
				continue
			}
			h.writeSSE(w, flusher, evt)
			lastSeq = max(lastSeq, eventSeq(evt))

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

func (h *Handlers) heartbeatInterval() time.Duration {
	if h.config.SSEHeartbeat > 0 {
		return h.config.SSEHeartbeat
	}
	return 15 * time.Second
}

func eventSeq(evt *types.Event) int64 {
	n, err := strconv.ParseInt(evt.ID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Debug("failed to write SSE comment", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final event carrying the ensemble's status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, ensembleID string) {
	evt := &types.Event{
		ID:         "final",
		EnsembleID: ensembleID,
		Type:       EventTypeStreamEnd,
		Timestamp:  time.Now().UTC(),
	}
	if ens, err := h.store.GetEnsemble(ctx, ensembleID); err == nil {
		data := map[string]interface{}{"status": ens.Status}
		if ens.Outcome != "" {
			data["outcome"] = ens.Outcome
		}
		if ens.Error != "" {
			data["error"] = ens.Error
		}
		evt.Data, _ = json.Marshal(data)
	}
	h.writeSSE(w, flusher, evt)
}
