package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/realsched/internal/config"
	"github.com/flexinfer/realsched/internal/runstore"
	"github.com/flexinfer/realsched/internal/scheduler"
	"github.com/flexinfer/realsched/internal/validator"
	"github.com/flexinfer/realsched/pkg/types"
)

// maxManifestBytes bounds the size of a submitted manifest.
const maxManifestBytes = 10 << 20

// Controller launches and steers ensembles. *scheduler.Manager implements it.
type Controller interface {
	Launch(ctx context.Context, manifest *types.Manifest) (string, error)
	Kill(ensembleID string) error
	StopLongRunning(ensembleID string, minimum int) ([]int, error)
	Active() int
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.Store
	ctl       Controller
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.Store, ctl Controller, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		store:     store,
		ctl:       ctl,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the run store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	resp := map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	}
	if h.ctl != nil {
		resp["active_ensembles"] = h.ctl.Active()
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Ensembles ---

// CreateEnsembleResponse is the response body after launching an ensemble.
type CreateEnsembleResponse struct {
	EnsembleID string `json:"ensemble_id"`
	Status     string `json:"status"`
	EventsURL  string `json:"events_url"`
}

// EnsembleResponse is an ensemble with its realization tally.
type EnsembleResponse struct {
	*types.Ensemble
	Tally types.Tally `json:"tally"`
}

// CreateEnsemble handles POST /api/v1/ensembles
func (h *Handlers) CreateEnsemble(w http.ResponseWriter, r *http.Request) {
	if h.ctl == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "scheduler not available", errors.New("no controller configured"))
		return
	}
	manifest, ok := h.readManifest(w, r)
	if !ok {
		return
	}

	id, err := h.ctl.Launch(r.Context(), manifest)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrDuplicateRealization) {
			status = http.StatusUnprocessableEntity
		}
		h.respondError(w, r, status, "failed to launch ensemble", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateEnsembleResponse{
		EnsembleID: id,
		Status:     string(types.EnsembleStatusRunning),
		EventsURL:  "/api/v1/ensembles/" + id + "/events",
	})
}

// readManifest decodes and validates the request body, writing the error
// response itself when that fails.
func (h *Handlers) readManifest(w http.ResponseWriter, r *http.Request) (*types.Manifest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	if h.validator == nil {
		var m types.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return nil, false
		}
		return &m, true
	}
	manifest, res := h.validator.Load(body)
	if !res.Valid {
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, "manifest failed validation", res.Errors)
		return nil, false
	}
	return manifest, true
}

// ListEnsembles handles GET /api/v1/ensembles
func (h *Handlers) ListEnsembles(w http.ResponseWriter, r *http.Request) {
	ensembles, err := h.store.ListEnsembles(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list ensembles", err)
		return
	}
	if ensembles == nil {
		ensembles = []*types.Ensemble{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ensembles": ensembles,
		"count":     len(ensembles),
	})
}

// GetEnsemble handles GET /api/v1/ensembles/{id}
func (h *Handlers) GetEnsemble(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ens, err := h.store.GetEnsemble(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	reals, err := h.store.ListRealizations(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, EnsembleResponse{Ensemble: ens, Tally: types.TallyOf(reals)})
}

// ListRealizations handles GET /api/v1/ensembles/{id}/realizations
func (h *Handlers) ListRealizations(w http.ResponseWriter, r *http.Request) {
	reals, err := h.store.ListRealizations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if reals == nil {
		reals = []types.RealizationStatus{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"realizations": reals,
		"tally":        types.TallyOf(reals),
	})
}

// KillEnsemble handles POST /api/v1/ensembles/{id}/kill
func (h *Handlers) KillEnsemble(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.ctl == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "scheduler not available", errors.New("no controller configured"))
		return
	}
	if err := h.ctl.Kill(id); err != nil {
		h.controllerError(w, r, err)
		return
	}
	h.logger.Info("ensemble kill requested", slog.String("ensemble_id", id))
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"ensemble_id": id,
		"status":      "killing",
	})
}

// StopLongRunningRequest is the body of a stop-long-running request.
type StopLongRunningRequest struct {
	Minimum int `json:"minimum"`
}

// StopLongRunning handles POST /api/v1/ensembles/{id}/stop-long-running
func (h *Handlers) StopLongRunning(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.ctl == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "scheduler not available", errors.New("no controller configured"))
		return
	}

	var req StopLongRunningRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if req.Minimum < 0 {
		h.respondError(w, r, http.StatusBadRequest, "minimum must not be negative", nil)
		return
	}

	killed, err := h.ctl.StopLongRunning(id, req.Minimum)
	if err != nil {
		h.controllerError(w, r, err)
		return
	}
	if killed == nil {
		killed = []int{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ensemble_id": id,
		"killed":      killed,
	})
}

// ValidateManifest handles POST /api/v1/manifests/validate
func (h *Handlers) ValidateManifest(w http.ResponseWriter, r *http.Request) {
	if h.validator == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "validator not available", errors.New("no validator configured"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	_, res := h.validator.Load(body)
	h.respondJSON(w, http.StatusOK, res)
}

// --- helpers ---

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, runstore.ErrEnsembleNotFound) {
		h.respondError(w, r, http.StatusNotFound, "ensemble not found", err)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, "runstore error", err)
}

func (h *Handlers) controllerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, scheduler.ErrUnknownEnsemble) {
		h.respondError(w, r, http.StatusNotFound, "ensemble not running here", err)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, "request failed", err)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details interface{}
	if err != nil {
		details = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, slog.Any("error", err), slog.Int("status", status))
	} else {
		h.logger.Debug(message, slog.Any("error", err), slog.Int("status", status))
	}
	writeErrorResponse(w, r, status, message, details)
}
