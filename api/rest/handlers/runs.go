package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"campaign-pipeline/core/models"
	"campaign-pipeline/core/registry"
	"campaign-pipeline/core/runner"
	"campaign-pipeline/core/stream"
	"campaign-pipeline/storage"

	"github.com/gorilla/mux"
)

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	campaigns storage.CampaignSource
	runner    *runner.Runner
	registry  *registry.Registry
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewRunHandler creates a new run handler. heartbeat is the idle interval
// between SSE keep-alive comments.
func NewRunHandler(
	campaigns storage.CampaignSource,
	r *runner.Runner,
	reg *registry.Registry,
	heartbeat time.Duration,
	logger *slog.Logger,
) *RunHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{
		campaigns: campaigns,
		runner:    r,
		registry:  reg,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// RunningResponse lists the campaigns with an active run
type RunningResponse struct {
	Running []models.CampaignRunKey `json:"running"`
}

// CancelResponse acknowledges a cancel request
type CancelResponse struct {
	CampaignID models.CampaignRunKey `json:"campaign_id"`
	Status     string                `json:"status"`
}

// GenerateLive handles POST /campaigns/{id}/generate-live
func (h *RunHandler) GenerateLive(w http.ResponseWriter, r *http.Request) {
	key, ok := h.lookupCampaign(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	handle, src, err := h.runner.Trigger(key)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "already_running")
		case errors.Is(err, runner.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "shutting_down")
		default:
			h.logger.Error("failed to trigger run", "campaign", string(key), "error", err)
			writeError(w, http.StatusInternalServerError, "trigger_failed")
		}
		return
	}
	defer src.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Run-Id", handle.RunID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.stream(r.Context(), w, flusher, src, key)
}

// stream forwards run events until the run ends or the client goes away
func (h *RunHandler) stream(ctx context.Context, w io.Writer, flusher http.Flusher, src *stream.Source, key models.CampaignRunKey) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
		d, err := src.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := writeSSE(w, strconv.Itoa(d.Seq), d.Event); err != nil {
				h.logger.Info("stream client gone", "campaign", string(key), "error", err)
				return
			}
			flusher.Flush()
		case errors.Is(err, io.EOF):
			return
		case ctx.Err() != nil:
			h.logger.Info("stream client disconnected", "campaign", string(key))
			return
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		default:
			h.logger.Warn("stream read failed", "campaign", string(key), "error", err)
			return
		}
	}
}

func writeSSE(w io.Writer, id string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", id, blob)
	return err
}

// CancelRun handles POST /campaigns/{id}/cancel
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	key := models.CampaignRunKey(mux.Vars(r)["id"])
	if err := storage.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_campaign_id")
		return
	}

	if err := h.runner.Cancel(key); err != nil {
		if errors.Is(err, runner.ErrNotRunning) {
			writeError(w, http.StatusConflict, "not_running")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel_failed")
		return
	}

	writeJSON(w, http.StatusAccepted, CancelResponse{CampaignID: key, Status: "cancelling"})
}

// ListRunning handles GET /runs
func (h *RunHandler) ListRunning(w http.ResponseWriter, r *http.Request) {
	running := h.registry.RunningKeys()
	if running == nil {
		running = []models.CampaignRunKey{}
	}
	writeJSON(w, http.StatusOK, RunningResponse{Running: running})
}

// lookupCampaign validates the path id and checks the campaign exists
func (h *RunHandler) lookupCampaign(w http.ResponseWriter, r *http.Request) (models.CampaignRunKey, bool) {
	key := models.CampaignRunKey(mux.Vars(r)["id"])
	if err := storage.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_campaign_id")
		return "", false
	}

	if _, err := h.campaigns.Get(r.Context(), key); err != nil {
		if errors.Is(err, storage.ErrCampaignNotFound) {
			writeError(w, http.StatusNotFound, "campaign_not_found")
			return "", false
		}
		h.logger.Error("failed to load campaign", "campaign", string(key), "error", err)
		writeError(w, http.StatusInternalServerError, "campaign_lookup_failed")
		return "", false
	}
	return key, true
}
