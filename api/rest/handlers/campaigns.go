package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"campaign-pipeline/core/models"
	"campaign-pipeline/core/registry"
	"campaign-pipeline/storage"

	"github.com/gorilla/mux"
)

// CampaignHandler serves campaign views annotated with run state
type CampaignHandler struct {
	campaigns storage.CampaignSource
	registry  *registry.Registry
	logger    *slog.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaigns storage.CampaignSource, reg *registry.Registry, logger *slog.Logger) *CampaignHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CampaignHandler{
		campaigns: campaigns,
		registry:  reg,
		logger:    logger,
	}
}

// RunView is the last known run of a campaign
type RunView struct {
	RunID      string          `json:"run_id"`
	State      models.RunState `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// CampaignView is a campaign plus whether its Run control should be enabled
type CampaignView struct {
	ID        models.CampaignRunKey `json:"id"`
	Name      string                `json:"name"`
	UpdatedAt time.Time             `json:"updated_at"`
	Running   bool                  `json:"running"`
	LastRun   *RunView              `json:"last_run,omitempty"`
}

// ListCampaignsResponse is the body of GET /campaigns
type ListCampaignsResponse struct {
	Campaigns []CampaignView `json:"campaigns"`
}

// ListCampaigns handles GET /campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.campaigns.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list campaigns", "error", err)
		writeError(w, http.StatusInternalServerError, "campaign_list_failed")
		return
	}

	views := make([]CampaignView, 0, len(campaigns))
	for _, c := range campaigns {
		views = append(views, h.view(c))
	}
	writeJSON(w, http.StatusOK, ListCampaignsResponse{Campaigns: views})
}

// GetCampaign handles GET /campaigns/{id}
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	key := models.CampaignRunKey(mux.Vars(r)["id"])
	if err := storage.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_campaign_id")
		return
	}

	c, err := h.campaigns.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrCampaignNotFound) {
			writeError(w, http.StatusNotFound, "campaign_not_found")
			return
		}
		h.logger.Error("failed to load campaign", "campaign", string(key), "error", err)
		writeError(w, http.StatusInternalServerError, "campaign_lookup_failed")
		return
	}
	writeJSON(w, http.StatusOK, h.view(c))
}

func (h *CampaignHandler) view(c models.Campaign) CampaignView {
	v := CampaignView{
		ID:        c.ID,
		Name:      c.Name,
		UpdatedAt: c.UpdatedAt,
	}
	if rec, ok := h.registry.Record(c.ID); ok {
		v.Running = rec.State == models.RunStateRunning
		v.LastRun = &RunView{
			RunID:      rec.RunID,
			State:      rec.State,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		}
	}
	return v
}
