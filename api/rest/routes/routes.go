package routes

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campaign-pipeline/api/rest/handlers"
	"campaign-pipeline/core/registry"
	"campaign-pipeline/core/runner"
	"campaign-pipeline/storage"

	"github.com/gorilla/mux"
)

// Deps are the services the HTTP API is built on
type Deps struct {
	Campaigns storage.CampaignSource
	Runner    *runner.Runner
	Registry  *registry.Registry
	Heartbeat time.Duration
	Logger    *slog.Logger

	// AssetDir is served under the path of AssetURLPrefix
	AssetDir       string
	AssetURLPrefix string
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, deps Deps) {
	runHandler := handlers.NewRunHandler(deps.Campaigns, deps.Runner, deps.Registry, deps.Heartbeat, deps.Logger)
	campaignHandler := handlers.NewCampaignHandler(deps.Campaigns, deps.Registry, deps.Logger)

	// Campaign endpoints
	r.HandleFunc("/campaigns", campaignHandler.ListCampaigns).Methods("GET")
	r.HandleFunc("/campaigns/{id}", campaignHandler.GetCampaign).Methods("GET")

	// Run endpoints
	r.HandleFunc("/campaigns/{id}/generate-live", runHandler.GenerateLive).Methods("POST")
	r.HandleFunc("/campaigns/{id}/cancel", runHandler.CancelRun).Methods("POST")
	r.HandleFunc("/runs", runHandler.ListRunning).Methods("GET")

	// Generated assets
	if deps.AssetDir != "" {
		prefix := AssetPathPrefix(deps.AssetURLPrefix)
		r.PathPrefix(prefix + "/").
			Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(deps.AssetDir)))).
			Methods("GET", "HEAD")
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}

// AssetPathPrefix is the local path asset URLs resolve to. A full URL
// prefix (for a CDN in front of this server) contributes only its path.
func AssetPathPrefix(urlPrefix string) string {
	p := urlPrefix
	if u, err := url.Parse(urlPrefix); err == nil && u.Host != "" {
		p = u.Path
	}
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return "/assets"
	}
	return p
}
