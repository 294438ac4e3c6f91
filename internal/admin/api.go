// Package admin implements the REST surface used to manage server
// registrations and to inspect hub status.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcphub/mcp-hub/internal/catalog"
	"github.com/mcphub/mcp-hub/internal/gateway"
	"github.com/mcphub/mcp-hub/internal/registry"
)

// refreshTimeout bounds the best-effort catalog refresh that follows a
// create or delete. Refresh failure never rolls back the admin operation.
const refreshTimeout = 10 * time.Second

// ServerCreateRequest is the JSON body for registering a server.
type ServerCreateRequest struct {
	Name        string            `json:"name"`
	BaseURL     string            `json:"base_url"`
	MCPEndpoint string            `json:"mcp_endpoint"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Headers     map[string]string `json:"headers"`
}

// McpServerConfigItem is one entry of a client config blob.
type McpServerConfigItem struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// McpServersConfigResponse is the config blob an MCP client can paste into
// its mcpServers section to reach one registered server through the hub.
type McpServersConfigResponse struct {
	McpServers map[string]McpServerConfigItem `json:"mcpServers"`
}

// API exposes the admin handlers.
type API struct {
	registry  *registry.Registry
	catalog   *catalog.Store
	gateway   *gateway.Gateway
	authToken string
	logger    *slog.Logger
}

// New creates the admin API. An empty authToken leaves the surface
// unauthenticated.
func New(reg *registry.Registry, cat *catalog.Store, gw *gateway.Gateway, authToken string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		registry:  reg,
		catalog:   cat,
		gateway:   gw,
		authToken: authToken,
		logger:    logger,
	}
}

// Register mounts the admin routes. Method checks are handled by the mux
// method patterns.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/servers", a.createServer)
	mux.HandleFunc("GET /api/servers", a.listServers)
	mux.HandleFunc("GET /api/servers/{id}", a.getServer)
	mux.HandleFunc("DELETE /api/servers/{id}", a.deleteServer)
	mux.HandleFunc("GET /api/servers/{id}/mcp-config", a.mcpConfig)
	mux.HandleFunc("POST /api/config", a.importConfig)
	mux.HandleFunc("GET /status", a.status)
	mux.HandleFunc("GET /healthz", a.healthz)
}

func (a *API) createServer(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}

	var payload ServerCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := a.registry.Create(registry.CreateParams{
		Name:        payload.Name,
		BaseURL:     payload.BaseURL,
		MCPEndpoint: payload.MCPEndpoint,
		Description: payload.Description,
		Tags:        payload.Tags,
		Headers:     payload.Headers,
	})
	switch {
	case errors.Is(err, registry.ErrNameConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, registry.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.refreshBestEffort(rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) listServers(w http.ResponseWriter, _ *http.Request) {
	records := a.registry.List()
	writeJSON(w, http.StatusOK, records)
}

func (a *API) getServer(w http.ResponseWriter, r *http.Request) {
	rec := a.registry.Get(r.PathValue("id"))
	if rec == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) deleteServer(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}

	serverID := r.PathValue("id")
	if a.registry.Get(serverID) == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	a.registry.Delete(serverID)
	a.refreshBestEffort(serverID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) mcpConfig(w http.ResponseWriter, r *http.Request) {
	rec := a.registry.Get(r.PathValue("id"))
	if rec == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	writeJSON(w, http.StatusOK, McpServersConfigResponse{
		McpServers: map[string]McpServerConfigItem{
			rec.Name: {
				URL:     fmt.Sprintf("%s://%s/mcp/", scheme, r.Host),
				Headers: map[string]string{gateway.ServerIDHeader: rec.ID},
			},
		},
	})
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// refreshBestEffort re-syncs hub state after a registry mutation. Failures
// are logged and never surfaced to the admin caller.
func (a *API) refreshBestEffort(serverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	a.gateway.RefreshServer(ctx, serverID)
}

func (a *API) authorized(w http.ResponseWriter, r *http.Request) bool {
	if a.authToken == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+a.authToken {
		a.logger.Warn("unauthorized admin request", "path", r.URL.Path)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
