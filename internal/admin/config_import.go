package admin

import (
	"fmt"
	"io"
	"net/http"

	"sigs.k8s.io/yaml"

	"github.com/mcphub/mcp-hub/internal/registry"
)

// importDoc is the YAML shape accepted by the bulk import endpoint.
type importDoc struct {
	Servers []struct {
		Name        string            `json:"name"`
		BaseURL     string            `json:"baseUrl"`
		MCPEndpoint string            `json:"mcpEndpoint"`
		Description string            `json:"description"`
		Tags        []string          `json:"tags"`
		Headers     map[string]string `json:"headers"`
	} `json:"servers"`
}

// importConfig replaces the registered server set from a YAML document.
// Records whose name is absent from the document are deleted; names already
// registered are left untouched (records have no update operation).
func (a *API) importConfig(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.logger.Error("failed to read request body", "error", err)
		writeError(w, http.StatusBadRequest, "failed to read request")
		return
	}
	defer func() { _ = r.Body.Close() }()

	var doc importDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		a.logger.Error("failed to parse config", "error", err)
		writeError(w, http.StatusBadRequest, "invalid YAML format")
		return
	}

	desired := map[string]bool{}
	for _, srv := range doc.Servers {
		desired[srv.Name] = true
	}

	for _, rec := range a.registry.List() {
		if !desired[rec.Name] {
			a.registry.Delete(rec.ID)
			a.refreshBestEffort(rec.ID)
		}
	}

	created := 0
	for _, srv := range doc.Servers {
		rec, err := a.registry.Create(registry.CreateParams{
			Name:        srv.Name,
			BaseURL:     srv.BaseURL,
			MCPEndpoint: srv.MCPEndpoint,
			Description: srv.Description,
			Tags:        srv.Tags,
			Headers:     srv.Headers,
		})
		if err != nil {
			// Existing names stay as they are; invalid entries are skipped.
			a.logger.Warn("skipping server from import", "server", srv.Name, "error", err)
			continue
		}
		created++
		a.refreshBestEffort(rec.ID)
	}

	a.logger.Info("configuration imported via API", "serverCount", len(doc.Servers), "created", created)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Configuration updated with %d servers", len(doc.Servers)),
	})
}
