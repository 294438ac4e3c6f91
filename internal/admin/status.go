package admin

import (
	"net/http"
	"time"
)

// ServerStatus summarizes one registered server and its catalog slice.
type ServerStatus struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	BaseURL     string   `json:"baseUrl"`
	MCPEndpoint string   `json:"mcpEndpoint"`
	Status      string   `json:"status"`
	ToolCount   int      `json:"toolCount"`
	Tools       []string `json:"tools"`
}

// StatusResponse is the hub-wide status document.
type StatusResponse struct {
	Servers      []ServerStatus `json:"servers"`
	TotalServers int            `json:"totalServers"`
	TotalTools   int            `json:"totalTools"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	records := a.registry.List()

	response := StatusResponse{
		Servers:      make([]ServerStatus, 0, len(records)),
		TotalServers: len(records),
		Timestamp:    time.Now().UTC(),
	}
	for _, rec := range records {
		entries := a.catalog.ListByServer(rec.ID)
		tools := make([]string, 0, len(entries))
		for _, entry := range entries {
			tools = append(tools, entry.PublicName)
		}
		response.Servers = append(response.Servers, ServerStatus{
			ID:          rec.ID,
			Name:        rec.Name,
			BaseURL:     rec.BaseURL,
			MCPEndpoint: rec.MCPEndpoint,
			Status:      rec.Status,
			ToolCount:   len(entries),
			Tools:       tools,
		})
		response.TotalTools += len(entries)
	}

	writeJSON(w, http.StatusOK, response)
}
