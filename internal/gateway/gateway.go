// Package gateway terminates the hub's MCP endpoint and dispatches each
// request to a per-server sub-handler that proxies tool calls downstream.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcphub/mcp-hub/internal/catalog"
	"github.com/mcphub/mcp-hub/internal/registry"
	"github.com/mcphub/mcp-hub/internal/session"
)

// ServerIDHeader selects the target downstream server for a hub request.
const ServerIDHeader = "x-mcp-server-id"

// JSON-RPC error codes surfaced by the gateway itself.
const (
	CodeToolNotFound   = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeServerNotFound = -32004
	CodePrepareFailed  = -32050
)

// HubError is a gateway failure surfaced upstream as a JSON-RPC error.
type HubError struct {
	Code    int
	Message string
}

func (e *HubError) Error() string { return e.Message }

// caller is the slice of the downstream client the gateway needs.
type caller interface {
	Initialize(ctx context.Context, server *registry.ServerRecord) (string, error)
	CallTool(ctx context.Context, server *registry.ServerRecord, sessionID, toolName string, arguments map[string]any) (json.RawMessage, error)
}

// Gateway is the http.Handler mounted at /mcp/. Every request resolves its
// target server from the x-mcp-server-id header, refreshes that server's
// catalog slice, and is delegated to a freshly built stateless sub-handler.
type Gateway struct {
	registry *registry.Registry
	sessions *session.Store
	catalog  *catalog.Store
	client   caller
	version  string
	logger   *slog.Logger

	// mu serializes catalog refresh plus sub-handler construction so
	// concurrent requests for one server never observe a torn catalog.
	mu sync.Mutex
}

// New creates a Gateway over the given collaborators.
func New(reg *registry.Registry, sessions *session.Store, cat *catalog.Store, client caller, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry: reg,
		sessions: sessions,
		catalog:  cat,
		client:   client,
		version:  version,
		logger:   logger,
	}
}

// rpcProbe is the part of the incoming JSON-RPC body the gateway inspects
// before delegating: the id for error framing and the tool name for early
// not-found answers.
type rpcProbe struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

// ServeHTTP implements the hub's upstream MCP endpoint. Errors intrinsic to
// the gateway are framed as in-band JSON-RPC errors at HTTP 200 so upstream
// MCP clients keep their envelope parser path.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var probe rpcProbe
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic serving MCP request", "panic", rec)
			writeRPCError(w, probe.ID, CodeInternal, "internal error")
		}
	}()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			writeRPCError(w, nil, CodeInternal, "unsupported scope")
			return
		}
		_ = r.Body.Close()
	}
	// Best effort; an unparseable body is left for the sub-handler to reject.
	_ = json.Unmarshal(body, &probe)

	// Intake errors are framed with a null id regardless of the request id.
	serverID := strings.TrimSpace(r.Header.Get(ServerIDHeader))
	if serverID == "" {
		writeRPCError(w, nil, CodeInvalidParams, ServerIDHeader+" required")
		return
	}

	rec := g.registry.Get(serverID)
	if rec == nil {
		writeRPCError(w, nil, CodeServerNotFound, "target server not found")
		return
	}

	handler, err := g.prepareSubHandler(r.Context(), rec)
	if err != nil {
		g.logger.Error("failed to prepare target server", "server", rec.Name, "error", err)
		writeRPCError(w, probe.ID, CodePrepareFailed, "failed to prepare target server")
		return
	}

	// A public name owned by another server is not callable through this
	// server's sub-handler.
	if probe.Method == "tools/call" {
		entry := g.catalog.Get(probe.Params.Name)
		if entry == nil || entry.SourceServerID != rec.ID {
			writeRPCError(w, probe.ID, CodeToolNotFound, "tool not found: "+probe.Params.Name)
			return
		}
	}

	// The sub-handler routes on /mcp regardless of the hub's mount depth.
	forwarded := r.Clone(r.Context())
	forwarded.URL.Path = "/mcp"
	forwarded.URL.RawPath = ""
	forwarded.RequestURI = ""
	forwarded.Body = io.NopCloser(bytes.NewReader(body))
	forwarded.ContentLength = int64(len(body))

	handler.ServeHTTP(w, forwarded)
}

// prepareSubHandler refreshes the server's catalog slice and builds a fresh
// stateless sub-handler exposing each entry as a proxy tool. Construction is
// serialized so concurrent requests never duplicate a refresh mid-replace.
func (g *Gateway) prepareSubHandler(ctx context.Context, rec *registry.ServerRecord) (handler http.Handler, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			handler = nil
			err = fmt.Errorf("sub-handler construction panicked: %v", r)
		}
	}()

	g.catalog.RefreshServer(ctx, rec.ID)

	mcpServer := server.NewMCPServer(
		"hub-"+rec.Name,
		g.version,
		server.WithToolCapabilities(true),
	)
	for _, entry := range g.catalog.ListByServer(rec.ID) {
		tool := mcp.Tool{
			Name:        entry.PublicName,
			Description: entry.Description,
		}
		if len(entry.InputSchema) > 0 {
			tool.RawInputSchema = entry.InputSchema
		} else {
			tool.InputSchema = mcp.ToolInputSchema{Type: "object"}
		}
		mcpServer.AddTool(tool, g.proxyHandler(entry.PublicName))
	}

	return server.NewStreamableHTTPServer(mcpServer, server.WithStateLess(true)), nil
}

// proxyHandler returns the tool handler that forwards an invocation of one
// public tool to its downstream source.
func (g *Gateway) proxyHandler(publicName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := g.callPublicTool(ctx, publicName, request.GetArguments())
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return &mcp.CallToolResult{}, nil
		}
		return mcp.ParseCallToolResult(&raw)
	}
}

// callPublicTool resolves the catalog entry, ensures a downstream session and
// performs the call, retrying exactly once on session expiry.
func (g *Gateway) callPublicTool(ctx context.Context, publicName string, arguments map[string]any) (json.RawMessage, error) {
	entry := g.catalog.Get(publicName)
	if entry == nil {
		return nil, &HubError{Code: CodeToolNotFound, Message: "tool not found: " + publicName}
	}

	// Reachable only when the record is deleted between ServeHTTP's lookup
	// and the tool invocation; the sub-handler transport flattens the error
	// to a generic internal one, so the code is not visible upstream.
	rec := g.registry.Get(entry.SourceServerID)
	if rec == nil {
		return nil, &HubError{Code: CodeServerNotFound, Message: "target server not found"}
	}

	sid, ok, err := g.sessions.Get(ctx, rec.ID)
	if err != nil {
		g.logger.Warn("session lookup failed, re-initializing", "server", rec.Name, "error", err)
		ok = false
	}
	if !ok {
		sid, err = g.initialize(ctx, rec)
		if err != nil {
			return nil, err
		}
	}

	result, err := g.client.CallTool(ctx, rec, sid, entry.SourceToolName, arguments)
	if err != nil && isSessionExpired(err) {
		sid, err = g.initialize(ctx, rec)
		if err != nil {
			return nil, err
		}
		result, err = g.client.CallTool(ctx, rec, sid, entry.SourceToolName, arguments)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *Gateway) initialize(ctx context.Context, rec *registry.ServerRecord) (string, error) {
	sid, err := g.client.Initialize(ctx, rec)
	if err != nil {
		return "", err
	}
	if err := g.sessions.Set(ctx, rec.ID, sid); err != nil {
		g.logger.Warn("failed to store downstream session id", "server", rec.Name, "error", err)
	}
	return sid, nil
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
