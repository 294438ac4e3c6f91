// Package echoserver implements a small downstream MCP server used by hub
// tests. It serves the streamable-HTTP transport with real session handling
// and exposes an /admin/forget endpoint that drops a session so tests can
// force the 404 session-expired path.
package echoserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server and its HTTP handler.
type Server struct {
	mcpServer *server.MCPServer
	mux       *http.ServeMux

	initializes atomic.Int64
}

// New creates the test server with its echo, greet and time tools.
func New(name string) *Server {
	s := &Server{}

	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(_ context.Context, _ any, _ *mcp.InitializeRequest, _ *mcp.InitializeResult) {
		s.initializes.Add(1)
	})

	s.mcpServer = server.NewMCPServer(
		name,
		"1.0.0",
		server.WithHooks(hooks),
		server.WithToolCapabilities(true),
	)

	s.mcpServer.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the given text"),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to echo back"),
		),
	), echoHandler)

	s.mcpServer.AddTool(mcp.NewTool("greet",
		mcp.WithDescription("Say hello to someone"),
		mcp.WithString("name",
			mcp.Description("Name of the person to greet"),
		),
	), greetHandler)

	s.mcpServer.AddTool(mcp.NewTool("time",
		mcp.WithDescription("Get the current time"),
	), timeHandler)

	streamableHTTPServer := server.NewStreamableHTTPServer(s.mcpServer)

	s.mux = http.NewServeMux()
	s.mux.Handle("/mcp", streamableHTTPServer)
	s.mux.HandleFunc("/admin/forget", s.forgetHandler)

	return s
}

// Handler returns the HTTP handler, suitable for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// InitializeCount reports how many sessions have been initialized, so tests
// can assert on transparent re-initialization.
func (s *Server) InitializeCount() int64 {
	return s.initializes.Load()
}

// forgetHandler drops the session named in the request body. Subsequent
// requests carrying that session id get HTTP 404 from the transport.
func (s *Server) forgetHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failure: %v", err), http.StatusInternalServerError)
		return
	}

	s.mcpServer.UnregisterSession(req.Context(), string(body))
}

func echoHandler(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func greetHandler(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "stranger")
	return mcp.NewToolResultText(fmt.Sprintf("Hello, %s!", name)), nil
}

func timeHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(time.Now().UTC().Format(time.RFC3339)), nil
}
