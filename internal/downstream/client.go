// Package downstream implements a JSON-RPC 2.0 client for the MCP
// streamable-HTTP transport against a single registered server.
//
// The transport is raw net/http rather than the mcp-go client: the hub must
// see downstream HTTP status codes (404 on a session-bearing request means
// the session expired), inject per-record extra headers, and reuse a session
// id held in an external store across otherwise stateless calls.
package downstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcphub/mcp-hub/internal/registry"
)

const (
	sessionHeader  = "Mcp-Session-Id"
	connectTimeout = 5 * time.Second
)

// ErrSessionExpired reports that the downstream returned HTTP 404 on a
// session-bearing request. The caller re-initializes and retries once.
var ErrSessionExpired = errors.New("downstream session expired")

// TransportError reports an HTTP or network failure against a downstream.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("downstream returned HTTP %d on %s", e.Status, e.Op)
	}
	return fmt.Sprintf("downstream transport error on %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed JSON-RPC response or an MCP envelope
// violation from a downstream.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// ToolDescriptor is one tool as listed by a downstream server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// Client performs single request/response round trips against downstream MCP
// servers. It holds no per-server state; session ids are supplied per call.
type Client struct {
	httpClient *http.Client
	clientName string
	version    string
	logger     *slog.Logger
}

// NewClient creates a Client with the given total per-call timeout. The
// connect sub-timeout is bounded independently of the total.
func NewClient(timeout time.Duration, version string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
			},
		},
		clientName: "mcp-hub",
		version:    version,
		logger:     logger,
	}
}

// Initialize opens a new MCP session with the server and returns the session
// id minted by the downstream via the Mcp-Session-Id response header.
func (c *Client) Initialize(ctx context.Context, server *registry.ServerRecord) (string, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    c.clientName,
			Version: c.version,
		},
	}
	body, headers, err := c.rpc(ctx, server, "initialize", params, "")
	if err != nil {
		return "", err
	}

	sessionID := headers.Get(sessionHeader)
	if sessionID == "" {
		return "", &ProtocolError{Message: "downstream initialize did not return mcp-session-id"}
	}
	if body.Error != nil {
		return "", &ProtocolError{Message: body.Error.Message}
	}
	return sessionID, nil
}

// ListTools enumerates the tools offered by the server under an existing
// session.
func (c *Client) ListTools(ctx context.Context, server *registry.ServerRecord, sessionID string) ([]ToolDescriptor, error) {
	body, _, err := c.rpc(ctx, server, "tools/list", struct{}{}, sessionID)
	if err != nil {
		return nil, err
	}
	if body.Error != nil {
		return nil, &ProtocolError{Message: body.Error.Message}
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if len(body.Result) > 0 {
		if err := json.Unmarshal(body.Result, &result); err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("invalid tools/list result: %v", err)}
		}
	}
	return result.Tools, nil
}

// CallTool invokes a tool by its downstream name and returns the raw result
// payload untouched.
func (c *Client) CallTool(ctx context.Context, server *registry.ServerRecord, sessionID, toolName string, arguments map[string]any) (json.RawMessage, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{Name: toolName, Arguments: arguments}

	body, _, err := c.rpc(ctx, server, "tools/call", params, sessionID)
	if err != nil {
		return nil, err
	}
	if body.Error != nil {
		return nil, &ProtocolError{Message: body.Error.Message}
	}
	return body.Result, nil
}

// rpc performs one JSON-RPC round trip and parses the response body, routing
// on content type between plain JSON and text/event-stream framing.
func (c *Client) rpc(ctx context.Context, server *registry.ServerRecord, method string, params any, sessionID string) (*rpcEnvelope, http.Header, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, nil, &TransportError{Op: method, Err: err}
	}

	url := server.BaseURL + server.MCPEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, &TransportError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, val := range server.Headers {
		req.Header.Set(key, val)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("downstream request failed", "server", server.Name, "method", method, "error", err)
		if isTimeout(err) {
			return nil, nil, &TransportError{Op: method, Err: fmt.Errorf("timeout: %w", err)}
		}
		return nil, nil, &TransportError{Op: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound && sessionID != "" {
		return nil, nil, fmt.Errorf("%w (server %s)", ErrSessionExpired, server.Name)
	}
	if resp.StatusCode >= 400 {
		c.logger.Debug("downstream returned error status", "server", server.Name, "method", method, "status", resp.StatusCode)
		return nil, nil, &TransportError{Op: method, Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, nil, &TransportError{Op: method, Err: fmt.Errorf("timeout: %w", err)}
		}
		return nil, nil, &TransportError{Op: method, Err: err}
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		raw = extractSSEData(raw)
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, &ProtocolError{Message: fmt.Sprintf("invalid JSON from downstream on %s: %v", method, err)}
	}
	if envelope.JSONRPC != "2.0" {
		return nil, nil, &ProtocolError{Message: "invalid jsonrpc response"}
	}
	return &envelope, resp.Header, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(contentType, "text/event-stream")
	}
	return mediaType == "text/event-stream"
}

// extractSSEData accumulates the data: lines of an event stream into the
// JSON-RPC payload they carry. Multiple data lines of one event concatenate
// with newlines per the SSE framing rules.
func extractSSEData(raw []byte) []byte {
	var parts []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			parts = append(parts, strings.TrimPrefix(data, " "))
		}
	}
	return []byte(strings.Join(parts, "\n"))
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
