// Package registry tracks the set of downstream MCP servers known to the hub.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNameConflict is returned when a server name is already registered.
var ErrNameConflict = errors.New("server name already exists")

// ErrInvalidRecord is returned when a create request fails validation.
var ErrInvalidRecord = errors.New("invalid server record")

// reservedHeaders are transport headers the downstream client owns. A record
// may not carry them in its extra headers.
var reservedHeaders = []string{"content-type", "accept", "mcp-session-id"}

// ServerRecord describes one registered downstream MCP server.
type ServerRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	BaseURL     string            `json:"base_url"`
	MCPEndpoint string            `json:"mcp_endpoint"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Headers     map[string]string `json:"headers"`
	Status      string            `json:"status"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// CreateParams carries the caller-supplied fields for a new record.
type CreateParams struct {
	Name        string
	BaseURL     string
	MCPEndpoint string
	Description string
	Tags        []string
	Headers     map[string]string
}

// Registry is a thread-safe in-memory store of server records. Records are
// immutable once created; there is no update operation.
type Registry struct {
	mu       sync.Mutex
	servers  map[string]*ServerRecord
	nameToID map[string]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		servers:  map[string]*ServerRecord{},
		nameToID: map[string]string{},
	}
}

// Create registers a new server. The base URL is normalized by stripping one
// trailing slash and the record gets a fresh id with equal timestamps.
func (r *Registry) Create(params CreateParams) (*ServerRecord, error) {
	if err := validate(params); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nameToID[params.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrNameConflict, params.Name)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	rec := &ServerRecord{
		ID:          uuid.NewString(),
		Name:        params.Name,
		BaseURL:     strings.TrimSuffix(params.BaseURL, "/"),
		MCPEndpoint: params.MCPEndpoint,
		Description: params.Description,
		Tags:        params.Tags,
		Headers:     params.Headers,
		Status:      "active",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	if rec.Headers == nil {
		rec.Headers = map[string]string{}
	}

	r.servers[rec.ID] = rec
	r.nameToID[rec.Name] = rec.ID
	return copyRecord(rec), nil
}

// Get returns the record for the given id, or nil when unknown.
func (r *Registry) Get(serverID string) *ServerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.servers[serverID]
	if !ok {
		return nil
	}
	return copyRecord(rec)
}

// List returns a snapshot of all records, safe to iterate without the lock.
func (r *Registry) List() []*ServerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ServerRecord, 0, len(r.servers))
	for _, rec := range r.servers {
		out = append(out, copyRecord(rec))
	}
	return out
}

// Delete removes the record for the given id. Deleting an unknown id is a
// no-op.
func (r *Registry) Delete(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.servers[serverID]
	if !ok {
		return
	}
	delete(r.servers, serverID)
	delete(r.nameToID, rec.Name)
}

func validate(params CreateParams) error {
	if params.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}
	if params.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidRecord)
	}
	if params.MCPEndpoint == "" {
		return fmt.Errorf("%w: mcp_endpoint is required", ErrInvalidRecord)
	}
	for key := range params.Headers {
		for _, reserved := range reservedHeaders {
			if strings.EqualFold(key, reserved) {
				return fmt.Errorf("%w: header %q is reserved", ErrInvalidRecord, key)
			}
		}
	}
	return nil
}

func copyRecord(rec *ServerRecord) *ServerRecord {
	out := *rec
	out.Tags = append([]string{}, rec.Tags...)
	out.Headers = make(map[string]string, len(rec.Headers))
	for k, v := range rec.Headers {
		out.Headers[k] = v
	}
	return &out
}
