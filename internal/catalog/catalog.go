// Package catalog aggregates the tools of all registered downstream servers
// into a flat namespace of "<server>.<tool>" public names.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/mcphub/mcp-hub/internal/downstream"
	"github.com/mcphub/mcp-hub/internal/registry"
	"github.com/mcphub/mcp-hub/internal/session"
)

// Entry maps one public tool name to its downstream source.
type Entry struct {
	PublicName       string
	SourceServerID   string
	SourceServerName string
	SourceToolName   string
	Description      string
	InputSchema      json.RawMessage
}

// lister is the slice of the downstream client the catalog needs.
type lister interface {
	Initialize(ctx context.Context, server *registry.ServerRecord) (string, error)
	ListTools(ctx context.Context, server *registry.ServerRecord, sessionID string) ([]downstream.ToolDescriptor, error)
}

// Store holds the aggregated catalog. One mutex covers both indices so the
// per-server replacement during refresh is atomic.
type Store struct {
	registry *registry.Registry
	sessions *session.Store
	client   lister
	logger   *slog.Logger

	mu           sync.Mutex
	byPublicName map[string]*Entry
	byServer     map[string]map[string]struct{}
}

// NewStore creates an empty catalog over the given collaborators.
func NewStore(reg *registry.Registry, sessions *session.Store, client lister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		registry:     reg,
		sessions:     sessions,
		client:       client,
		logger:       logger,
		byPublicName: map[string]*Entry{},
		byServer:     map[string]map[string]struct{}{},
	}
}

// RefreshServer re-enumerates the tools of one server and atomically replaces
// its slice of the catalog. Downstream failures drop the server's existing
// entries and return 0; the record itself stays registered.
func (s *Store) RefreshServer(ctx context.Context, serverID string) int {
	server := s.registry.Get(serverID)
	if server == nil {
		s.DeleteServer(serverID)
		return 0
	}

	sid, ok, err := s.sessions.Get(ctx, serverID)
	if err != nil {
		s.logger.Warn("session lookup failed, re-initializing", "server", server.Name, "error", err)
		ok = false
	}
	if !ok {
		sid, err = s.initialize(ctx, server)
		if err != nil {
			s.logger.Warn("dropping catalog entries, downstream initialize failed", "server", server.Name, "error", err)
			s.DeleteServer(serverID)
			return 0
		}
	}

	tools, err := s.client.ListTools(ctx, server, sid)
	if errors.Is(err, downstream.ErrSessionExpired) {
		sid, err = s.initialize(ctx, server)
		if err == nil {
			tools, err = s.client.ListTools(ctx, server, sid)
		}
	}
	if err != nil {
		s.logger.Warn("dropping catalog entries, downstream tools/list failed", "server", server.Name, "error", err)
		s.DeleteServer(serverID)
		return 0
	}

	entries := make([]*Entry, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		entries = append(entries, &Entry{
			PublicName:       server.Name + "." + tool.Name,
			SourceServerID:   server.ID,
			SourceServerName: server.Name,
			SourceToolName:   tool.Name,
			Description:      tool.Description,
			InputSchema:      tool.InputSchema,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for publicName := range s.byServer[serverID] {
		delete(s.byPublicName, publicName)
	}
	mapped := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		s.byPublicName[entry.PublicName] = entry
		mapped[entry.PublicName] = struct{}{}
	}
	s.byServer[serverID] = mapped

	return len(entries)
}

// RefreshAll refreshes every registered server sequentially. A failure on one
// server never prevents the others from being refreshed.
func (s *Store) RefreshAll(ctx context.Context) {
	for _, server := range s.registry.List() {
		s.RefreshServer(ctx, server.ID)
	}
}

// Get returns the entry for a public name, or nil.
func (s *Store) Get(publicName string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byPublicName[publicName]
	if !ok {
		return nil
	}
	out := *entry
	return &out
}

// ListAll returns all entries in lexicographic public-name order.
func (s *Store) ListAll() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.byPublicName))
	for name := range s.byPublicName {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		entry := *s.byPublicName[name]
		out = append(out, &entry)
	}
	return out
}

// ListByServer returns the entries owned by one server in lexicographic
// public-name order.
func (s *Store) ListByServer(serverID string) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.byServer[serverID]))
	for name := range s.byServer[serverID] {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		if entry, ok := s.byPublicName[name]; ok {
			copied := *entry
			out = append(out, &copied)
		}
	}
	return out
}

// DeleteServer drops every entry owned by the server.
func (s *Store) DeleteServer(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for publicName := range s.byServer[serverID] {
		delete(s.byPublicName, publicName)
	}
	delete(s.byServer, serverID)
}

func (s *Store) initialize(ctx context.Context, server *registry.ServerRecord) (string, error) {
	sid, err := s.client.Initialize(ctx, server)
	if err != nil {
		return "", err
	}
	if err := s.sessions.Set(ctx, server.ID, sid); err != nil {
		s.logger.Warn("failed to store downstream session id", "server", server.Name, "error", err)
	}
	return sid, nil
}
