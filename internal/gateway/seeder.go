package gateway

import (
	"context"
	"sync"

	"github.com/mcphub/mcp-hub/internal/config"
	"github.com/mcphub/mcp-hub/internal/registry"
)

var _ config.Observer = &Seeder{}

// seedState remembers one seed-managed registration so later config reloads
// can reconcile it.
type seedState struct {
	serverID string
	seed     config.SeedServer
}

// Seeder keeps the registry in sync with the config file's seed server list.
// It only ever touches records it created itself; servers registered through
// the admin API are left alone.
type Seeder struct {
	gateway *Gateway

	mu     sync.Mutex
	seeded map[string]seedState
}

// NewSeeder creates a Seeder applying seeds through the given gateway.
func NewSeeder(gw *Gateway) *Seeder {
	return &Seeder{
		gateway: gw,
		seeded:  map[string]seedState{},
	}
}

// OnConfigChange reconciles seed-managed registrations against the new
// config: decommissioned or changed seeds are deleted, new ones registered.
// Records are immutable, so a changed seed is recreated under a fresh id.
func (s *Seeder) OnConfigChange(ctx context.Context, cfg *config.HubConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := map[string]config.SeedServer{}
	for _, seed := range cfg.Servers {
		if seed != nil {
			desired[seed.Name] = *seed
		}
	}

	for name, state := range s.seeded {
		seed, keep := desired[name]
		if keep && !seedChanged(state.seed, seed) {
			continue
		}
		s.gateway.registry.Delete(state.serverID)
		s.gateway.RefreshServer(ctx, state.serverID)
		delete(s.seeded, name)
	}

	for name, seed := range desired {
		if _, exists := s.seeded[name]; exists {
			continue
		}
		rec, err := s.gateway.registry.Create(registry.CreateParams{
			Name:        seed.Name,
			BaseURL:     seed.BaseURL,
			MCPEndpoint: seed.MCPEndpoint,
			Description: seed.Description,
			Tags:        seed.Tags,
			Headers:     seed.Headers,
		})
		if err != nil {
			s.gateway.logger.Warn("could not register seed server", "server", name, "error", err)
			continue
		}
		s.seeded[name] = seedState{serverID: rec.ID, seed: seed}
		s.gateway.RefreshServer(ctx, rec.ID)
	}
}

func seedChanged(old, new config.SeedServer) bool {
	if old.Name != new.Name ||
		old.BaseURL != new.BaseURL ||
		old.MCPEndpoint != new.MCPEndpoint ||
		old.Description != new.Description {
		return true
	}
	if len(old.Tags) != len(new.Tags) || len(old.Headers) != len(new.Headers) {
		return true
	}
	for i, tag := range old.Tags {
		if new.Tags[i] != tag {
			return true
		}
	}
	for key, val := range old.Headers {
		if new.Headers[key] != val {
			return true
		}
	}
	return false
}
