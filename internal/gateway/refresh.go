package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mcphub/mcp-hub/internal/downstream"
)

// RefreshServer re-syncs the hub state for one server id. For a deleted
// record the cascade drops its catalog entries and downstream session;
// otherwise the catalog slice is refreshed and the next request builds its
// sub-handler from the new snapshot.
func (g *Gateway) RefreshServer(ctx context.Context, serverID string) {
	if g.registry.Get(serverID) == nil {
		g.catalog.DeleteServer(serverID)
		if err := g.sessions.Delete(ctx, serverID); err != nil {
			g.logger.Warn("failed to drop downstream session", "server_id", serverID, "error", err)
		}
		return
	}
	g.catalog.RefreshServer(ctx, serverID)
}

// RefreshAll re-syncs every registered server sequentially.
func (g *Gateway) RefreshAll(ctx context.Context) {
	for _, rec := range g.registry.List() {
		g.RefreshServer(ctx, rec.ID)
	}
}

// RunRefreshLoop periodically refreshes the whole catalog until the context
// is cancelled. Cancellation is observed within one interval; in-flight
// downstream calls finish under their own timeouts.
func (g *Gateway) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.logger.Info("catalog refresh loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("catalog refresh loop stopped")
			return
		case <-ticker.C:
			g.RefreshAll(ctx)
		}
	}
}

func isSessionExpired(err error) bool {
	return errors.Is(err, downstream.ErrSessionExpired)
}
