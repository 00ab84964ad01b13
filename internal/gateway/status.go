package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/avermeil/lifeline/internal/cron"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime             int64        `json:"uptime_seconds"`
	Cron               *cron.Status `json:"cron,omitempty"`
	RecoveringAccounts int          `json:"recovering_accounts"`
	ZombieSessions     int          `json:"zombie_sessions"`
	Nodes              int          `json:"nodes"`
	NodeSessions       int          `json:"node_sessions"`
	ContendedKeys      []string     `json:"contended_keys,omitempty"`
	Channels           []string     `json:"channels,omitempty"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			Uptime: int64(time.Since(g.startedAt) / time.Second),
		}

		if g.deps.Cron != nil {
			st := g.deps.Cron.Status()
			resp.Cron = &st
		}
		if g.deps.Recovering != nil {
			resp.RecoveringAccounts = g.deps.Recovering.RecoveringCount()
		}
		if g.deps.Zombies != nil {
			resp.ZombieSessions = g.deps.Zombies.Len()
		}
		if g.deps.NodeCounts != nil {
			resp.Nodes, resp.NodeSessions = g.deps.NodeCounts()
		}
		if g.deps.Gate != nil {
			resp.ContendedKeys = g.deps.Gate.ContendedKeys()
		}
		if g.deps.Channels != nil {
			resp.Channels = g.deps.Channels()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
