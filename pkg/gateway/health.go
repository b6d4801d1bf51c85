package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/garudex-labs/caracal/pkg/api"
)

// healthCheckTimeout bounds one component probe so a hung dependency
// cannot hang the health endpoint.
const healthCheckTimeout = 2 * time.Second

// handleHealth reports the gateway and its registered components. A
// failing component degrades the report but keeps the endpoint at 200;
// orchestrators treat a non-answer, not a degraded answer, as dead.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	status := "healthy"
	components := make(map[string]string, len(s.components))

	names := make([]string, 0, len(s.components))
	for name := range s.components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.components[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, map[string]any{
		"status":     status,
		"components": components,
	})
}

// handleStats exposes operational counters: the policy cache, the
// decision tallies, and whatever sources were registered at wiring time.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	doc := map[string]any{
		"decisions": map[string]any{
			"total":             s.decisions.Load(),
			"denied":            s.denials.Load(),
			"degraded_requests": s.degradedRequests.Load(),
		},
	}
	if s.cache != nil {
		doc["policy_cache"] = s.cache.Stats()
	}
	for name, fn := range s.statsFns {
		doc[name] = fn(r.Context())
	}

	writeJSON(w, doc)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
