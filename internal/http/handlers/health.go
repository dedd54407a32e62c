package handlers

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck tests one backing dependency such as Postgres or Redis.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health reports 503 when any dependency check fails so load balancers
// stop routing webhooks to an instance that cannot store them.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	status := "ok"
	statusCode := http.StatusOK
	results := make(map[string]string, len(api.checks))
	for _, check := range api.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.Check(ctx)
		cancel()
		if err != nil {
			api.logf("health check failed name=%s err=%v", check.Name, err)
			results[check.Name] = "error"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "ok"
	}

	writeJSON(w, statusCode, map[string]any{"status": status, "checks": results})
}
