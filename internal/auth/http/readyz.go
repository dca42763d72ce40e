package http

import (
	"net/http"
	"time"

	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/pkg/apiclient"
	"github.com/propstake/propstake/pkg/httpx"
	"github.com/propstake/propstake/pkg/jwtx"
	"github.com/propstake/propstake/pkg/slogx"
)

// ReadyzHandler is the readiness probe. It verifies that the database
// answers pings and that a token verifier is configured, and reports
// per-check status so a failing dependency is visible from the response.
func ReadyzHandler(startTime time.Time, version string, st store.Store, verifier jwtx.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := apiclient.HealthChecks{
			Database: "ok",
			Signer:   "ok",
		}
		healthy := true

		if err := st.Ping(r.Context()); err != nil {
			slogx.FromContext(r.Context()).Error("readiness database ping failed", "error", err)
			checks.Database = "unreachable"
			healthy = false
		}
		if verifier == nil {
			checks.Signer = "not configured"
			healthy = false
		}

		status := "ok"
		code := http.StatusOK
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		httpx.WriteJSON(w, code, apiclient.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  &checks,
		})
	}
}
