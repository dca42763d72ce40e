package http

import (
	"net/http"
	"time"

	"github.com/propstake/propstake/pkg/apiclient"
	"github.com/propstake/propstake/pkg/httpx"
)

// LivezHandler is the liveness probe. It returns 200 whenever the process
// is up, with uptime and version for operators.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, apiclient.HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).String(),
			Version: version,
		})
	}
}
