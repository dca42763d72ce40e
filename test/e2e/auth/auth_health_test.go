package auth_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/propstake/propstake/pkg/apiclient"
)

func TestHealthEndpoints(t *testing.T) {
	client := startAuthServer(t)

	t.Run("livez", func(t *testing.T) {
		resp, err := http.Get(client.BaseURL + "/livez")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health apiclient.HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		require.Equal(t, "ok", health.Status)
		require.NotEmpty(t, health.Uptime)
		require.Equal(t, "test", health.Version)
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(client.BaseURL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health apiclient.HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		require.Equal(t, "ok", health.Status)
		require.NotNil(t, health.Checks)
		require.Equal(t, "ok", health.Checks.Database)
		require.Equal(t, "ok", health.Checks.Signer)
	})
}
