package auth_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	authhttp "github.com/propstake/propstake/internal/auth/http"
	"github.com/propstake/propstake/internal/auth/service"
	"github.com/propstake/propstake/internal/auth/store/drivers/sqlite"
	"github.com/propstake/propstake/pkg/apiclient"
	"github.com/propstake/propstake/pkg/httpx"
	"github.com/propstake/propstake/pkg/jwtx"
)

/*
 * Common constants and helpers for auth service end-to-end tests. Each test
 * boots the full HTTP stack in-process against an in-memory database, so the
 * suite exercises the real router, middleware, and SDK wire format without
 * external dependencies.
 */

const (
	testIssuer   = "propstake-test"
	testEmail    = "alice@example.com"
	testName     = "Alice"
	testPassword = "correct horse battery"
)

// TestMain widens the rate limit profiles before any server is built. Each
// test boots its own router with fresh limiters, but the strict profile's
// burst of five is tight enough for a single flow to trip it. Limiter
// behavior itself is covered in the httpx package tests.
func TestMain(m *testing.M) {
	wide := httpx.RateLimitConfig{RequestsPerWindow: 1000, Window: time.Minute, Burst: 1000}
	httpx.StrictLimit = wide
	httpx.ModerateLimit = wide
	httpx.LenientLimit = wide
	os.Exit(m.Run())
}

// startAuthServer boots the auth service and returns an SDK client pointed
// at it. The server and its database are torn down with the test.
func startAuthServer(t *testing.T) *apiclient.Client {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	key, err := jwtx.GenerateEdDSAKey(testIssuer)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	router := authhttp.NewRouter(key, "test", st, logger)
	router.UserService = &service.UserService{Store: st}
	router.TokenService = &service.TokenService{
		Signer:     key,
		Verifier:   key,
		Store:      st,
		Issuer:     testIssuer,
		AccessTTL:  jwtx.DefaultAccessTokenTTL,
		RefreshTTL: jwtx.DefaultRefreshTokenTTL,
	}
	router.TwoFactorService = &service.TwoFactorService{Store: st, Issuer: "PropStake"}
	router.ApplyRoutes()

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return apiclient.NewClient(srv.URL)
}

// registerAndSignIn creates the standard test account and signs in.
func registerAndSignIn(t *testing.T, client *apiclient.Client) *apiclient.Session {
	t.Helper()

	_, err := client.Register(context.Background(), testEmail, testName, testPassword)
	require.NoError(t, err)

	session, err := client.SignIn(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	return session
}

// totpCode computes the current code for a base32 secret, matching the
// parameters the server provisions authenticators with.
func totpCode(t *testing.T, secret string) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}
