package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/propstake/propstake/internal/auth/service"
	"github.com/propstake/propstake/internal/auth/store"
	"github.com/propstake/propstake/pkg/httpx"
	"github.com/propstake/propstake/pkg/jwtx"
	"github.com/propstake/propstake/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	verifier     jwtx.Verifier
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store            store.Store
	UserService      *service.UserService
	TokenService     *service.TokenService
	TwoFactorService *service.TwoFactorService
}

func NewRouter(
	verifier jwtx.Verifier,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		verifier:     verifier,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerTwoFactor()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerAuth() {
	h := &AuthHandler{
		UserService:  r.UserService,
		TokenService: r.TokenService,
	}

	// Credential exchange endpoints carry no bearer token. Registration and
	// login take the strict limit keyed by IP to slow down brute force.
	r.Mux.Handle("POST /v1/auth/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/auth/logout",
		httpx.Chain(http.HandlerFunc(h.HandleLogout),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("POST /v1/auth/password",
		httpx.Chain(http.HandlerFunc(h.HandleChangePassword),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("GET /v1/auth/validate",
		httpx.Chain(http.HandlerFunc(h.HandleValidate),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerTwoFactor() {
	h := &TwoFactorHandler{TwoFactorService: r.TwoFactorService}

	securedSetup := httpx.Chain(http.HandlerFunc(h.HandleSetup),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)

	// Verification endpoints get the strict limit to slow code guessing.
	securedVerify := httpx.Chain(http.HandlerFunc(h.HandleVerify),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.StrictLimit),
	)

	securedDisable := httpx.Chain(http.HandlerFunc(h.HandleDisable),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)

	securedStatus := httpx.Chain(http.HandlerFunc(h.HandleStatus),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.LenientLimit),
	)

	securedRegenerate := httpx.Chain(http.HandlerFunc(h.HandleRegenerateBackupCodes),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)

	r.Mux.Handle("POST /v1/2fa/setup", securedSetup)
	r.Mux.Handle("POST /v1/2fa/verify", securedVerify)
	r.Mux.Handle("POST /v1/2fa/disable", securedDisable)
	r.Mux.Handle("GET /v1/2fa/status", securedStatus)
	r.Mux.Handle("POST /v1/2fa/backup-codes", securedRegenerate)

	// The mid-login gate is unauthenticated: the caller has passed the
	// password check but holds no usable bearer token yet.
	r.Mux.Handle("POST /v1/2fa/verify-login",
		httpx.Chain(http.HandlerFunc(h.HandleVerifyLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store, r.verifier),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}
