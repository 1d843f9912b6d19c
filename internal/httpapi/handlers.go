package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"vecino.app/internal/accesscode"
	"vecino.app/internal/auth"
	"vecino.app/internal/authorization"
	"vecino.app/internal/enrollment"
	"vecino.app/internal/keys"
	"vecino.app/internal/obs"
	"vecino.app/internal/stream"
	"vecino.app/internal/verify"
)

const serviceName = "vecino-api"

// ReadyProbe checks the backing stores. Nil handles are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Deps wires the domain services into the HTTP layer.
type Deps struct {
	Tokens         *auth.Tokens
	Keys           *keys.Manager
	Authorizations *authorization.Service
	AccessCodes    *accesscode.Engine
	Enrollment     *enrollment.Service
	Stream         *stream.Stream
	Revocations    verify.RevocationChecker
	Ready          ReadyProbe
	ClockSkew      time.Duration
	Version        string
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	deps       Deps
	rateBurst  int
	ratePerSec int
	now        func() time.Time
}

// Option configures API.
type Option func(*API)

// WithRateLimit bounds the unauthenticated and gate-facing endpoints per client IP.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithClock overrides the time used for online verification.
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

func New(deps Deps, opts ...Option) (*API, error) {
	if deps.Tokens == nil || deps.Keys == nil || deps.Authorizations == nil || deps.AccessCodes == nil || deps.Enrollment == nil {
		return nil, errors.New("httpapi: tokens, keys and domain services are required")
	}
	if deps.Revocations == nil {
		deps.Revocations = verify.NoRevocations{}
	}
	if deps.ClockSkew <= 0 {
		deps.ClockSkew = 2 * time.Minute
	}
	a := &API{deps: deps, rateBurst: 20, ratePerSec: 10, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, Logging, SecurityHeaders, CORS, obs.Instrument)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	limited := NewRateLimiter(a.rateBurst, a.ratePerSec)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.With(limited.Middleware).Post("/enrollment/consume", a.consumeEnrollment)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)

			r.Route("/authorizations", func(r chi.Router) {
				r.With(RequireRole(auth.RoleAdmin, auth.RoleResident)).Post("/", a.createAuthorization)
				r.Get("/", a.listAuthorizations)
				r.With(RequireRole(auth.RoleAdmin, auth.RolePorter)).Get("/revocations", a.revocationFeed)
				r.Get("/{id}", a.getAuthorization)
				r.Post("/{id}/revoke", a.revokeAuthorization)
				r.Get("/{id}/qr.png", a.authorizationQR)
			})

			r.Route("/keys", func(r chi.Router) {
				r.With(RequireRole(auth.RoleAdmin)).Post("/rotate", a.rotateKey)
				r.Get("/jwks", a.jwks)
			})
			r.With(RequireRole(auth.RoleAdmin, auth.RolePorter), limited.Middleware).Post("/verify", a.verifyCredential)

			r.Route("/access-codes", func(r chi.Router) {
				r.With(RequireRole(auth.RoleAdmin, auth.RoleResident)).Post("/", a.issueAccessCode)
				r.With(RequireRole(auth.RoleAdmin, auth.RolePorter), limited.Middleware).Post("/scan", a.scanAccessCode)
				r.Get("/{id}", a.getAccessCode)
				r.Post("/{id}/revoke", a.revokeAccessCode)
				r.Get("/{id}/scans", a.accessCodeScans)
			})
			r.With(RequireRole(auth.RoleAdmin, auth.RolePorter)).Get("/scans/stream", a.Stream)

			r.Route("/enrollment/tokens", func(r chi.Router) {
				r.Use(RequireRole(auth.RoleAdmin))
				r.Post("/", a.issueEnrollment)
				r.Post("/regenerate", a.regenerateEnrollment)
				r.Post("/{id}/revoke", a.revokeEnrollment)
				r.Get("/{id}/audit", a.enrollmentAudit)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
