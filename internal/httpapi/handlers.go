package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/obs"
	"studyhub.dev/internal/session"
)

const serviceName = "studyhub-auth"

// Pinger is implemented by backing stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing store, if any.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// Options configures the HTTP surface.
type Options struct {
	Version     string
	CORSOrigins []string
	// RateBurst and RatePerSecond limit the session endpoints per client IP.
	// A zero RatePerSecond disables limiting.
	RateBurst     int
	RatePerSecond float64
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer over the authorization and session services.
type API struct {
	auth     *auth.Service
	sessions *session.Service
	ready    ReadyProbe
	opts     Options
}

func New(authSvc *auth.Service, sessions *session.Service, rp ReadyProbe, opts Options) *API {
	return &API{auth: authSvc, sessions: sessions, ready: rp, opts: opts}
}

// Handler builds the router with the full middleware stack.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestContext)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Group(func(r chi.Router) {
			if a.opts.RatePerSecond > 0 {
				r.Use(RateLimit(a.opts.RateBurst, a.opts.RatePerSecond, a.opts.TrustedProxies...))
			}
			r.Post("/sessions/refresh", a.refreshSession)
			r.Post("/sessions/revoke", a.revokeSession)
		})
		r.Post("/authz/check", a.checkAccess)
		r.With(Guard(a.auth, "read", "authorization", URLParams("userID", ""))).
			Get("/users/{userID}/authorization", a.currentAuthorization)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
		"logics":  a.auth.Logics().Names(),
	})
}

type refreshRequest struct {
	RefreshToken      string `json:"refresh_token"`
	RefreshTTLSeconds int64  `json:"refresh_ttl_seconds,omitempty"`
	AccessTTLSeconds  int64  `json:"access_ttl_seconds,omitempty"`
}

type refreshResponse struct {
	RefreshToken     string    `json:"refresh_token"`
	AccessToken      string    `json:"access_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
}

type revokeRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type checkRequest struct {
	Action  string `json:"action"`
	OwnerID string `json:"owner_id,omitempty"`
	Type    string `json:"type,omitempty"`
	ID      string `json:"id,omitempty"`
}

func (a *API) refreshSession(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "refresh_token is required")
		return
	}
	if req.RefreshTTLSeconds < 0 || req.AccessTTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "bad_request", "ttl must not be negative")
		return
	}
	pair, err := a.sessions.RefreshSession(r.Context(), req.RefreshToken,
		time.Duration(req.RefreshTTLSeconds)*time.Second,
		time.Duration(req.AccessTTLSeconds)*time.Second)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		RefreshToken:     pair.RefreshToken,
		AccessToken:      pair.AccessToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		AccessExpiresAt:  pair.AccessExpiresAt,
	})
}

func (a *API) revokeSession(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "refresh_token is required")
		return
	}
	if err := a.sessions.RevokeSession(r.Context(), req.RefreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkAccess answers whether the bearer token authorizes the posted tuple.
func (a *API) checkAccess(w http.ResponseWriter, r *http.Request) {
	token, err := BearerToken(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, string(auth.KindInvalidToken), err.Error())
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Action == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "action is required")
		return
	}
	access := auth.Access{Action: req.Action, OwnerID: req.OwnerID, Type: req.Type, ResourceID: req.ID}
	if _, err := a.auth.Audit(r.Context(), token, access); err != nil {
		if errors.Is(err, auth.ErrPermissionDenied) {
			logDenied(r, access, err)
		}
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) currentAuthorization(w http.ResponseWriter, r *http.Request) {
	authz, ok := auth.AuthorizationFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, string(auth.KindInvalidToken), "missing authorization")
		return
	}
	writeJSON(w, http.StatusOK, authz)
}
