package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"golang.org/x/time/rate"

	"github.com/jmcleod/gatehouse/auth"
)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	manager         *auth.Manager
	audit           *auditLogger
	metrics         *metricsCollector
	pages           PageRenderer
	logger          *slog.Logger
	trustedProxies  []netip.Prefix
	basePath        string
	ipLimiter       *ipRateLimiter
	registerLimiter *registrationLimiter
	registerEvery   rate.Limit
	registerBurst   int
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithTrustedProxies configures the CIDR ranges whose forwarding headers
// are honoured when resolving the client IP. Bare addresses are accepted as
// single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAlertFunc registers a callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.metrics = newMetricsCollector(fn)
	}
}

// WithPageRenderer sets the renderer for the login and registration pages.
func WithPageRenderer(p PageRenderer) Option {
	return func(a *API) {
		a.pages = p
	}
}

// WithBasePath sets the path the router is mounted under. It scopes the
// session cookie and prefixes every redirect.
func WithBasePath(path string) Option {
	return func(a *API) {
		a.basePath = strings.TrimRight(path, "/")
	}
}

// WithRegistrationRate sets the per-IP registration token bucket.
func WithRegistrationRate(every time.Duration, burst int) Option {
	return func(a *API) {
		a.registerEvery = rate.Every(every)
		a.registerBurst = burst
	}
}

// New creates a new API instance.
func New(manager *auth.Manager, opts ...Option) *API {
	a := &API{
		manager:       manager,
		ipLimiter:     newIPRateLimiter(),
		registerEvery: rate.Every(registrationInterval),
		registerBurst: registrationBurst,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.pages == nil {
		a.pages = plainRenderer{}
	}
	a.registerLimiter = newRegistrationLimiter(a.registerEvery, a.registerBurst)
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = a.metrics
	a.audit.clientIP = a.extractClientIP
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.SessionContext)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		BasePath: a.basePath + "/",
		SpecURL:  a.basePath + "/openapi.yaml",
		Path:     "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		BasePath: a.basePath + "/",
		SpecURL:  a.basePath + "/openapi.yaml",
		Path:     "redoc",
	}, nil))

	r.Get("/auth/csrf", a.CSRFToken)
	r.Post("/logout", a.Logout)

	r.Group(func(r chi.Router) {
		r.Use(a.RequireGuest)
		r.Get("/login", a.LoginPage)
		r.With(a.LoginCSRFMiddleware).Post("/login", a.Login)
		r.Get("/register", a.RegisterPage)
		r.With(a.CSRFMiddleware).Post("/register", a.Register)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.RequireAuthenticated)
		r.Get("/me", a.Me)
		r.With(a.CSRFMiddleware).Put("/account/password", a.ChangePassword)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.RequireRole(auth.RoleAdmin))
		r.Use(a.CSRFMiddleware)
		r.Get("/users", a.ListUsers)
		r.Put("/users/{userID}/role", a.SetUserRole)
		r.Put("/users/{userID}/status", a.SetUserStatus)
	})

	return r
}

// Sweep drops expired in-memory limiter state.
func (a *API) Sweep() {
	a.ipLimiter.sweep()
	a.registerLimiter.sweep()
}

// RunSweeper sweeps expired sessions and limiter state every interval
// until ctx is cancelled.
func (a *API) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
			n, err := a.manager.Sweep(ctx)
			if err != nil {
				a.logger.Error("session sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.Info("expired sessions removed", slog.Int("count", n))
			}
		}
	}
}

// path prefixes p with the configured base path.
func (a *API) path(p string) string {
	return a.basePath + p
}
