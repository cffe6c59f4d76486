// Package api serves the ingestion and dashboard HTTP surface.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/crash-course/backend/pkg/audience"
	"github.com/crash-course/backend/pkg/httputil"
	"github.com/crash-course/backend/pkg/observability"
	"github.com/crash-course/backend/pkg/ratelimit"
	"github.com/crash-course/backend/pkg/session"
	"github.com/crash-course/backend/pkg/store"
)

// Ingestion headers. Audience-Key is the public snippet key; the
// telemetry key is secret and only ever sent server-to-server.
const (
	HeaderAudienceKey  = "Audience-Key"
	HeaderTelemetryKey = "Telemetry-Key"
	HeaderAPIKey       = "API-Key"
)

// Rate limit tags, one per surface.
const (
	TagAudience  = "audience"
	TagAuth      = "auth"
	TagDashboard = "dashboard"
	TagRoot      = "root"
)

// Options carries the server's tunables.
type Options struct {
	// Lookback is the default query window when the caller sends
	// no start parameter.
	Lookback time.Duration

	// AllowedOrigin is mirrored into CORS headers. Empty means
	// same-origin only unless Dev is set.
	AllowedOrigin string

	MaxBodyBytes int64

	// Dev exposes error detail and relaxes CORS.
	Dev bool
}

// Server wires the registry, partitions, tracker, aggregation engine
// and rate limiter behind the HTTP routes.
type Server struct {
	router   *mux.Router
	registry *store.Registry
	parts    *store.Partitions
	tracker  *session.Tracker
	engine   *audience.Engine
	limiter  ratelimit.Admitter
	logger   *observability.Logger
	metrics  *observability.Metrics
	opts     Options
}

// NewServer creates a Server with all routes and middleware set up.
// metrics may be nil to disable instrumentation.
func NewServer(registry *store.Registry, parts *store.Partitions, tracker *session.Tracker,
	engine *audience.Engine, limiter ratelimit.Admitter, logger *observability.Logger,
	metrics *observability.Metrics, opts Options) *Server {

	if opts.Lookback <= 0 {
		opts.Lookback = 168 * time.Hour
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 * 1024
	}

	s := &Server{
		router:   mux.NewRouter(),
		registry: registry,
		parts:    parts,
		tracker:  tracker,
		engine:   engine,
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
	}
	if metrics != nil && tracker != nil {
		tracker.OnStart = metrics.SessionsStarted.Inc
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.RecoveryMiddleware(s.logger, s.opts.Dev))
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.LoggingMiddleware(s.logger))
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware(s.routePattern))
	}
	s.router.Use(httputil.IdentityMiddleware)
	s.router.Use(httputil.CORSMiddleware(s.opts.AllowedOrigin, s.opts.Dev))
	s.router.Use(httputil.MaxBytesMiddleware(s.opts.MaxBodyBytes))

	s.router.NotFoundHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteRouteNotFound(w)
	}))
	s.router.MethodNotAllowedHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusMethodNotAllowed, httputil.CodeNotFound, "Method not allowed")
	}))

	s.router.HandleFunc("/", s.limitByIP(TagRoot, s.welcome)).Methods("GET")

	// Ingestion, keyed by app keys and rate limited per app.
	s.router.HandleFunc("/audience/hits", s.limitIngest(s.postHit)).Methods("POST")
	s.router.HandleFunc("/audience/logs", s.limitIngest(s.postClientLog)).Methods("POST")
	s.router.HandleFunc("/audience/feedback", s.limitIngest(s.postFeedback)).Methods("POST")
	s.router.HandleFunc("/telemetry/logs", s.limitIngest(s.postServerLog)).Methods("POST")
	s.router.HandleFunc("/telemetry/metrics", s.limitIngest(s.postMetric)).Methods("POST")

	// Account endpoints.
	s.router.HandleFunc("/register", s.limitByIP(TagAuth, s.register)).Methods("POST")
	s.router.HandleFunc("/login", s.limitByIP(TagAuth, s.login)).Methods("POST")
	s.router.HandleFunc("/auth", s.requireAuth(s.checkAuth)).Methods("GET")
	s.router.HandleFunc("/logout", s.requireAuth(s.logout)).Methods("POST")
	s.router.HandleFunc("/me", s.requireAuth(s.getMe)).Methods("GET")
	s.router.HandleFunc("/me", s.requireAuth(s.patchMe)).Methods("PATCH")
	s.router.HandleFunc("/me", s.requireAuth(s.deleteMe)).Methods("DELETE")
	s.router.HandleFunc("/sessions", s.requireAuth(s.listSessions)).Methods("GET")
	s.router.HandleFunc("/sessions", s.requireAuth(s.deleteAllSessions)).Methods("DELETE")
	s.router.HandleFunc("/sessions/{id}", s.requireAuth(s.deleteSession)).Methods("DELETE")

	// App management.
	s.router.HandleFunc("/apps", s.requireAuth(s.listApps)).Methods("GET")
	s.router.HandleFunc("/apps", s.requireAuth(s.createApp)).Methods("POST")
	s.router.HandleFunc("/apps/{id}", s.requireApp(store.PermissionView, s.getApp)).Methods("GET")
	s.router.HandleFunc("/apps/{id}", s.requireApp(store.PermissionEdit, s.patchApp)).Methods("PATCH")
	s.router.HandleFunc("/apps/{id}", s.requireApp(store.PermissionEdit, s.deleteApp)).Methods("DELETE")
	s.router.HandleFunc("/apps/{id}/permissions", s.requireApp(store.PermissionEdit, s.listPermissions)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/permissions", s.requireApp(store.PermissionEdit, s.putPermission)).Methods("PUT")
	s.router.HandleFunc("/apps/{id}/permissions", s.requireApp(store.PermissionEdit, s.deletePermission)).Methods("DELETE")
	s.router.HandleFunc("/apps/{id}/permissions/{username}", s.requireApp(store.PermissionEdit, s.deletePermission)).Methods("DELETE")

	// Dashboard reads.
	s.router.HandleFunc("/apps/{id}/overview", s.requireApp(store.PermissionView, s.getOverview)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/audience/now", s.requireApp(store.PermissionView, s.getAudienceNow)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/audience/day", s.requireApp(store.PermissionView, s.getAudienceDay)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/audience/aggregate", s.requireApp(store.PermissionView, s.getAudienceAggregate)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/pages/aggregate", s.requireApp(store.PermissionView, s.getPageAggregate)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/logs/{type}", s.requireApp(store.PermissionView, s.getLogs)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/logs/{type}/aggregate", s.requireApp(store.PermissionView, s.getLogAggregate)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/feedback", s.requireApp(store.PermissionView, s.getFeedback)).Methods("GET")
	s.router.HandleFunc("/apps/{id}/metrics", s.requireApp(store.PermissionView, s.getMetrics)).Methods("GET")
}

// withMiddleware applies the router's middleware stack to a handler
// that mux dispatches outside normal route matching, like the 404
// handler.
func (s *Server) withMiddleware(h http.Handler) http.Handler {
	return httputil.Chain(
		httputil.RecoveryMiddleware(s.logger, s.opts.Dev),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.IdentityMiddleware,
		httputil.CORSMiddleware(s.opts.AllowedOrigin, s.opts.Dev),
	)(h)
}

// routePattern resolves the matched route template for metrics labels
// so per-app paths don't explode label cardinality.
func (s *Server) routePattern(r *http.Request) string {
	var match mux.RouteMatch
	if s.router.Match(r, &match) && match.Route != nil {
		if tpl, err := match.Route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router for embedding in other servers.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) welcome(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"message": "Crash Course"})
}

// admit runs one rate limit check and records rejections.
func (s *Server) admit(ctx context.Context, tag, identity string) bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Admit(ctx, tag, identity, 1) {
		return true
	}
	if s.metrics != nil {
		s.metrics.RateLimitedTotal.WithLabelValues(tag).Inc()
	}
	return false
}

// limitByIP gates a handler on the tag's budget for the client address.
func (s *Server) limitByIP(tag string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.admit(r.Context(), tag, httputil.ClientIP(r)) {
			httputil.WriteRateLimited(w)
			return
		}
		next(w, r)
	}
}

// limitIngest gates an ingestion handler on the audience budget,
// bucketing by the resolved app so one busy app cannot starve the
// rest. Keys that do not resolve share the caller's address bucket, so
// rotating made-up keys never mints fresh buckets.
func (s *Server) limitIngest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := httputil.ClientIP(r)
		if key := r.Header.Get(HeaderAudienceKey); key != "" {
			if app, err := s.registry.GetAppByAudienceKey(r.Context(), key); err == nil {
				identity = "app:" + strconv.FormatInt(app.ID, 10)
			}
		} else if key := r.Header.Get(HeaderTelemetryKey); key != "" {
			if app, err := s.registry.GetAppByTelemetryKey(r.Context(), key); err == nil {
				identity = "app:" + strconv.FormatInt(app.ID, 10)
			}
		}
		if !s.admit(r.Context(), TagAudience, identity) {
			httputil.WriteRateLimited(w)
			return
		}
		next(w, r)
	}
}

type contextKey string

const userContextKey contextKey = "user"

// requireAuth resolves the API-Key header to a logged-in user,
// applies the dashboard rate limit per user, and stores the user in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			httputil.WriteNotAuthenticated(w)
			return
		}
		sess, err := s.registry.GetDashSession(r.Context(), key)
		if err != nil {
			httputil.WriteNotAuthenticated(w)
			return
		}
		user, err := s.registry.GetUser(r.Context(), sess.UserID)
		if err != nil {
			httputil.WriteNotAuthenticated(w)
			return
		}
		if !s.admit(r.Context(), TagDashboard, user.Username) {
			httputil.WriteRateLimited(w)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, &authCtx{user: user, session: sess})
		next(w, r.WithContext(ctx))
	}
}

type authCtx struct {
	user    *store.User
	session *store.DashSession
}

func (s *Server) auth(r *http.Request) *authCtx {
	a, _ := r.Context().Value(userContextKey).(*authCtx)
	return a
}
