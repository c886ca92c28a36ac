package api

import (
	"net/http"
	"slices"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Nicat85/BuynityProject-sub001/internal/middleware"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Auth authenticates every /api route.
	Auth func(http.Handler) http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready gates /readyz.
	Ready *atomic.Bool
	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string
}

// NewRouter wires the API handlers onto a chi router.
func NewRouter(a *API, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors(opts.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil && !opts.Ready.Load() {
			writeJSONError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		r.Get("/presence/{identity}", a.PresenceHandler)
		r.Post("/threads/{threadID}/messages", a.PostThreadMessageHandler)
		r.Get("/threads/{threadID}/messages", a.ThreadHistoryHandler)
		r.With(middleware.RequireScope(middleware.ScopeNotificationsSend)).
			Post("/users/{identity}/notifications", a.PostNotificationHandler)
		r.Post("/deliveries", a.EnqueueDeliveryHandler)
	})
	return r
}

func cors(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (slices.Contains(allowed, "*") || slices.Contains(allowed, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
