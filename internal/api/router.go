package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trenfi/position-engine/internal/metrics"
)

// NewRouter mounts the service, the WebSocket hub, /health and /metrics.
// hub may be nil, in which case /api/v1/ws is not served.
func NewRouter(svc *Service, hub *WSHub, requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if !svc.state.Loaded() {
			status = "loading"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status, "service": "position-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			// Long-lived; outside the request timeout.
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/state", svc.GetState)
			r.Post("/refresh", svc.Refresh)
			r.Get("/fees", svc.GetFees)

			r.Post("/positions/diff", svc.Diff)
			r.Post("/positions/apply", svc.Apply)
			r.Get("/positions/preview/create", svc.PreviewCreate)
			r.Get("/positions/preview/adjust", svc.PreviewAdjust)
			r.Post("/positions/target", svc.PreviewTarget)

			r.Get("/hints", svc.GetHints)
			r.Get("/redemption", svc.GetRedemption)

			r.Get("/history", svc.ListHistory)
			r.Get("/history/{recordID}", svc.GetHistoryRecord)
		})
	})
	return r
}

// cors allows cross-origin requests from browser frontends.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
