package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-companion/internal/observability"
)

// RouterConfig holds the per-route middleware settings.
type RouterConfig struct {
	// RequestTimeout bounds routes that call the upstream provider. Zero disables it.
	RequestTimeout time.Duration
	// Limiter guards upstream-bound routes; nil disables rate limiting.
	Limiter *rate.Limiter
}

// NewRouter registers every endpoint on a gorilla/mux router. Routes that may
// call the upstream provider (/weather/*, /locations/search, /locations/reverse)
// are rate limited, bounded by RequestTimeout and counted for health.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed")
	})
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(TracingMiddleware)
	router.Use(MetricsMiddleware)

	upstream := func(fn http.HandlerFunc) http.Handler {
		var next http.Handler = fn
		if cfg.RequestTimeout > 0 {
			next = TimeoutMiddleware(cfg.RequestTimeout)(next)
		}
		return TrafficMiddleware(RateLimitMiddleware(cfg.Limiter)(next))
	}

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weather := router.PathPrefix("/weather").Subrouter()
	weather.Handle("/current", upstream(h.GetCurrentWeather)).Methods(http.MethodGet)
	weather.Handle("/forecast", upstream(h.GetForecast)).Methods(http.MethodGet)
	weather.Handle("/alerts", upstream(h.GetAlerts)).Methods(http.MethodGet)
	weather.Handle("/overview", upstream(h.GetOverview)).Methods(http.MethodGet)

	router.Handle("/locations/search", upstream(h.SearchLocations)).Methods(http.MethodGet)
	router.Handle("/locations/search", upstream(h.AddLocationBySearch)).Methods(http.MethodPost)
	router.Handle("/locations/reverse", upstream(h.ReverseLocation)).Methods(http.MethodGet)
	router.HandleFunc("/locations", h.ListLocations).Methods(http.MethodGet)
	router.HandleFunc("/locations", h.CreateLocation).Methods(http.MethodPost)
	router.HandleFunc("/locations/{id}", h.DeleteLocation).Methods(http.MethodDelete)
	router.HandleFunc("/locations/{id}/favorite", h.ToggleFavorite).Methods(http.MethodPost)

	router.HandleFunc("/settings", h.GetSettings).Methods(http.MethodGet)
	router.HandleFunc("/settings", h.PatchSettings).Methods(http.MethodPatch)

	router.HandleFunc("/cache/purge", h.PurgeCache).Methods(http.MethodPost)

	return router
}
