package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/skipchain/internal/observability"
)

// RouterConfig configures NewRouter. Zero values disable rate limiting and
// the request timeout.
type RouterConfig struct {
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter wires the conode routes: skipchain messages under
// POST /{service}/{message}, plus GET /health and GET /metrics.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	messages := router.PathPrefix("/").Subrouter()
	messages.Use(RateLimitMiddleware(cfg.Limiter))
	messages.Use(TimeoutMiddleware(cfg.RequestTimeout))
	messages.HandleFunc("/{service}/{message}", h.ServeMessage).Methods(http.MethodPost)
	return router
}
