package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/codec"
	"github.com/kjstillabower/skipchain/internal/degraded"
	"github.com/kjstillabower/skipchain/internal/lifecycle"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/overload"
	"github.com/kjstillabower/skipchain/internal/service"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/validation"
)

// DefaultMaxBodySize bounds decoded request bodies.
const DefaultMaxBodySize = 32 << 20

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	Version              string
	// OnDegraded, when set, is called each time health reports degraded.
	OnDegraded func()
}

// Backend is the conode service the handler dispatches messages to.
type Backend interface {
	Endpoints() []service.Endpoint
	Stats() (service.Stats, error)
}

// Handler serves skipchain messages and the health endpoint.
type Handler struct {
	backend          Backend
	endpoints        map[string]service.Endpoint
	healthConfig     *HealthConfig
	logger           *zap.Logger
	address          string
	maxBodySize      int64
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a Handler for backend. address is reported by /health.
func NewHandler(backend Backend, address string, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	eps := backend.Endpoints()
	byName := make(map[string]service.Endpoint, len(eps))
	names := make([]string, 0, len(eps))
	for _, ep := range eps {
		byName[ep.Request] = ep
		names = append(names, ep.Request)
	}
	observability.SetTrackedMessages(names)
	return &Handler{
		backend:      backend,
		endpoints:    byName,
		healthConfig: healthConfig,
		logger:       logger,
		address:      address,
		maxBodySize:  DefaultMaxBodySize,
	}
}

// ServeMessage handles POST /{service}/{message}: it decodes the CBOR body
// into the request type of message, runs it and encodes the reply.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	svc, name := vars["service"], vars["message"]
	if err := validation.ValidateMessageName(svc); err != nil {
		writeErrorReply(w, r, http.StatusBadRequest, skipchain.CodeInvalid, err.Error())
		return
	}
	if err := validation.ValidateMessageName(name); err != nil {
		writeErrorReply(w, r, http.StatusBadRequest, skipchain.CodeInvalid, err.Error())
		return
	}
	ep, ok := h.endpoints[name]
	if svc != skipchain.ServiceName || !ok {
		writeErrorReply(w, r, http.StatusNotFound, skipchain.CodeNotFound, "unknown message "+svc+"/"+name)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		writeErrorReply(w, r, http.StatusBadRequest, skipchain.CodeInvalid, "read body: "+err.Error())
		return
	}
	if int64(len(body)) > h.maxBodySize {
		writeErrorReply(w, r, http.StatusRequestEntityTooLarge, skipchain.CodeInvalid, "message too large")
		return
	}
	req := ep.NewRequest()
	if err := codec.Decode(body, req); err != nil {
		writeErrorReply(w, r, http.StatusBadRequest, skipchain.CodeInvalid, "decode "+name+": "+err.Error())
		return
	}

	observability.RecordMessage(name)
	reply, err := ep.Process(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, name, err)
		return
	}
	data, err := codec.Encode(reply)
	if err != nil {
		degraded.RecordError()
		writeErrorReply(w, r, http.StatusInternalServerError, skipchain.CodeInternal, "encode "+ep.Reply)
		return
	}
	degraded.RecordSuccess()
	w.Header().Set("Content-Type", network.ContentType)
	w.Header().Set(network.HeaderMessageType, ep.Reply)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	stats, statsErr := h.backend.Stats()
	result := h.computeHealthStatus(statsErr)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	if result.status == "degraded" && h.healthConfig != nil && h.healthConfig.OnDegraded != nil {
		h.healthConfig.OnDegraded()
	}

	checks := map[string]string{"storage": "healthy"}
	if statsErr != nil {
		checks["storage"] = "unhealthy"
	}
	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "conode",
		"address":   h.address,
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if statsErr == nil {
		resp["stats"] = stats
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates the conditions in priority order:
// shutting-down > overloaded > degraded (storage, then error rate) > healthy.
func (h *Handler) computeHealthStatus(storageErr error) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig != nil && overload.Overloaded(h.healthConfig.OverloadWindow, h.healthConfig.RateLimitRPS, h.healthConfig.OverloadThresholdPct) {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if storageErr != nil {
		h.logger.Warn("storage check failed", zap.Error(storageErr))
		return healthResult{"degraded", http.StatusServiceUnavailable, "storage_unavailable"}
	}
	if h.healthConfig != nil && degraded.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErrorReply writes a CBOR ErrorReply. The correlation ID is echoed in
// the response header by CorrelationIDMiddleware.
func writeErrorReply(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	data, err := codec.Encode(&network.ErrorReply{Code: code, Message: message})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	if id := network.CorrelationID(r.Context()); id != "" {
		w.Header().Set(network.HeaderCorrelationID, id)
	}
	w.Header().Set("Content-Type", network.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeServiceError maps a service error to its code and status. Only
// conode-side failures count toward the degraded error rate.
func writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logger := observability.LoggerFromContext(r.Context(), nil)
	code, status := skipchain.ErrorCode(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code, status = skipchain.CodeInternal, http.StatusGatewayTimeout
		degraded.RecordError()
	case status >= http.StatusInternalServerError:
		degraded.RecordError()
		logger.Error("message failed", zap.String("message", message), zap.Error(err))
	default:
		degraded.RecordSuccess()
		logger.Debug("message rejected", zap.String("message", message), zap.String("code", code), zap.Error(err))
	}
	if code == skipchain.CodeVerification {
		observability.VerificationFailuresTotal.WithLabelValues("request").Inc()
	}
	writeErrorReply(w, r, status, code, err.Error())
}
