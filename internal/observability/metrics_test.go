package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across network, service, client and http packages.
func TestMetrics_Usable(t *testing.T) {
	// Route uses path template to avoid cardinality (e.g. /{service}/{message})
	HTTPRequestsTotal.WithLabelValues("POST", "/{service}/{message}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("POST", "/{service}/{message}").Observe(0.01)
	RosterSocketRequestsTotal.WithLabelValues("127.0.0.1:7000", "success").Inc()
	RosterSocketDuration.WithLabelValues("error").Observe(0.1)
	RosterSocketFailoversTotal.Inc()
	RosterSocketRetriesTotal.Inc()
	CircuitBreakerTransitionsTotal.WithLabelValues("conode", "closed", "open").Inc()
	VerificationFailuresTotal.WithLabelValues("verification").Inc()
	BlocksStoredTotal.WithLabelValues("append").Inc()
	CosiRoundsTotal.WithLabelValues("success").Inc()
	CosiRoundDuration.Observe(0.05)
	CacheHitsTotal.WithLabelValues("checkpoint").Inc()
	CacheMissesTotal.WithLabelValues("checkpoint").Inc()
}

// TestSetTrackedMessages_and_RecordMessage verifies that SetTrackedMessages
// configures the allow-list and RecordMessage labels unknown names as "other".
func TestSetTrackedMessages_and_RecordMessage(t *testing.T) {
	SetTrackedMessages([]string{"GetUpdateChain", "StoreSkipBlock"})
	RecordMessage("GetUpdateChain")
	RecordMessage("Unknown")
	SetTrackedMessages(nil) // reset for other tests
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
