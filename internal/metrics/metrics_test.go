package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	EscrowOperationsTotal.WithLabelValues("release", "ok").Inc()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"gigescrow_pending_release_intents",
		"gigescrow_escrow_operations_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestObserveGateway(t *testing.T) {
	before := testutil.CollectAndCount(GatewayRequestDuration)
	ObserveGateway("transfer_test", time.Now(), errors.New("boom"))
	if after := testutil.CollectAndCount(GatewayRequestDuration); after != before+1 {
		t.Fatalf("expected a new series, before=%d after=%d", before, after)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx")); got < 1 {
		t.Errorf("expected request counter to be incremented, got %v", got)
	}
}

func TestObserveGateway_RecordsSampleByResult(t *testing.T) {
	GatewayRequestDuration.Reset()
	ObserveGateway("payout", time.Now(), nil)
	ObserveGateway("payout", time.Now(), errors.New("declined"))
	ObserveGateway("payout", time.Now(), errors.New("declined"))

	ch := make(chan prometheus.Metric, 4)
	GatewayRequestDuration.Collect(ch)
	close(ch)

	counts := map[string]uint64{}
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "result" {
				counts[lp.GetValue()] = m.GetHistogram().GetSampleCount()
			}
		}
	}
	if counts["ok"] != 1 || counts["error"] != 2 {
		t.Errorf("unexpected sample counts %v", counts)
	}
}
