package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMergeCountsRowsByChange(t *testing.T) {
	m := New()
	m.RecordMerge("success", 3, 2, 1, 2*time.Second)
	m.RecordMerge("success", 1, 0, 0, time.Second)

	if got := testutil.ToFloat64(m.mergeRuns.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.mergeRows.WithLabelValues("added")); got != 4 {
		t.Fatalf("expected 4 added rows, got %v", got)
	}
	if got := testutil.ToFloat64(m.mergeRows.WithLabelValues("deleted")); got != 1 {
		t.Fatalf("expected 1 deleted row, got %v", got)
	}
}

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	m := New()
	m.ObserveHTTP("/coda/merge", 429, 5*time.Millisecond)
	m.RecordCodaRequest("GET", 200)
	m.RecordCodaRetry("rate_limited")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`coda_helper_http_requests_total{code="429",route="/coda/merge"} 1`,
		`coda_helper_coda_requests_total{method="GET",status="200"} 1`,
		`coda_helper_coda_retries_total{reason="rate_limited"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("/healthz", 200, time.Millisecond)
	m.RecordMerge("failure", 0, 0, 0, time.Second)
	m.RecordCodaRequest("GET", 500)
	m.RecordCodaRetry("server_error")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}
