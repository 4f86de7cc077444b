package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Operation("submit_analysis", "ok")
	r.Operation("submit_analysis", "ok")
	r.Operation("submit_analysis", "validation")
	if got := testutil.ToFloat64(r.operations.WithLabelValues("submit_analysis", "ok")); got != 2 {
		t.Fatalf("ok count = %v, want 2", got)
	}
	r.AlertsExpired(3)
	if got := testutil.ToFloat64(r.alertsExpired); got != 3 {
		t.Fatalf("expired = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "chainguard_operations_total") {
		t.Fatalf("expected exposition to include operations counter")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Operation("x", "ok")
	r.Score(50)
	r.Subscribers(1)
	r.PublishError()
	if r.Registry() != nil {
		t.Fatalf("nil recorder should have nil registry")
	}
}
