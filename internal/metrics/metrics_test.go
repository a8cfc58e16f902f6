package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsAreIndependent(t *testing.T) {
	first := NewCollector("kg")
	second := NewCollector("kg")

	first.IncDecisionConflict("supersede")
	first.IncDecisionConflict("supersede")

	if got := testutil.ToFloat64(first.DecisionConflicts.WithLabelValues("supersede")); got != 2 {
		t.Fatalf("first collector conflicts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(second.DecisionConflicts.WithLabelValues("supersede")); got != 0 {
		t.Fatalf("second collector conflicts = %v, want 0", got)
	}
}

func TestHandlerExposesObservations(t *testing.T) {
	c := NewCollector("kg")
	c.ObserveHTTP("GET", "/api/health", 200, 5*time.Millisecond)
	c.ObserveSearch("hybrid", 3, 20*time.Millisecond)
	c.ObserveTraversal(12, true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`kg_http_requests_total{method="GET",route="/api/health",status="200"} 1`,
		`kg_graph_traversal_truncated_total 1`,
		`kg_search_duration_seconds_count{mode="hybrid"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveSearch("keyword", 1, time.Millisecond)
	c.IncOperationError("search", "retrieval")
}
