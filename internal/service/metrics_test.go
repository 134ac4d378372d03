package service

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("tools/call", "ok").Inc()
	m.DecisionsTotal.WithLabelValues("allow", "").Inc()
	m.BundleRevision.Set(3)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("tools/call", "ok")); got != 1 {
		t.Fatalf("expected requests_total=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("allow", "")); got != 1 {
		t.Fatalf("expected decisions_total=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.BundleRevision); got != 3 {
		t.Fatalf("expected bundle_revision=3, got %v", got)
	}
}
