package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FetchAttempts.WithLabelValues("ok").Inc()
	m.CacheLookups.WithLabelValues("memory", "hit").Add(3)

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("memory", "hit")); got != 3 {
		t.Errorf("cache hits = %v, want 3", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestNewWithoutRegistry(t *testing.T) {
	// Two unregistered sets must not collide.
	a, b := New(nil), New(nil)
	a.GPUUploads.Inc()
	if testutil.ToFloat64(b.GPUUploads) != 0 {
		t.Error("unregistered metric sets should be independent")
	}
}
