package tilemap

import (
	"testing"

	"github.com/gogpu/tilemap/config"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.cfg == nil {
		t.Fatal("default config is nil")
	}
	if o.cfg.GPU.BudgetBytes <= 0 || o.cfg.Cache.CapacityBytes <= 0 {
		t.Errorf("default budgets = %d, %d", o.cfg.GPU.BudgetBytes, o.cfg.Cache.CapacityBytes)
	}
}

func TestOptionsApply(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 3

	o := defaultOptions()
	for _, opt := range []Option{
		WithConfig(nil),
		WithConfig(cfg),
		WithLayers(Layer{Name: "a"}),
		WithLayers(Layer{Name: "b"}, Layer{Name: "c"}),
		WithMaxAncestorDepth(2),
	} {
		opt(&o)
	}
	if o.cfg != cfg {
		t.Error("WithConfig did not replace the config")
	}
	if len(o.layers) != 3 || o.layers[2].Name != "c" {
		t.Errorf("layers = %+v", o.layers)
	}
	if o.ancestors != 2 {
		t.Errorf("ancestors = %d, want 2", o.ancestors)
	}
}
