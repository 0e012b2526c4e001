//go:build integration

package integration

import (
	"testing"

	"github.com/speclab/specgo/counter"
)

func TestCounterCountAndValue(t *testing.T) {
	h := openHandle(t)
	c := h.Counter("sec")

	if c.Type() != counter.Timer {
		t.Fatalf("Type: got %v, want Timer", c.Type())
	}

	before, err := c.GetValue(defaultTimeout)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}

	value, err := c.Count(1, true, defaultTimeout)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if value <= before {
		t.Errorf("Count: got %v, want greater than pre-count value %v", value, before)
	}
}

func TestCounterStop(t *testing.T) {
	h := openHandle(t)
	c := h.Counter("mon")

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	state, err := c.GetState(defaultTimeout)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state != 0 {
		t.Errorf("GetState after Stop: got %v, want NotCounting (0)", state)
	}
}

func TestCounterEnableDisable(t *testing.T) {
	h := openHandle(t)
	c := h.Counter("det")

	if err := c.SetEnabled(false, defaultTimeout); err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}
	enabled, err := c.IsEnabled(defaultTimeout)
	if err != nil {
		t.Fatalf("IsEnabled: %v", err)
	}
	if enabled {
		t.Error("IsEnabled: got true after SetEnabled(false)")
	}

	if err := c.SetEnabled(true, defaultTimeout); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	enabled, err = c.IsEnabled(defaultTimeout)
	if err != nil {
		t.Fatalf("IsEnabled: %v", err)
	}
	if !enabled {
		t.Error("IsEnabled: got false after SetEnabled(true)")
	}
}
