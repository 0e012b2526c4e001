//go:build integration

package integration

import "testing"

func TestSpecNameAndVersion(t *testing.T) {
	h := openHandle(t)

	name, err := h.Name(defaultTimeout)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if name != "FAKESPEC" {
		t.Errorf("Name: got %q, want %q", name, "FAKESPEC")
	}

	version, err := h.Version(defaultTimeout)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if version == "" {
		t.Error("Version: got empty string")
	}
}

func TestSpecMotorsEnumeration(t *testing.T) {
	h := openHandle(t)

	motors, err := h.Motors(defaultTimeout)
	if err != nil {
		t.Fatalf("Motors: %v", err)
	}
	if len(motors) != 2 {
		t.Fatalf("Motors: got %d entries, want 2", len(motors))
	}
	want := map[string]string{"th": "Theta", "tth": "Two Theta"}
	for _, m := range motors {
		if want[m.Mnemonic] != m.Name {
			t.Errorf("motor %q: got name %q, want %q", m.Mnemonic, m.Name, want[m.Mnemonic])
		}
	}
}

func TestSpecCountersEnumeration(t *testing.T) {
	h := openHandle(t)

	counters, err := h.Counters(defaultTimeout)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if len(counters) != 3 {
		t.Fatalf("Counters: got %d entries, want 3", len(counters))
	}
}

func TestSpecCommandGenericEcho(t *testing.T) {
	h := openHandle(t)

	reply, err := h.Command("whatever_macro()").Call(defaultTimeout)
	if err != nil {
		t.Fatalf("Command.Call: %v", err)
	}
	if reply.Str == "" {
		t.Error("Command.Call: expected a non-empty echoed reply")
	}
}
