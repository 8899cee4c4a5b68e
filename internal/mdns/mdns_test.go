package mdns

import "testing"

func TestSanitizeInstanceStripsControlAndDots(t *testing.T) {
	got := sanitizeInstance("MQTT Broker (host.local)\r\n")
	want := "MQTT Broker (host local)"
	if got != want {
		t.Fatalf("sanitizeInstance: got %q, want %q", got, want)
	}
}

func TestSanitizeInstanceFallsBackWhenEmpty(t *testing.T) {
	if got := sanitizeInstance("   "); got != "MQTT Broker" {
		t.Fatalf("expected fallback name, got %q", got)
	}
}

func TestSanitizeInstanceTruncatesToMaxLength(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	got := sanitizeInstance(string(long))
	if len(got) != 63 {
		t.Fatalf("expected truncation to 63 runes, got %d", len(got))
	}
}

func TestModuleNameIdentifiesExtension(t *testing.T) {
	m := NewModule(New(nil), 1883, []string{"default"})
	if m.Name() != "mdns" {
		t.Fatalf("expected module name %q, got %q", "mdns", m.Name())
	}
}
