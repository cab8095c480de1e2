package ids

import "testing"

func TestNewIsSortableAndValid(t *testing.T) {
	a := New()
	b := New()
	if !Valid(a) || !Valid(b) {
		t.Fatalf("generated ids not valid: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %q then %q", a, b)
	}
}

func TestValid(t *testing.T) {
	for _, raw := range []string{"", "   ", "req-1", "01HZZZZZZZZZZZZZZZZZZZZZZZZ"} {
		if Valid(raw) {
			t.Fatalf("Valid(%q) = true", raw)
		}
	}
}
