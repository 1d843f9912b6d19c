package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
	if len(a) != 26 {
		t.Fatalf("unexpected ulid length %d", len(a))
	}
}

func TestKeyIDPrefix(t *testing.T) {
	kid := KeyID("ORGANIZATION-42")
	if !strings.HasPrefix(kid, "organiza-") {
		t.Fatalf("unexpected kid prefix: %s", kid)
	}
	if KeyID("org-1") == KeyID("org-1") {
		t.Fatalf("expected unique kids")
	}
	if !strings.HasPrefix(KeyID("  "), "org-") {
		t.Fatalf("expected fallback prefix")
	}
}
