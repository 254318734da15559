package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestWithKeepsValidIDs(t *testing.T) {
	ctx := With(context.Background(), "  req-42 ")
	if got := ID(ctx); got != "req-42" {
		t.Fatalf("expected req-42, got %q", got)
	}
	if Ensure(ctx) != ctx {
		t.Fatal("Ensure should keep an existing id")
	}
}

func TestWithReplacesInvalidIDs(t *testing.T) {
	for _, bad := range []string{"", strings.Repeat("x", MaxIDLength+1), "bad\nid"} {
		if got := ID(With(context.Background(), bad)); got == "" || got == bad {
			t.Fatalf("invalid id %q was not replaced (got %q)", bad, got)
		}
	}
	if ID(Ensure(context.Background())) == "" {
		t.Fatal("Ensure should attach an id")
	}
}
