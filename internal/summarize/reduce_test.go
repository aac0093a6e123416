package summarize

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	if n := EstimateTokens(""); n != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", n)
	}
	if n := EstimateTokens("call me Ishmael"); n != 3 {
		t.Fatalf("expected 3 tokens, got %d", n)
	}
	if n := EstimateTokens("  spaced\n\nout\ttext  "); n != 3 {
		t.Fatalf("expected 3 tokens for ragged whitespace, got %d", n)
	}
}

func TestGroupFixed(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	groups := groupFixed(items, 4)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if len(groups[0]) != 4 || len(groups[1]) != 4 || len(groups[2]) != 1 {
		t.Fatalf("unexpected group sizes: %d %d %d", len(groups[0]), len(groups[1]), len(groups[2]))
	}
	if strings.Join(groups[0], "") != "abcd" {
		t.Fatalf("groups must keep position order, got %q", strings.Join(groups[0], ""))
	}

	// A degenerate size cannot produce single-item groups everywhere,
	// otherwise reduction would never shrink the input.
	groups = groupFixed([]string{"a", "b"}, 1)
	if len(groups) != 1 {
		t.Fatalf("expected a single group for size 1, got %d", len(groups))
	}
}
