package summarize

import (
	"strings"
	"testing"
)

func TestSplitWindowsEmptyText(t *testing.T) {
	if got := splitWindows("", 10, 2); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
}

func TestSplitWindowsShortTextIsOneWindow(t *testing.T) {
	got := splitWindows("call me Ishmael", 10, 2)
	if len(got) != 1 {
		t.Fatalf("expected 1 window, got %d", len(got))
	}
	if got[0] != "call me Ishmael" {
		t.Fatalf("window must carry the whole text, got %q", got[0])
	}
}

func TestSplitWindowsOverlap(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	got := splitWindows(text, 4, 1)
	if len(got) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(got))
	}
	if got[0] != "one two three four" {
		t.Fatalf("unexpected first window: %q", got[0])
	}
	if !strings.HasPrefix(got[1], "four") {
		t.Fatalf("second window must start on the overlapped word, got %q", got[1])
	}
	if !strings.HasSuffix(got[len(got)-1], "ten") {
		t.Fatalf("last window must end on the last word, got %q", got[len(got)-1])
	}
}

func TestSplitWindowsDegenerateOverlap(t *testing.T) {
	// Overlap at or above the window size would never advance; the step
	// falls back to the full window size.
	text := "one two three four five six"
	got := splitWindows(text, 3, 5)
	if len(got) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(got))
	}
	if got[0] != "one two three" || got[1] != "four five six" {
		t.Fatalf("unexpected windows: %q", got)
	}
}

func TestSplitWindowsCoversEveryWord(t *testing.T) {
	words := strings.Fields(strings.Repeat("w ", 103))
	text := strings.Join(words, " ")
	got := splitWindows(text, 10, 3)
	last := got[len(got)-1]
	if n := len(strings.Fields(last)); n > 10 {
		t.Fatalf("window exceeds size: %d words", n)
	}
	total := 0
	for _, w := range got {
		total += len(strings.Fields(w))
	}
	// 103 words, step 7: every word appears, overlapped words twice.
	if total < 103 {
		t.Fatalf("windows dropped words: %d < 103", total)
	}
}
