package summarize

import "strings"

// windowOverlap is how many words adjacent windows share, so a passage
// falling on a boundary is seen whole by at least one window.
const windowOverlap = 200

// splitWindows breaks text into word windows of at most size words each,
// overlapping by the given word count. Returns nil for empty text.
func splitWindows(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 || len(words) <= size {
		return []string{strings.Join(words, " ")}
	}
	if overlap < 0 {
		overlap = 0
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var windows []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		windows = append(windows, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return windows
}
