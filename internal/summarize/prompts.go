package summarize

import (
	"fmt"
	"strings"

	"bookbot/internal/store"
)

// Template names key the gateway fingerprint, so renaming one invalidates
// cached completions for that stage.
const (
	TemplateChapterSummary = "chapter-summary"
	TemplateChapterWindow  = "chapter-window"
	TemplateSummaryReduce  = "summary-reduce"
	TemplateBookSummary    = "book-summary"
)

const summarySystem = "You are a careful reader maintaining a personal research library. " +
	"Work only from the text you are given and never invent content."

func authorOrUnknown(author string) string {
	if author == "" {
		return "Unknown"
	}
	return author
}

func chapterPrompt(doc store.Document, chapter store.Chapter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this chapter of '%s' by %s.\n", doc.Title, authorOrUnknown(doc.Author))
	if chapter.Title != "" {
		fmt.Fprintf(&b, "Chapter: %s\n", chapter.Title)
	}
	b.WriteString("\nPreserve the key events, arguments, names, and themes.\n\n")
	b.WriteString(chapter.Text)
	return b.String()
}

func windowPrompt(doc store.Document, chapter store.Chapter, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this part of a chapter of '%s' by %s.\n", doc.Title, authorOrUnknown(doc.Author))
	if chapter.Title != "" {
		fmt.Fprintf(&b, "Chapter: %s\n", chapter.Title)
	}
	b.WriteString("\nPreserve the key events, arguments, names, and themes.\n\n")
	b.WriteString(text)
	return b.String()
}

func reducePrompt(group []string) string {
	var b strings.Builder
	b.WriteString("Merge these consecutive summaries into a single summary. " +
		"Keep their order and preserve concrete details.\n")
	for i, s := range group {
		fmt.Fprintf(&b, "\nSummary %d:\n%s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}

func bookPrompt(doc store.Document, summaries []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a comprehensive summary of '%s' by %s from the chapter summaries below.\n",
		doc.Title, authorOrUnknown(doc.Author))
	b.WriteString("Cover the full arc of the book, its central arguments, and its themes.\n")
	for i, s := range summaries {
		fmt.Fprintf(&b, "\nPart %d:\n%s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}
