package summarize

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"bookbot/internal/gateway"
)

// reduceGroupSize fixes how many summaries merge per reduction call. A merge
// emits at most MaxTokens, so any group size >= 2 converges below the budget.
const reduceGroupSize = 4

// EstimateTokens approximates token count by whitespace-delimited words to
// avoid a tokenizer dependency.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

func totalTokens(summaries []string) int {
	total := 0
	for _, s := range summaries {
		total += EstimateTokens(s)
	}
	return total
}

// groupFixed splits items into consecutive groups of the given size; the
// last group holds the remainder.
func groupFixed(items []string, size int) [][]string {
	if size < 2 {
		size = 2
	}
	var groups [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		groups = append(groups, items[start:end])
	}
	return groups
}

// reduce merges chapter summaries level by level until their combined
// estimated token count fits the context budget. Grouping is positional, so
// retries replay the same groups and hit the completion cache. Intermediate
// merges are not persisted.
func (p *Pipeline) reduce(ctx context.Context, summaries []string) ([]string, error) {
	for len(summaries) > 1 && totalTokens(summaries) > p.opts.ContextBudget {
		groups := groupFixed(summaries, reduceGroupSize)
		p.log.Debug("reducing summaries to fit context budget",
			"summaries", len(summaries), "groups", len(groups), "tokens", totalTokens(summaries))

		merged := make([]string, len(groups))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.opts.Concurrency)
		for i, group := range groups {
			if len(group) == 1 {
				merged[i] = group[0]
				continue
			}
			g.Go(func() error {
				comp, err := p.llm.Complete(gctx, gateway.CompletionSpec{
					Template:    TemplateSummaryReduce,
					System:      summarySystem,
					Prompt:      reducePrompt(group),
					Model:       p.opts.Model,
					MaxTokens:   p.opts.MaxTokens,
					Temperature: p.opts.Temperature,
					ContentHash: gateway.HashText(strings.Join(group, "\n\n")),
				})
				if err != nil {
					return err
				}
				merged[i] = comp.Text
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		summaries = merged
		p.beat()
	}
	return summaries, nil
}
