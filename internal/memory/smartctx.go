package memory

import (
	"context"
	"strings"
)

// CharsPerToken is the constant cost-per-character approximation used
// for the context budget. No tokenizer dependency.
const CharsPerToken = 4

// Smart-context defaults.
const (
	DefaultTokenBudget = 4000
	DefaultDepthCap    = 3
)

// ContextResult is the assembled smart context for an architecture item.
type ContextResult struct {
	Text      string   `json:"text"`
	Visited   []string `json:"visited"`
	Truncated bool     `json:"truncated"`
}

// estimateTokens approximates the token cost of text.
func estimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// firstSentences returns the first n sentences of text, crudely split on
// sentence-ending punctuation.
func firstSentences(text string, n int) string {
	count := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= n {
				return strings.TrimSpace(text[:i+1])
			}
		}
	}
	return strings.TrimSpace(text)
}

// SmartContext assembles a token-budgeted context blob starting at slug.
// It includes the starting item in full, walks children breadth-first up
// to depthCap charging title + when-to-use + requirements per item,
// follows related links one hop for supporting blurbs, and degrades to
// summaries once the budget is exceeded. The deadline on ctx is honored:
// running out of time yields a truncated partial result, not an error.
func (s *ArchStore) SmartContext(ctx context.Context, ns, slug string, tokenBudget, depthCap int) (*ContextResult, error) {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	if depthCap <= 0 {
		depthCap = DefaultDepthCap
	}

	start, err := s.Get(ctx, ns, slug)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	res := &ContextResult{}
	used := 0
	summarizing := false
	seen := map[string]bool{}

	// charge appends text if it fits the remaining budget. On overflow it
	// flips the walk into summarizing mode and writes nothing; the caller
	// retries with a summary or stops.
	charge := func(text string) bool {
		cost := estimateTokens(text)
		if used+cost > tokenBudget {
			res.Truncated = true
			summarizing = true
			return false
		}
		b.WriteString(text)
		used += cost
		return true
	}

	visit := func(slug string) {
		if !seen[slug] {
			seen[slug] = true
			res.Visited = append(res.Visited, slug)
		}
	}

	// 1. Starting item, in full even when it alone exceeds the budget.
	visit(start.Item.Slug)
	head := "# " + start.Item.Title + "\n\n" + start.Item.Requirements + "\n"
	if !charge(head) {
		b.WriteString(head)
		used += estimateTokens(head)
	}

	// 2. BFS into children up to depthCap.
	type frontierEntry struct {
		slug  string
		depth int
	}
	frontier := make([]frontierEntry, 0, len(start.Item.ChildrenSlugs))
	for _, c := range start.Item.ChildrenSlugs {
		frontier = append(frontier, frontierEntry{c, 1})
	}
	var related []string
	related = append(related, start.Item.RelatedSlugs...)

	for len(frontier) > 0 {
		if ctx.Err() != nil || used >= tokenBudget {
			res.Truncated = true
			break
		}
		entry := frontier[0]
		frontier = frontier[1:]
		if seen[entry.slug] || entry.depth > depthCap {
			continue
		}
		child, err := s.Get(ctx, ns, entry.slug)
		if err != nil {
			continue // dangling
		}
		visit(entry.slug)

		item := child.Item
		summary := "## " + item.Title + "\n" + firstSentences(item.Requirements, 2)
		if len(item.Keywords) > 0 {
			summary += "\nkeywords: " + strings.Join(item.Keywords, ", ")
		}
		summary += "\n"

		if summarizing {
			if !charge(summary) {
				break
			}
		} else {
			section := "## " + item.Title + "\n"
			for _, w := range item.WhenToUse {
				section += "- " + w + "\n"
			}
			section += firstSentences(item.Requirements, 6) + "\n"
			// Overflow degrades this and every later section to a summary.
			if !charge(section) && !charge(summary) {
				break
			}
		}

		if entry.depth < depthCap {
			for _, c := range item.ChildrenSlugs {
				frontier = append(frontier, frontierEntry{c, entry.depth + 1})
			}
		}
	}

	// 3. Related links, depth 1 only: supporting blurbs.
	for _, rel := range related {
		if ctx.Err() != nil || used >= tokenBudget {
			res.Truncated = true
			break
		}
		if seen[rel] {
			continue
		}
		r, err := s.Get(ctx, ns, rel)
		if err != nil {
			continue
		}
		visit(rel)
		blurb := "> " + r.Item.Title + ": " + firstSentences(r.Item.Requirements, 1) + "\n"
		if !charge(blurb) {
			break
		}
	}

	res.Text = b.String()
	return res, nil
}
