package memory

import (
	"context"
	"math"
	"sort"

	"github.com/taskmesh/taskmesh/internal/embed"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// MatchCandidates is how many hybrid-retrieval candidates the matcher
// re-ranks with usage statistics.
const MatchCandidates = 10

// Re-ranking weights. Similarity dominates; a well-proven solution gets
// a boost, a frequently consulted one a nudge.
const (
	weightSimilarity = 1.0
	weightSuccess    = 0.4
	weightUsage      = 0.1
)

// Match is one ranked troubleshoot suggestion for a problem description.
type Match struct {
	Slug        string  `json:"slug"`
	Title       string  `json:"title"`
	Solutions   string  `json:"ai_solutions"`
	Score       float64 `json:"score"`
	SuccessRate float64 `json:"success_rate"`
}

// MatchProblem retrieves the troubleshoot items most likely to resolve
// the given problem description. Hybrid retrieval picks the candidate
// pool; the final order blends similarity with each item's track record:
//
//	score = similarity + 0.4*success_rate + 0.1*ln(1+usage_count)
func (s *TroubleStore) MatchProblem(ctx context.Context, ns, problem string, limit int) ([]Match, error) {
	if limit <= 0 || limit > MatchCandidates {
		limit = MatchCandidates
	}
	db, err := s.cat.Namespace(ns)
	if err != nil {
		return nil, err
	}
	qv, err := s.embed(ctx, problem)
	if err != nil {
		return nil, err
	}
	scored, err := db.HybridTopK(ctx, vecstore.TableTroubleshoot, qv, problem, MatchCandidates, nil)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(scored))
	for _, sc := range scored {
		item, err := decodeTrouble(sc.Record)
		if err != nil {
			return nil, err
		}
		sim := sc.Score
		if qv != nil && sc.Record.Vector != nil {
			sim = embed.Cosine(qv, sc.Record.Vector)
		}
		rate := item.SuccessRate()
		matches = append(matches, Match{
			Slug:        item.Slug,
			Title:       item.Title,
			Solutions:   item.Solutions,
			Score:       weightSimilarity*sim + weightSuccess*rate + weightUsage*math.Log(1+float64(item.UsageCount)),
			SuccessRate: rate,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Slug < matches[j].Slug
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
