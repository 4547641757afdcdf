package vecstore

import (
	"context"
	"math"
	"sort"

	"github.com/taskmesh/taskmesh/internal/embed"
)

// Scored pairs a record with its retrieval score.
type Scored struct {
	Record *Record
	Score  float64
}

// BM25 constants for the keyword scorer.
const (
	BM25K1 = 1.2
	BM25B  = 0.75
)

// rrfK is the reciprocal-rank-fusion constant for hybrid ranking.
const rrfK = 60

// VectorTopK returns the top k records by cosine similarity to q among
// records passing filter. Records without a vector never appear.
func (d *DB) VectorTopK(ctx context.Context, table Table, q []float32, k int, filter Filter) ([]Scored, error) {
	if k <= 0 {
		k = 10
	}
	recs, err := d.Scan(ctx, table, filter, OrderNone, 0)
	if err != nil {
		return nil, err
	}
	var scored []Scored
	for _, rec := range recs {
		if rec.Vector == nil {
			continue
		}
		scored = append(scored, Scored{Record: rec, Score: embed.Cosine(q, rec.Vector)})
	}
	sortScored(scored)
	return top(scored, k), nil
}

// KeywordTopK ranks records by a BM25 score of their search_text against
// the query terms. Records with no matching term are omitted.
func (d *DB) KeywordTopK(ctx context.Context, table Table, query string, k int, filter Filter) ([]Scored, error) {
	if k <= 0 {
		k = 10
	}
	recs, err := d.Scan(ctx, table, filter, OrderNone, 0)
	if err != nil {
		return nil, err
	}
	scored := bm25Rank(recs, query)
	return top(scored, k), nil
}

// HybridTopK fuses vector and keyword rankings with reciprocal-rank
// fusion. Records lacking a vector still rank through the keyword leg.
func (d *DB) HybridTopK(ctx context.Context, table Table, q []float32, query string, k int, filter Filter) ([]Scored, error) {
	if k <= 0 {
		k = 10
	}
	recs, err := d.Scan(ctx, table, filter, OrderNone, 0)
	if err != nil {
		return nil, err
	}

	var vecRank []Scored
	if q != nil {
		for _, rec := range recs {
			if rec.Vector == nil {
				continue
			}
			vecRank = append(vecRank, Scored{Record: rec, Score: embed.Cosine(q, rec.Vector)})
		}
		sortScored(vecRank)
	}
	kwRank := bm25Rank(recs, query)

	fused := make(map[string]*Scored)
	add := func(ranked []Scored) {
		for i, s := range ranked {
			entry, ok := fused[s.Record.ID]
			if !ok {
				entry = &Scored{Record: s.Record}
				fused[s.Record.ID] = entry
			}
			entry.Score += 1.0 / float64(rrfK+i+1)
		}
	}
	add(vecRank)
	add(kwRank)

	out := make([]Scored, 0, len(fused))
	for _, s := range fused {
		out = append(out, *s)
	}
	sortScored(out)
	return top(out, k), nil
}

// bm25Rank scores every record whose search_text shares a term with the
// query. Document frequencies are computed over the candidate set.
func bm25Rank(recs []*Record, query string) []Scored {
	qTerms := embed.Tokenize(query)
	if len(qTerms) == 0 {
		return nil
	}

	docs := make([]map[string]int, len(recs))
	var totalLen float64
	for i, rec := range recs {
		tf := make(map[string]int)
		toks := embed.Tokenize(rec.SearchText)
		for _, t := range toks {
			tf[t]++
		}
		docs[i] = tf
		totalLen += float64(len(toks))
	}
	n := float64(len(recs))
	avgLen := 1.0
	if n > 0 {
		avgLen = totalLen / n
		if avgLen == 0 {
			avgLen = 1
		}
	}

	df := make(map[string]float64)
	for _, term := range qTerms {
		for _, tf := range docs {
			if tf[term] > 0 {
				df[term]++
			}
		}
	}

	var scored []Scored
	for i, rec := range recs {
		tf := docs[i]
		docLen := 0.0
		for _, c := range tf {
			docLen += float64(c)
		}
		var score float64
		for _, term := range qTerms {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-df[term]+0.5)/(df[term]+0.5))
			score += idf * (f * (BM25K1 + 1)) / (f + BM25K1*(1-BM25B+BM25B*docLen/avgLen))
		}
		if score > 0 {
			scored = append(scored, Scored{Record: rec, Score: score})
		}
	}
	sortScored(scored)
	return scored
}

// sortScored orders by score descending, breaking ties by most recently
// updated, then by id for determinism.
func sortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if !s[i].Record.UpdatedAt.Equal(s[j].Record.UpdatedAt) {
			return s[i].Record.UpdatedAt.After(s[j].Record.UpdatedAt)
		}
		return s[i].Record.ID < s[j].Record.ID
	})
}

func top(s []Scored, k int) []Scored {
	if len(s) > k {
		return s[:k]
	}
	return s
}
