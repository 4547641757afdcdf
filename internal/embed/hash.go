package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEngine maps text to a fixed-dimension unit vector using feature
// hashing over tokens. It is fully deterministic: the same text always
// produces the same vector, on every machine, with no model download.
// Overlapping token sets yield correlated vectors, which is enough for
// the retrieval contract; it is not a semantic model.
type HashEngine struct {
	dim int
}

// DefaultDimensions is used when no dimension is configured.
const DefaultDimensions = 384

// probes per token spreads each token across several components,
// which reduces hash collisions dominating the similarity.
const hashProbes = 3

// NewHashEngine creates a deterministic hashing engine of dimension dim.
func NewHashEngine(dim int) *HashEngine {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &HashEngine{dim: dim}
}

// Embed generates the feature-hash embedding for text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dim)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return Normalize(v), nil
	}
	for _, tok := range tokens {
		for probe := 0; probe < hashProbes; probe++ {
			h := fnv.New64a()
			h.Write([]byte{byte(probe)})
			h.Write([]byte(tok))
			sum := h.Sum64()
			idx := int(sum % uint64(e.dim))
			// Sign bit from the high half keeps the expectation near zero.
			if sum>>63 == 0 {
				v[idx]++
			} else {
				v[idx]--
			}
		}
	}
	return Normalize(v), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimension.
func (e *HashEngine) Dimensions() int { return e.dim }

// Name returns the engine name.
func (e *HashEngine) Name() string { return "hash" }

// Tokenize lowercases text and splits it into runs of letters, digits,
// '-' and '_'. Shared by the hash engine and the keyword scorer so both
// see identical terms.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
