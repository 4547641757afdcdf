// Package embed provides vector embedding generation for semantic search.
// Two backends are supported: a deterministic token-hash engine (local,
// dependency-free) and an Ollama HTTP engine.
package embed

import (
	"context"
	"fmt"
	"math"
)

// Engine generates vector embeddings for text. All engines produce
// unit-norm vectors of a fixed dimension.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and parameterizes an engine.
type Config struct {
	Provider       string // "hash" or "ollama"
	Dimensions     int    // hash engine dimension
	OllamaEndpoint string
	OllamaModel    string
}

// New creates an embedding engine from configuration.
func New(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "hash", "":
		return NewHashEngine(cfg.Dimensions), nil
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'hash' or 'ollama')", cfg.Provider)
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched
// dimensions or zero-magnitude inputs score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, ma, mb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		ma += float64(a[i]) * float64(a[i])
		mb += float64(b[i]) * float64(b[i])
	}
	if ma == 0 || mb == 0 {
		return 0
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb))
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(mag)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
