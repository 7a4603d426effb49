package model

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// Embedder turns text into a fixed-dimension, unit-norm vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

type EmbedderConfig struct {
	URL        string
	Model      string
	Dimensions int
	Timeout    time.Duration
	// Fallback selects the offline HashEmbedder instead of the model server.
	Fallback    bool
	Environment string
}

var errFallbackInProduction = errors.New("hash embedder fallback is not allowed in production")

// NewEmbedder returns the embedder described by cfg.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	if cfg.Fallback {
		if cfg.Environment == "production" {
			return nil, errFallbackInProduction
		}
		slog.Default().Warn("[EMBEDDER] using offline hash embeddings", "dimensions", cfg.Dimensions)
		return NewHashEmbedder(cfg.Dimensions), nil
	}

	slog.Default().Info("[EMBEDDER] using Ollama for embeddings", "model", cfg.Model, "dimensions", cfg.Dimensions)
	return NewOllamaEmbedder(cfg), nil
}

// Normalize scales vec to unit L2 norm in place and returns it. A zero
// vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i, x := range vec {
		vec[i] = float32(float64(x) / norm)
	}
	return vec
}

// Cosine returns the cosine similarity of a and b, or 0 if either is a zero vector.
func Cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
