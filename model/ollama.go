package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"docqa/types"
)

const (
	DefaultEmbeddingURL   = "http://localhost:11434/api/embeddings"
	DefaultEmbeddingModel = "nomic-embed-text"
	defaultEmbedTimeout   = 30 * time.Second
)

// OllamaEmbedder calls the Ollama embeddings endpoint.
type OllamaEmbedder struct {
	client     *http.Client
	apiURL     string
	model      string
	dimensions int
}

type OllamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type OllamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func NewOllamaEmbedder(cfg EmbedderConfig) *OllamaEmbedder {
	if cfg.URL == "" {
		cfg.URL = DefaultEmbeddingURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbedTimeout
	}
	return &OllamaEmbedder{
		client:     &http.Client{Timeout: cfg.Timeout},
		apiURL:     cfg.URL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}

// Embed returns the normalised embedding of text. Every failure is reported as
// ErrEmbeddingUnavailable; nothing is retried or substituted.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", types.ErrMalformedInput)
	}

	body, err := json.Marshal(OllamaEmbeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", types.ErrEmbeddingUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", types.ErrEmbeddingUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: ollama status %d: %s", types.ErrEmbeddingUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var ollamaResp OllamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", types.ErrEmbeddingUnavailable, err)
	}

	if len(ollamaResp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", types.ErrEmbeddingUnavailable)
	}
	if e.dimensions > 0 && len(ollamaResp.Embedding) != e.dimensions {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", types.ErrEmbeddingUnavailable, len(ollamaResp.Embedding), e.dimensions)
	}

	norm := normalize64(ollamaResp.Embedding)
	if norm == nil {
		return nil, fmt.Errorf("%w: zero vector", types.ErrEmbeddingUnavailable)
	}

	embedding := make([]float32, len(norm))
	for i, v := range norm {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// normalize64 returns vec scaled to unit length, or nil for a zero vector.
func normalize64(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil
	}
	out := make([]float64, len(vec))
	for i, x := range vec {
		out[i] = x / norm
	}
	return out
}
