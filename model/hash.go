package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"regexp"
	"strings"

	"docqa/types"
)

const DefaultDimensions = 1536

// HashEmbedder is an offline embedder for development and tests. Each word
// maps to a pseudo-random Gaussian direction seeded by its hash; a text is the
// normalised sum of its words. Texts sharing vocabulary get similar vectors.
type HashEmbedder struct {
	dimensions int
}

var wordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those",
		"from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about",
		"between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too",
		"very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrEmbeddingUnavailable, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", types.ErrMalformedInput)
	}

	vec := make([]float32, h.dimensions)
	words := h.words(text)
	if len(words) == 0 {
		// only stopwords or punctuation; fall back to the raw text as one token
		words = []string{strings.ToLower(strings.TrimSpace(text))}
	}
	for _, w := range words {
		r := rand.New(rand.NewPCG(seeds(w)))
		for i := range vec {
			vec[i] += float32(r.NormFloat64())
		}
	}
	return Normalize(vec), nil
}

func (h *HashEmbedder) words(text string) []string {
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

func seeds(word string) (uint64, uint64) {
	f := fnv.New64a()
	f.Write([]byte(word))
	s1 := f.Sum64()
	f.Write([]byte{0})
	return s1, f.Sum64()
}
