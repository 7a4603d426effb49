// Package retriever finds the passages relevant to a question within the
// documents a caller may see.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"docqa/model"
	"docqa/store"
	"docqa/types"
)

type Config struct {
	MaxChunks           int     `json:"max_chunks" yaml:"max_chunks" validate:"min=1,max=100"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" validate:"gte=-1,lte=1"`
}

type Retriever struct {
	embedder model.Embedder
	index    store.VectorIndex
	docs     store.DocumentStore
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(embedder model.Embedder, index store.VectorIndex, docs store.DocumentStore, cfg Config) *Retriever {
	return &Retriever{
		embedder: embedder,
		index:    index,
		docs:     docs,
		logger:   slog.Default(),
		cfg:      cfg,
	}
}

func (r *Retriever) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig replaces the search limits for subsequent queries.
func (r *Retriever) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Retrieve embeds the question and searches within scope.
func (r *Retriever) Retrieve(ctx context.Context, query string, scope types.Scope) ([]types.Passage, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	vec, err := r.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.Search(ctx, vec, scope)
}

// EmbedQuery turns the question into a query vector.
func (r *Retriever) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty question", types.ErrMalformedInput)
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, types.ErrEmbeddingUnavailable) || errors.Is(err, types.ErrMalformedInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", types.ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// Search returns passages ranked by similarity with 1-based ordinals. A scope
// that admits no ready document yields no passages and no error.
func (r *Retriever) Search(ctx context.Context, vec []float32, scope types.Scope) ([]types.Passage, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}

	allowed, err := r.resolveScope(ctx, scope)
	if errors.Is(err, types.ErrScopeNotFound) {
		r.logger.Info("[RETRIEVER] nothing to search", "org_id", scope.OrgID, "reason", err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cfg := r.Config()
	hits, err := r.index.Search(ctx, vec, store.Filter{OrgID: scope.OrgID, DocIDs: allowed}, cfg.MaxChunks, cfg.SimilarityThreshold)
	if err != nil {
		if errors.Is(err, types.ErrIndexUnavailable) || errors.Is(err, types.ErrMalformedInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}

	passages := make([]types.Passage, len(hits))
	for i, h := range hits {
		passages[i] = types.Passage{Chunk: h.Chunk, Similarity: h.Similarity, Ordinal: i + 1}
	}
	r.logger.Debug("[RETRIEVER] search done", "org_id", scope.OrgID, "documents", len(allowed), "passages", len(passages))
	return passages, nil
}

// resolveScope lists the ready documents the scope admits. Folder and tag
// filters intersect.
func (r *Retriever) resolveScope(ctx context.Context, scope types.Scope) ([]uuid.UUID, error) {
	docs, err := r.docs.ListReady(ctx, store.DocFilter{
		OrgID:    scope.OrgID,
		UserID:   scope.UserID,
		FolderID: scope.FolderID,
		Tags:     scope.Tags,
	})
	if err != nil {
		if errors.Is(err, types.ErrIndexUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	if len(docs) == 0 {
		switch {
		case scope.FolderID.Valid && len(scope.Tags) > 0:
			return nil, fmt.Errorf("%w: folder %s with tags %v", types.ErrScopeNotFound, scope.FolderID.UUID, scope.Tags)
		case scope.FolderID.Valid:
			return nil, fmt.Errorf("%w: folder %s", types.ErrScopeNotFound, scope.FolderID.UUID)
		case len(scope.Tags) > 0:
			return nil, fmt.Errorf("%w: tags %v", types.ErrScopeNotFound, scope.Tags)
		default:
			return nil, fmt.Errorf("%w: no ready documents", types.ErrScopeNotFound)
		}
	}

	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func checkScope(scope types.Scope) error {
	if strings.TrimSpace(scope.OrgID) == "" {
		return fmt.Errorf("%w: scope requires an organisation", types.ErrMalformedInput)
	}
	return nil
}
