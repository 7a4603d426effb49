package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa/model"
	"docqa/types"
)

type memoryEntry struct {
	chunk types.Chunk
	seq   uint64
}

// MemoryIndex is a brute-force cosine index held in memory.
type MemoryIndex struct {
	mu         sync.RWMutex
	dimensions int
	seq        uint64
	entries    map[uuid.UUID]memoryEntry
}

// NewMemoryIndex returns an empty index. A positive dimensions rejects vectors
// of any other length.
func NewMemoryIndex(dimensions int) *MemoryIndex {
	return &MemoryIndex{
		dimensions: dimensions,
		entries:    make(map[uuid.UUID]memoryEntry),
	}
}

func (m *MemoryIndex) Insert(ctx context.Context, chunk types.Chunk) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("%w: chunk %s has no embedding", types.ErrMalformedInput, chunk.ID)
	}
	if m.dimensions > 0 && len(chunk.Embedding) != m.dimensions {
		return fmt.Errorf("%w: chunk %s has %d dimensions, want %d", types.ErrMalformedInput, chunk.ID, len(chunk.Embedding), m.dimensions)
	}

	chunk.Embedding = slices.Clone(chunk.Embedding)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.entries[chunk.ID] = memoryEntry{chunk: chunk, seq: m.seq}
	return nil
}

func (m *MemoryIndex) DeleteByDocument(ctx context.Context, docID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		if e.chunk.DocID == docID {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, filter Filter, limit int, threshold float64) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", types.ErrMalformedInput)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", types.ErrMalformedInput, limit)
	}
	if filter.DocIDs != nil && len(filter.DocIDs) == 0 {
		return nil, nil
	}

	var allowed map[uuid.UUID]struct{}
	if filter.DocIDs != nil {
		allowed = make(map[uuid.UUID]struct{}, len(filter.DocIDs))
		for _, id := range filter.DocIDs {
			allowed[id] = struct{}{}
		}
	}

	type scored struct {
		hit Hit
		seq uint64
	}
	m.mu.RLock()
	var candidates []scored
	for _, e := range m.entries {
		if filter.OrgID != "" && e.chunk.OrgID != filter.OrgID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[e.chunk.DocID]; !ok {
				continue
			}
		}
		sim := model.Cosine(vector, e.chunk.Embedding)
		if sim < threshold {
			continue
		}
		candidates = append(candidates, scored{hit: Hit{Chunk: e.chunk, Similarity: sim}, seq: e.seq})
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hit.Similarity != candidates[j].hit.Similarity {
			return candidates[i].hit.Similarity > candidates[j].hit.Similarity
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]Hit, len(candidates))
	for i, c := range candidates {
		hits[i] = c.hit
	}
	return hits, nil
}

// Len returns the number of stored chunks.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// MemoryDocs is an in-memory DocumentStore.
type MemoryDocs struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]types.Document
}

func NewMemoryDocs() *MemoryDocs {
	return &MemoryDocs{docs: make(map[uuid.UUID]types.Document)}
}

func (m *MemoryDocs) SaveDocument(_ context.Context, doc types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Tags = slices.Clone(doc.Tags)
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryDocs) GetDocument(_ context.Context, id uuid.UUID) (*types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return &doc, nil
}

func (m *MemoryDocs) SetStatus(_ context.Context, id uuid.UUID, status types.DocStatus, chunkCount int, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	doc.Status = status
	doc.ChunkCount = chunkCount
	doc.Error = cause
	doc.UpdatedAt = time.Now().UTC()
	m.docs[id] = doc
	return nil
}

func (m *MemoryDocs) DeleteDocument(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	delete(m.docs, id)
	return nil
}

func (m *MemoryDocs) ListReady(_ context.Context, filter DocFilter) ([]types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Document
	for _, doc := range m.docs {
		if doc.Status == types.StatusReady && filter.Matches(doc) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
