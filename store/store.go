package store

import (
	"context"

	"github.com/google/uuid"

	"docqa/types"
)

// VectorIndex stores chunk embeddings and answers nearest-neighbour queries.
// Implementations must allow Search concurrently with Insert and DeleteByDocument.
type VectorIndex interface {
	// Insert adds or replaces a chunk. A replaced chunk counts as newly
	// inserted for tie ordering.
	Insert(ctx context.Context, chunk types.Chunk) error
	DeleteByDocument(ctx context.Context, docID uuid.UUID) (int, error)
	// Search returns at most limit hits with similarity >= threshold, best
	// first; equal similarities keep insertion order.
	Search(ctx context.Context, vector []float32, filter Filter, limit int, threshold float64) ([]Hit, error)
}

// Filter narrows a search. A nil DocIDs means every document of the org; a
// non-nil empty DocIDs matches nothing.
type Filter struct {
	OrgID  string
	DocIDs []uuid.UUID
}

type Hit struct {
	Chunk      types.Chunk
	Similarity float64
}

// DocumentStore keeps document records and their ingestion status.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc types.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*types.Document, error)
	SetStatus(ctx context.Context, id uuid.UUID, status types.DocStatus, chunkCount int, cause string) error
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	// ListReady returns ready documents matching every set field of the filter.
	ListReady(ctx context.Context, filter DocFilter) ([]types.Document, error)
}

// DocFilter selects documents. A set UserID admits that user's documents and
// documents shared with the whole org (empty UserID).
type DocFilter struct {
	OrgID    string
	UserID   string
	FolderID uuid.NullUUID
	Tags     []string
}

// Matches reports whether doc passes the filter, ignoring status.
func (f DocFilter) Matches(doc types.Document) bool {
	if doc.OrgID != f.OrgID {
		return false
	}
	if f.UserID != "" && doc.UserID != "" && doc.UserID != f.UserID {
		return false
	}
	if f.FolderID.Valid && (!doc.FolderID.Valid || doc.FolderID.UUID != f.FolderID.UUID) {
		return false
	}
	return doc.HasTags(f.Tags)
}
