package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/store"
	"docqa/types"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }

// countingIndex wraps a MemoryIndex and records searches.
type countingIndex struct {
	*store.MemoryIndex
	searches int
	err      error
}

func (c *countingIndex) Search(ctx context.Context, vec []float32, f store.Filter, limit int, threshold float64) ([]store.Hit, error) {
	c.searches++
	if c.err != nil {
		return nil, c.err
	}
	return c.MemoryIndex.Search(ctx, vec, f, limit, threshold)
}

type failingDocs struct{ store.DocumentStore }

func (failingDocs) ListReady(context.Context, store.DocFilter) ([]types.Document, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	embedder *fakeEmbedder
	index    *countingIndex
	docs     *store.MemoryDocs
	r        *Retriever
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		embedder: &fakeEmbedder{vec: []float32{1, 0}},
		index:    &countingIndex{MemoryIndex: store.NewMemoryIndex(2)},
		docs:     store.NewMemoryDocs(),
	}
	f.r = New(f.embedder, f.index, f.docs, Config{MaxChunks: 5, SimilarityThreshold: 0.3})
	return f
}

func (f *fixture) addDoc(t *testing.T, doc types.Document, vecs ...[]float32) types.Document {
	t.Helper()
	ctx := context.Background()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = types.StatusReady
	}
	doc.CreatedAt = time.Now()
	require.NoError(t, f.docs.SaveDocument(ctx, doc))
	for i, v := range vecs {
		require.NoError(t, f.index.Insert(ctx, types.Chunk{
			ID: uuid.New(), DocID: doc.ID, OrgID: doc.OrgID, Index: i, Page: i + 1, Content: "c", Embedding: v,
		}))
	}
	return doc
}

func TestRetrieve_RanksAndNumbersPassages(t *testing.T) {
	f := newFixture(t)
	f.addDoc(t, types.Document{OrgID: "org"}, []float32{0.6, 0.8}, []float32{1, 0}, []float32{0, 1})

	passages, err := f.r.Retrieve(context.Background(), "question", types.Scope{OrgID: "org"})
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, 1, passages[0].Ordinal)
	assert.InDelta(t, 1.0, passages[0].Similarity, 1e-6)
	assert.Equal(t, 2, passages[1].Ordinal)
	assert.InDelta(t, 0.6, passages[1].Similarity, 1e-6)
}

func TestRetrieve_EmptyOrgSkipsIndex(t *testing.T) {
	f := newFixture(t)
	f.addDoc(t, types.Document{OrgID: "other"}, []float32{1, 0})

	passages, err := f.r.Retrieve(context.Background(), "question", types.Scope{OrgID: "org"})
	require.NoError(t, err)
	assert.Empty(t, passages)
	assert.Zero(t, f.index.searches)
}

func TestRetrieve_FolderAndTagsIntersect(t *testing.T) {
	f := newFixture(t)
	folder := uuid.New()
	inFolder := f.addDoc(t, types.Document{OrgID: "org", FolderID: uuid.NullUUID{UUID: folder, Valid: true}, Tags: []string{"hr"}}, []float32{1, 0})
	f.addDoc(t, types.Document{OrgID: "org", Tags: []string{"hr"}}, []float32{1, 0})
	f.addDoc(t, types.Document{OrgID: "org", FolderID: uuid.NullUUID{UUID: folder, Valid: true}}, []float32{1, 0})

	scope := types.Scope{OrgID: "org", FolderID: uuid.NullUUID{UUID: folder, Valid: true}, Tags: []string{"hr"}}
	passages, err := f.r.Retrieve(context.Background(), "question", scope)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, inFolder.ID, passages[0].Chunk.DocID)

	scope.Tags = []string{"legal"}
	passages, err = f.r.Retrieve(context.Background(), "question", scope)
	require.NoError(t, err)
	assert.Empty(t, passages)
	assert.Equal(t, 1, f.index.searches)
}

func TestRetrieve_IgnoresDocumentsNotReady(t *testing.T) {
	f := newFixture(t)
	f.addDoc(t, types.Document{OrgID: "org", Status: types.StatusProcessing}, []float32{1, 0})

	passages, err := f.r.Retrieve(context.Background(), "question", types.Scope{OrgID: "org"})
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestRetrieve_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing org", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Retrieve(ctx, "question", types.Scope{})
		assert.ErrorIs(t, err, types.ErrMalformedInput)
		assert.Zero(t, f.embedder.calls)
	})

	t.Run("empty question", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Retrieve(ctx, "  ", types.Scope{OrgID: "org"})
		assert.ErrorIs(t, err, types.ErrMalformedInput)
	})

	t.Run("embedder down", func(t *testing.T) {
		f := newFixture(t)
		f.embedder.err = errors.New("dial tcp: refused")
		_, err := f.r.Retrieve(ctx, "question", types.Scope{OrgID: "org"})
		assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
	})

	t.Run("index down", func(t *testing.T) {
		f := newFixture(t)
		f.addDoc(t, types.Document{OrgID: "org"}, []float32{1, 0})
		f.index.err = errors.New("timeout")
		_, err := f.r.Retrieve(ctx, "question", types.Scope{OrgID: "org"})
		assert.ErrorIs(t, err, types.ErrIndexUnavailable)
	})

	t.Run("document store down", func(t *testing.T) {
		f := newFixture(t)
		r := New(f.embedder, f.index, failingDocs{}, f.r.Config())
		_, err := r.Retrieve(ctx, "question", types.Scope{OrgID: "org"})
		assert.ErrorIs(t, err, types.ErrIndexUnavailable)
		assert.Zero(t, f.index.searches)
	})
}

func TestRetriever_SetConfig(t *testing.T) {
	f := newFixture(t)
	f.addDoc(t, types.Document{OrgID: "org"}, []float32{1, 0}, []float32{1, 0.1}, []float32{1, 0.2})

	f.r.SetConfig(Config{MaxChunks: 1, SimilarityThreshold: 0})
	passages, err := f.r.Retrieve(context.Background(), "question", types.Scope{OrgID: "org"})
	require.NoError(t, err)
	assert.Len(t, passages, 1)
}
