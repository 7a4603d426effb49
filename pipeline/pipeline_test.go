package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/app/agent"
	"docqa/chunker"
	"docqa/model"
	"docqa/retriever"
	"docqa/store"
	"docqa/types"
)

type fakeGenerator struct {
	mu       sync.Mutex
	answer   string
	err      error
	calls    int
	messages []types.Message
	stream   func(ctx context.Context, onToken func(string) error) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []types.Message, _ agent.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = messages
	return f.answer, f.err
}

func (f *fakeGenerator) Stream(ctx context.Context, messages []types.Message, params agent.Params, onToken func(string) error) (string, error) {
	if f.stream != nil {
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		return f.stream(ctx, onToken)
	}
	out, err := f.Generate(ctx, messages, params)
	if err != nil {
		return "", err
	}
	for _, tok := range strings.SplitAfter(out, " ") {
		if err := onToken(tok); err != nil {
			return "", err
		}
	}
	return out, nil
}

// failingEmbedder fails for texts containing a marker word.
type failingEmbedder struct {
	model.Embedder
	marker string
}

func (f failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, f.marker) {
		return nil, errors.New("connection reset by peer")
	}
	return f.Embedder.Embed(ctx, text)
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(_ context.Context, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type harness struct {
	p     *Pipeline
	index *store.MemoryIndex
	docs  *store.MemoryDocs
	gen   *fakeGenerator
	rec   *recorder
}

func newHarness(t *testing.T, embedder model.Embedder) *harness {
	t.Helper()
	return newHarnessWith(t, embedder, chunker.Words{}, nil)
}

// newHarnessWith builds a harness with a custom tokenizer. A non-nil wrap
// decorates the document store the pipeline sees.
func newHarnessWith(t *testing.T, embedder model.Embedder, tok chunker.Tokenizer, wrap func(*store.MemoryDocs) store.DocumentStore) *harness {
	t.Helper()
	if embedder == nil {
		embedder = model.NewHashEmbedder(model.DefaultDimensions)
	}
	h := &harness{
		index: store.NewMemoryIndex(embedder.Dimensions()),
		docs:  store.NewMemoryDocs(),
		gen:   &fakeGenerator{},
		rec:   &recorder{},
	}
	var docs store.DocumentStore = h.docs
	if wrap != nil {
		docs = wrap(h.docs)
	}
	ret := retriever.New(embedder, h.index, docs, retriever.Config{MaxChunks: 5, SimilarityThreshold: 0.3})
	h.p = New(
		chunker.New(tok),
		embedder,
		h.index,
		docs,
		ret,
		agent.NewAssembler(agent.PromptConfig{MaxHistoryTurns: 6}, tok),
		h.gen,
		Config{
			Chunking:   ChunkingConfig{TargetSize: 50, Overlap: 0.1, EmbedConcurrency: 4},
			Generation: agent.Params{Temperature: 0.1, MaxTokens: 512},
		},
		WithObserver(h.rec.observe),
	)
	return h
}

const quarterlyReport = "Company overview. Our headquarters moved to Lisbon in spring.\f" +
	"The monthly growth trend shows a 5% increase.\f" +
	"Hiring plans include two engineers and one designer."

func TestAsk_GrowthTrendScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	doc, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Quarterly report", Text: quarterlyReport})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, doc.Status)
	assert.Equal(t, 3, doc.ChunkCount)

	h.gen.answer = "The monthly growth trend shows a 5% increase [Document 1, Page 2]."
	answer, err := h.p.Ask(ctx, Request{Question: "What is the monthly growth trend?", Scope: types.Scope{OrgID: "acme"}})
	require.NoError(t, err)

	require.NotEmpty(t, answer.Passages)
	top := answer.Passages[0]
	assert.Equal(t, 2, top.Chunk.Page)
	assert.Greater(t, top.Similarity, 0.3)
	assert.Equal(t, top.Similarity, answer.Confidence)

	require.Len(t, answer.Citations, 1)
	assert.Equal(t, doc.ID, answer.Citations[0].DocID)
	assert.Equal(t, 2, answer.Citations[0].Page)
	assert.Equal(t, "Quarterly report", answer.Citations[0].Title)

	assert.Equal(t, []State{StateIdle, StateEmbedding, StateRetrieving, StatePrompting, StateGenerating, StateExtracting, StateDone}, h.rec.seen())

	last := h.gen.messages[len(h.gen.messages)-1]
	assert.Contains(t, last.Content, "[Document 1] Title: Quarterly report, Page: 2")
}

func TestAsk_EmptyOrganisation(t *testing.T) {
	h := newHarness(t, nil)

	answer, err := h.p.Ask(context.Background(), Request{Question: "What is the monthly growth trend?", Scope: types.Scope{OrgID: "empty-org"}})
	require.NoError(t, err)
	assert.Equal(t, agent.InsufficientInformation, answer.Text)
	assert.Empty(t, answer.Citations)
	assert.NotNil(t, answer.Citations)
	assert.Zero(t, answer.Confidence)
	assert.Zero(t, h.gen.calls)
	assert.Equal(t, []State{StateIdle, StateEmbedding, StateRetrieving, StateNoContext, StateDone}, h.rec.seen())
}

func TestAsk_TwoChunksOfOneDocumentCited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	text := "Annual leave policy: employees receive twenty days.\f" +
		"Unused annual leave carries over."
	doc, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Handbook", Text: text})
	require.NoError(t, err)

	h.gen.answer = "Employees get twenty days [Document 1, Page 1] and unused days carry over [Document 2, Page 2]."
	answer, err := h.p.Ask(ctx, Request{Question: "What is the annual leave policy?", Scope: types.Scope{OrgID: "acme"}})
	require.NoError(t, err)

	require.Len(t, answer.Passages, 2)
	require.Len(t, answer.Citations, 2)
	assert.NotEqual(t, answer.Citations[0].ChunkID, answer.Citations[1].ChunkID)
	assert.Equal(t, doc.ID, answer.Citations[0].DocID)
	assert.Equal(t, doc.ID, answer.Citations[1].DocID)
}

func TestAsk_CitationsOnlyFromRetrievedPassages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Quarterly report", Text: quarterlyReport})
	require.NoError(t, err)

	h.gen.answer = "It grew [Document 7, Page 2]."
	answer, err := h.p.Ask(ctx, Request{Question: "What is the monthly growth trend?", Scope: types.Scope{OrgID: "acme"}})
	require.NoError(t, err)
	assert.Empty(t, answer.Citations)
	assert.Equal(t, "It grew [Document 7, Page 2].", answer.Text)
}

func TestAsk_HistoryReachesGenerator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Quarterly report", Text: quarterlyReport})
	require.NoError(t, err)

	h.gen.answer = "Up 5% [Document 1, Page 2]."
	history := []types.Message{
		{Role: types.RoleUser, Content: "Tell me about the report."},
		{Role: types.RoleAssistant, Content: "It covers the quarter."},
	}
	_, err = h.p.Ask(ctx, Request{Question: "What is the monthly growth trend?", Scope: types.Scope{OrgID: "acme"}, History: history})
	require.NoError(t, err)

	require.Len(t, h.gen.messages, 4)
	assert.Equal(t, types.RoleSystem, h.gen.messages[0].Role)
	assert.Equal(t, history, h.gen.messages[1:3])
}

func TestAsk_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("embedding unavailable", func(t *testing.T) {
		h := newHarness(t, failingEmbedder{Embedder: model.NewHashEmbedder(64), marker: "growth"})
		_, err := h.p.Ask(ctx, Request{Question: "growth?", Scope: types.Scope{OrgID: "acme"}})
		assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
		assert.Zero(t, h.gen.calls)
		states := h.rec.seen()
		assert.Equal(t, StateErrored, states[len(states)-1])
	})

	t.Run("generation failed", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Quarterly report", Text: quarterlyReport})
		require.NoError(t, err)
		h.gen.err = errors.New("model crashed")

		answer, err := h.p.Ask(ctx, Request{Question: "What is the monthly growth trend?", Scope: types.Scope{OrgID: "acme"}})
		assert.Nil(t, answer)
		assert.ErrorIs(t, err, types.ErrGenerationFailed)
	})

	t.Run("malformed", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.p.Ask(ctx, Request{Question: " ", Scope: types.Scope{OrgID: "acme"}})
		assert.ErrorIs(t, err, types.ErrMalformedInput)
		_, err = h.p.Ask(ctx, Request{Question: "q"})
		assert.ErrorIs(t, err, types.ErrMalformedInput)
	})
}

func TestAskStream_DeliversTokensInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Quarterly report", Text: quarterlyReport})
	require.NoError(t, err)

	h.gen.answer = "Up 5% [Document 1, Page 2]."
	var got strings.Builder
	answer, err := h.p.AskStream(ctx, Request{Question: "What is the monthly growth trend?", Scope: types.Scope{OrgID: "acme"}},
		func(tok string) error {
			got.WriteString(tok)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, h.gen.answer, got.String())
	assert.Len(t, answer.Citations, 1)
}

func TestAskStream_NoContextStillStreams(t *testing.T) {
	h := newHarness(t, nil)
	var tokens []string
	answer, err := h.p.AskStream(context.Background(), Request{Question: "anything", Scope: types.Scope{OrgID: "nobody"}},
		func(tok string) error {
			tokens = append(tokens, tok)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{agent.InsufficientInformation}, tokens)
	assert.Empty(t, answer.Citations)
}

func TestAskStream_Cancelled(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.p.Ingest(context.Background(), IngestRequest{OrgID: "acme", Title: "Quarterly report", Text: quarterlyReport})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gen.stream = func(ctx context.Context, onToken func(string) error) (string, error) {
		if err := onToken("The "); err != nil {
			return "", err
		}
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}

	var tokens []string
	answer, err := h.p.AskStream(ctx, Request{Question: "What is the monthly growth trend?", Scope: types.Scope{OrgID: "acme"}},
		func(tok string) error {
			tokens = append(tokens, tok)
			return nil
		})
	assert.Nil(t, answer)
	assert.ErrorIs(t, err, types.ErrGenerationFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"The "}, tokens)

	states := h.rec.seen()
	assert.Equal(t, StateErrored, states[len(states)-1])
	assert.NotContains(t, states, StateDone)
}

func TestIngest_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failingEmbedder{Embedder: model.NewHashEmbedder(64), marker: "poison"})
	id := uuid.New()

	text := "First page is fine.\fSecond page is poison.\fThird page is fine too."
	doc, err := h.p.Ingest(ctx, IngestRequest{ID: id, OrgID: "acme", Title: "Broken", Text: text})
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
	assert.Contains(t, err.Error(), "chunk 1")

	assert.Zero(t, h.index.Len())

	ready, err := h.docs.ListReady(ctx, store.DocFilter{OrgID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, ready)

	stored, err := h.docs.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
	assert.Contains(t, stored.Error, "chunk 1")
	assert.Zero(t, stored.ChunkCount)
}

// stuckDocs cannot move a document into processing.
type stuckDocs struct {
	*store.MemoryDocs
}

func (s stuckDocs) SetStatus(ctx context.Context, id uuid.UUID, status types.DocStatus, chunkCount int, cause string) error {
	if status == types.StatusProcessing {
		return fmt.Errorf("%w: connection refused", types.ErrIndexUnavailable)
	}
	return s.MemoryDocs.SetStatus(ctx, id, status, chunkCount, cause)
}

func TestIngest_ProcessingStatusFailureMarksError(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, nil, chunker.Words{}, func(d *store.MemoryDocs) store.DocumentStore {
		return stuckDocs{MemoryDocs: d}
	})
	id := uuid.New()

	doc, err := h.p.Ingest(ctx, IngestRequest{ID: id, OrgID: "acme", Title: "Report", Text: quarterlyReport})
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.ErrorIs(t, err, types.ErrIndexUnavailable)

	stored, err := h.docs.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stored.Status)
	assert.Contains(t, stored.Error, "connection refused")
	assert.Zero(t, h.index.Len())
}

func TestIngest_TiktokenMultiByteAndTrailingWhitespace(t *testing.T) {
	ctx := context.Background()
	tok, err := chunker.NewTiktoken(chunker.DefaultEncoding)
	require.NoError(t, err)
	h := newHarnessWith(t, nil, tok, nil)
	h.p.cfg.Chunking.TargetSize = 3
	h.p.cfg.Chunking.Overlap = 0

	text := "Total was up 5.\n\n\n   \f月度增长趋势显示增长了百分之五 📈🚀\n\n"
	doc, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Mixed", Text: text})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, doc.Status)
	assert.Positive(t, doc.ChunkCount)
	assert.Equal(t, doc.ChunkCount, h.index.Len())
}

func TestIngest_MalformedText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Bad", Text: "bad \xff bytes"})
	assert.ErrorIs(t, err, types.ErrMalformedInput)

	_, err = h.p.Ingest(ctx, IngestRequest{Title: "No org", Text: "text"})
	assert.ErrorIs(t, err, types.ErrMalformedInput)
}

func TestIngest_EmptyDocumentIsReady(t *testing.T) {
	h := newHarness(t, nil)
	doc, err := h.p.Ingest(context.Background(), IngestRequest{OrgID: "acme", Title: "Blank", Text: "   "})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, doc.Status)
	assert.Zero(t, doc.ChunkCount)
}

func TestIngest_ReingestReplacesChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := uuid.New()

	_, err := h.p.Ingest(ctx, IngestRequest{ID: id, OrgID: "acme", Title: "Report", Text: quarterlyReport})
	require.NoError(t, err)
	assert.Equal(t, 3, h.index.Len())

	doc, err := h.p.Ingest(ctx, IngestRequest{ID: id, OrgID: "acme", Title: "Report", Text: "Only one page now."})
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, 1, h.index.Len())
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	doc, err := h.p.Ingest(ctx, IngestRequest{OrgID: "acme", Title: "Quarterly report", Text: quarterlyReport})
	require.NoError(t, err)

	require.NoError(t, h.p.DeleteDocument(ctx, doc.ID))
	assert.Zero(t, h.index.Len())
	_, err = h.p.Document(ctx, doc.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.ErrorIs(t, h.p.DeleteDocument(ctx, doc.ID), types.ErrNotFound)
}

func TestApplySettings_ConcurrentPartialUpdates(t *testing.T) {
	h := newHarness(t, nil)
	start := h.p.Settings()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.p.ApplySettings(func(s *Settings) { s.Retrieval.MaxChunks++ })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.p.ApplySettings(func(s *Settings) { s.Generation.MaxTokens++ })
		}()
	}
	wg.Wait()

	got := h.p.Settings()
	assert.Equal(t, start.Retrieval.MaxChunks+50, got.Retrieval.MaxChunks)
	assert.Equal(t, start.Generation.MaxTokens+50, got.Generation.MaxTokens)
	assert.Equal(t, start.Retrieval.SimilarityThreshold, got.Retrieval.SimilarityThreshold)
}

func TestSettings(t *testing.T) {
	h := newHarness(t, nil)
	s := h.p.Settings()
	assert.Equal(t, 5, s.Retrieval.MaxChunks)

	s.Retrieval.MaxChunks = 2
	s.Generation.Temperature = 0.7
	h.p.UpdateSettings(s)
	assert.Equal(t, s, h.p.Settings())
}
