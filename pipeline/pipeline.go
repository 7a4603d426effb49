// Package pipeline sequences retrieval, prompting, generation and citation
// extraction for questions, and chunking, embedding and indexing for documents.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"docqa/app/agent"
	"docqa/chunker"
	"docqa/model"
	"docqa/retriever"
	"docqa/store"
	"docqa/types"
)

// State is a step of the query state machine.
type State string

const (
	StateIdle       State = "idle"
	StateEmbedding  State = "embedding"
	StateRetrieving State = "retrieving"
	StateNoContext  State = "no_context"
	StatePrompting  State = "prompting"
	StateGenerating State = "generating"
	StateExtracting State = "extracting"
	StateDone       State = "done"
	StateErrored    State = "errored"
)

// Observer receives every state a query passes through.
type Observer func(ctx context.Context, state State)

type ChunkingConfig struct {
	TargetSize int     `json:"target_size" yaml:"target_size" validate:"min=1"`
	Overlap    float64 `json:"overlap" yaml:"overlap" validate:"gte=0,lt=1"`
	// EmbedConcurrency bounds the parallel embedding calls per document.
	EmbedConcurrency int `json:"embed_concurrency" yaml:"embed_concurrency" validate:"min=1"`
}

type Config struct {
	Chunking   ChunkingConfig
	Generation agent.Params
}

// Settings are the tunables that may change while the service runs.
type Settings struct {
	Retrieval  retriever.Config `json:"retrieval"`
	Generation agent.Params     `json:"generation"`
}

type Request struct {
	Question string
	Scope    types.Scope
	History  []types.Message
}

type Pipeline struct {
	chunker   *chunker.Chunker
	embedder  model.Embedder
	index     store.VectorIndex
	docs      store.DocumentStore
	retriever *retriever.Retriever
	assembler *agent.Assembler
	generator agent.Generator
	observer  Observer
	logger    *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Pipeline)

func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

func New(
	ch *chunker.Chunker,
	embedder model.Embedder,
	index store.VectorIndex,
	docs store.DocumentStore,
	ret *retriever.Retriever,
	assembler *agent.Assembler,
	generator agent.Generator,
	cfg Config,
	opts ...Option,
) *Pipeline {
	if cfg.Chunking.EmbedConcurrency <= 0 {
		cfg.Chunking.EmbedConcurrency = 1
	}
	p := &Pipeline{
		chunker:   ch,
		embedder:  embedder,
		index:     index,
		docs:      docs,
		retriever: ret,
		assembler: assembler,
		generator: generator,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Settings{Retrieval: p.retriever.Config(), Generation: p.cfg.Generation}
}

func (p *Pipeline) UpdateSettings(s Settings) {
	p.ApplySettings(func(cur *Settings) { *cur = s })
}

// ApplySettings runs update on the live settings and stores the result as
// one step, so concurrent partial updates never overwrite each other.
func (p *Pipeline) ApplySettings(update func(*Settings)) Settings {
	p.mu.Lock()
	s := Settings{Retrieval: p.retriever.Config(), Generation: p.cfg.Generation}
	update(&s)
	p.cfg.Generation = s.Generation
	p.retriever.SetConfig(s.Retrieval)
	p.mu.Unlock()

	p.logger.Info("[PIPELINE] settings updated", "max_chunks", s.Retrieval.MaxChunks,
		"threshold", s.Retrieval.SimilarityThreshold, "temperature", s.Generation.Temperature)
	return s
}

func (p *Pipeline) params() agent.Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Generation
}

func (p *Pipeline) enter(ctx context.Context, s State) {
	if p.observer != nil {
		p.observer(ctx, s)
	}
}

// fail moves the query to Errored and makes sure err carries a pipeline sentinel.
func (p *Pipeline) fail(ctx context.Context, err error, fallback error) error {
	p.enter(ctx, StateErrored)
	for _, sentinel := range []error{
		types.ErrEmbeddingUnavailable,
		types.ErrIndexUnavailable,
		types.ErrMalformedInput,
		types.ErrGenerationFailed,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", fallback, err)
}

// Ask answers a question from the documents the scope admits.
func (p *Pipeline) Ask(ctx context.Context, req Request) (*types.Answer, error) {
	return p.ask(ctx, req, nil)
}

// AskStream is Ask with the answer delivered token by token as it is generated.
// Cancelling ctx aborts generation with ErrGenerationFailed.
func (p *Pipeline) AskStream(ctx context.Context, req Request, onToken func(string) error) (*types.Answer, error) {
	if onToken == nil {
		onToken = func(string) error { return nil }
	}
	return p.ask(ctx, req, onToken)
}

func (p *Pipeline) ask(ctx context.Context, req Request, onToken func(string) error) (*types.Answer, error) {
	start := time.Now()
	p.enter(ctx, StateIdle)

	if strings.TrimSpace(req.Question) == "" {
		return nil, p.fail(ctx, fmt.Errorf("%w: empty question", types.ErrMalformedInput), types.ErrMalformedInput)
	}
	if strings.TrimSpace(req.Scope.OrgID) == "" {
		return nil, p.fail(ctx, fmt.Errorf("%w: scope requires an organisation", types.ErrMalformedInput), types.ErrMalformedInput)
	}

	p.enter(ctx, StateEmbedding)
	vec, err := p.retriever.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, p.fail(ctx, err, types.ErrEmbeddingUnavailable)
	}

	p.enter(ctx, StateRetrieving)
	passages, err := p.retriever.Search(ctx, vec, req.Scope)
	if err != nil {
		return nil, p.fail(ctx, err, types.ErrIndexUnavailable)
	}

	if len(passages) == 0 {
		p.enter(ctx, StateNoContext)
		if onToken != nil {
			if err := onToken(agent.InsufficientInformation); err != nil {
				return nil, p.fail(ctx, err, types.ErrGenerationFailed)
			}
		}
		p.enter(ctx, StateDone)
		p.logger.Info("[PIPELINE] no context, answered without generation", "org_id", req.Scope.OrgID, "took", time.Since(start))
		return &types.Answer{
			Text:      agent.InsufficientInformation,
			Citations: []types.Citation{},
			Timestamp: time.Now().UTC(),
		}, nil
	}

	p.enter(ctx, StatePrompting)
	prompt := p.assembler.Assemble(req.Question, passages, req.History)

	p.enter(ctx, StateGenerating)
	var text string
	if onToken != nil {
		text, err = p.generator.Stream(ctx, prompt.Messages, p.params(), onToken)
	} else {
		text, err = p.generator.Generate(ctx, prompt.Messages, p.params())
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if !errors.Is(err, types.ErrGenerationFailed) {
			err = fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
		}
		return nil, p.fail(ctx, err, types.ErrGenerationFailed)
	}

	p.enter(ctx, StateExtracting)
	text = strings.TrimSpace(text)
	citations := agent.ExtractCitations(text, prompt.Passages)
	if report := agent.ValidateCitations(text, prompt.Passages); !report.FollowsConvention() && text != agent.InsufficientInformation {
		p.logger.Warn("[PIPELINE] answer does not follow the citation format",
			"references", report.References, "unresolved", report.Unresolved)
	}
	if citations == nil {
		citations = []types.Citation{}
	}

	p.enter(ctx, StateDone)
	p.logger.Info("[PIPELINE] answered", "org_id", req.Scope.OrgID, "passages", len(prompt.Passages),
		"citations", len(citations), "took", time.Since(start))

	return &types.Answer{
		Text:       text,
		Citations:  citations,
		Passages:   prompt.Passages,
		Confidence: passages[0].Similarity,
		Timestamp:  time.Now().UTC(),
	}, nil
}
