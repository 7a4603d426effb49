package server

import (
	"context"
	"fmt"
	"log/slog"

	"docqa/app/agent"
	"docqa/chunker"
	"docqa/config"
	"docqa/model"
	"docqa/pipeline"
	"docqa/retriever"
	"docqa/store"
)

// Components are the long-lived objects shared by the API and the loader.
type Components struct {
	Pipeline *pipeline.Pipeline
	// Pinger is nil for the in-memory backend.
	Pinger interface{ Ping(context.Context) error }
	close  func() error
}

func (c *Components) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// NewComponents builds the store, models and pipeline described by cfg.
func NewComponents(ctx context.Context, cfg config.Config, opts ...pipeline.Option) (*Components, error) {
	logger := slog.Default()

	embedder, err := model.NewEmbedder(cfg.EmbedderConfig())
	if err != nil {
		return nil, err
	}

	tok, err := chunker.NewTokenizer(cfg.Chunking.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	comps := &Components{}
	var (
		index store.VectorIndex
		docs  store.DocumentStore
	)
	switch cfg.Store {
	case "memory":
		index = store.NewMemoryIndex(embedder.Dimensions())
		docs = store.NewMemoryDocs()
		logger.Warn("[SERVER] using in-memory store, documents are lost on restart")
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres.ConnString(), embedder.Dimensions())
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pg.Init(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
		index, docs = pg, pg
		comps.Pinger = pg
		comps.close = pg.Close
	}

	ret := retriever.New(embedder, index, docs, cfg.RetrieverConfig())
	comps.Pipeline = pipeline.New(
		chunker.New(tok),
		embedder,
		index,
		docs,
		ret,
		agent.NewAssembler(cfg.PromptConfig(), tok),
		agent.NewOllamaChat(cfg.ChatConfig()),
		cfg.PipelineConfig(),
		opts...,
	)
	return comps, nil
}
