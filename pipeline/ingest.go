package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docqa/types"
)

type IngestRequest struct {
	// ID is optional. Re-ingesting an existing ID replaces the document's chunks.
	ID       uuid.UUID
	OrgID    string
	UserID   string
	Title    string
	Mime     string
	FolderID uuid.NullUUID
	Tags     []string
	Text     string
}

// chunkID is stable for a document and position, so re-ingestion overwrites
// chunks in place.
func chunkID(docID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(docID, []byte(strconv.Itoa(index)))
}

// Ingest chunks, embeds and indexes a document. The document becomes ready
// only when every chunk is indexed; on any failure its chunks are removed and
// it is marked as errored with the cause.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*types.Document, error) {
	if strings.TrimSpace(req.OrgID) == "" {
		return nil, fmt.Errorf("%w: document requires an organisation", types.ErrMalformedInput)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: document requires a title", types.ErrMalformedInput)
	}

	now := time.Now().UTC()
	doc := types.Document{
		ID:        req.ID,
		OrgID:     req.OrgID,
		UserID:    req.UserID,
		Title:     req.Title,
		Mime:      req.Mime,
		Status:    types.StatusPending,
		FolderID:  req.FolderID,
		Tags:      req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	} else if existing, err := p.docs.GetDocument(ctx, doc.ID); err == nil {
		doc.CreatedAt = existing.CreatedAt
	}
	if doc.Mime == "" {
		doc.Mime = "text/plain"
	}

	logger := p.logger.With("doc_id", doc.ID, "title", doc.Title)

	if err := p.docs.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	if _, err := p.index.DeleteByDocument(ctx, doc.ID); err != nil {
		return nil, p.ingestFailed(ctx, &doc, -1, err)
	}

	doc.Status = types.StatusProcessing
	if err := p.docs.SetStatus(ctx, doc.ID, doc.Status, 0, ""); err != nil {
		return nil, p.ingestFailed(ctx, &doc, -1, err)
	}

	p.mu.RLock()
	chunking := p.cfg.Chunking
	p.mu.RUnlock()

	pieces, err := p.chunker.Chunk(req.Text, chunking.TargetSize, chunking.Overlap)
	if err != nil {
		return nil, p.ingestFailed(ctx, &doc, -1, err)
	}
	logger.Info("[INGEST] document chunked", "chunks", len(pieces), "target_size", chunking.TargetSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunking.EmbedConcurrency)
	for i, piece := range pieces {
		chunk := types.Chunk{
			ID:         chunkID(doc.ID, i),
			DocID:      doc.ID,
			OrgID:      doc.OrgID,
			Index:      i,
			Content:    piece.Text,
			Page:       piece.Page,
			TokenCount: piece.TokenCount,
			StartIndex: piece.StartIndex,
			EndIndex:   piece.EndIndex,
			Meta:       types.ChunkMeta{Title: doc.Title, Mime: doc.Mime},
		}
		g.Go(func() error {
			vec, err := p.embedder.Embed(gctx, chunk.Content)
			if err != nil {
				if !errors.Is(err, types.ErrEmbeddingUnavailable) && !errors.Is(err, types.ErrMalformedInput) {
					err = fmt.Errorf("%w: %w", types.ErrEmbeddingUnavailable, err)
				}
				return &chunkError{index: chunk.Index, err: err}
			}
			chunk.Embedding = vec
			if err := p.index.Insert(gctx, chunk); err != nil {
				return &chunkError{index: chunk.Index, err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		index := -1
		var ce *chunkError
		if errors.As(err, &ce) {
			index = ce.index
			err = ce.err
		}
		return nil, p.ingestFailed(ctx, &doc, index, err)
	}

	doc.Status = types.StatusReady
	doc.ChunkCount = len(pieces)
	doc.UpdatedAt = time.Now().UTC()
	if err := p.docs.SetStatus(ctx, doc.ID, doc.Status, doc.ChunkCount, ""); err != nil {
		p.rollback(ctx, doc.ID)
		return nil, err
	}
	logger.Info("[INGEST] document ready", "chunks", doc.ChunkCount)
	return &doc, nil
}

type chunkError struct {
	index int
	err   error
}

func (e *chunkError) Error() string { return fmt.Sprintf("chunk %d: %v", e.index, e.err) }

func (e *chunkError) Unwrap() error { return e.err }

// ingestFailed removes what was indexed for the document, records the cause
// and returns err annotated with the failing chunk.
func (p *Pipeline) ingestFailed(ctx context.Context, doc *types.Document, index int, err error) error {
	if index >= 0 {
		err = fmt.Errorf("chunk %d: %w", index, err)
	}
	p.rollback(ctx, doc.ID)

	doc.Status = types.StatusError
	doc.Error = err.Error()
	doc.ChunkCount = 0
	cleanup := context.WithoutCancel(ctx)
	if serr := p.docs.SetStatus(cleanup, doc.ID, doc.Status, 0, doc.Error); serr != nil {
		p.logger.Error("[INGEST] failed to record error status", "doc_id", doc.ID, "err", serr)
	}
	p.logger.Error("[INGEST] document failed", "doc_id", doc.ID, "err", err)
	return err
}

func (p *Pipeline) rollback(ctx context.Context, docID uuid.UUID) {
	removed, err := p.index.DeleteByDocument(context.WithoutCancel(ctx), docID)
	if err != nil {
		p.logger.Error("[INGEST] failed to remove partial chunks", "doc_id", docID, "err", err)
		return
	}
	if removed > 0 {
		p.logger.Info("[INGEST] removed partial chunks", "doc_id", docID, "removed", removed)
	}
}

func (p *Pipeline) Document(ctx context.Context, id uuid.UUID) (*types.Document, error) {
	return p.docs.GetDocument(ctx, id)
}

// DeleteDocument removes a document's vectors and then the document itself.
func (p *Pipeline) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	if _, err := p.docs.GetDocument(ctx, id); err != nil {
		return err
	}
	removed, err := p.index.DeleteByDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := p.docs.DeleteDocument(ctx, id); err != nil {
		return err
	}
	p.logger.Info("[INGEST] document deleted", "doc_id", id, "chunks", removed)
	return nil
}
