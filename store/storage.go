package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"docqa/types"
)

// PostgresStore keeps documents and chunk vectors in Postgres with pgvector.
// It implements both DocumentStore and VectorIndex.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int
	logger     *slog.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, dimensions int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:       pool,
		dimensions: dimensions,
		logger:     slog.Default(),
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrIndexUnavailable, op, err)
}

const documentColumns = `id, org_id, user_id, title, mime, status, folder_id, tags, error, chunk_count, created_at, updated_at`

func scanDocument(row pgx.Row) (*types.Document, error) {
	doc := &types.Document{}
	var status string
	if err := row.Scan(
		&doc.ID,
		&doc.OrgID,
		&doc.UserID,
		&doc.Title,
		&doc.Mime,
		&status,
		&doc.FolderID,
		&doc.Tags,
		&doc.Error,
		&doc.ChunkCount,
		&doc.CreatedAt,
		&doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Status = types.DocStatus(status)
	return doc, nil
}

func (p *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (*types.Document, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = $1", id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get document", err)
	}
	return doc, nil
}

func (p *PostgresStore) SaveDocument(ctx context.Context, doc types.Document) error {
	query := `INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			user_id = EXCLUDED.user_id,
			title = EXCLUDED.title,
			mime = EXCLUDED.mime,
			status = EXCLUDED.status,
			folder_id = EXCLUDED.folder_id,
			tags = EXCLUDED.tags,
			error = EXCLUDED.error,
			chunk_count = EXCLUDED.chunk_count,
			updated_at = EXCLUDED.updated_at
			`
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := p.pool.Exec(
		ctx,
		query,
		doc.ID,
		doc.OrgID,
		doc.UserID,
		doc.Title,
		doc.Mime,
		string(doc.Status),
		doc.FolderID,
		tags,
		doc.Error,
		doc.ChunkCount,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		return unavailable("save document", err)
	}
	return nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id uuid.UUID, status types.DocStatus, chunkCount int, cause string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET status = $2, chunk_count = $3, error = $4, updated_at = $5 WHERE id = $1`,
		id, string(status), chunkCount, cause, time.Now().UTC())
	if err != nil {
		return unavailable("set status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return nil
}

// DeleteDocument removes the document; its chunks go with it through the
// foreign key cascade.
func (p *PostgresStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM documents WHERE id = $1", id)
	if err != nil {
		return unavailable("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", types.ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) ListReady(ctx context.Context, filter DocFilter) ([]types.Document, error) {
	tags := filter.Tags
	if tags == nil {
		tags = []string{}
	}
	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE org_id = $1
		  AND status = 'ready'
		  AND ($2 = '' OR user_id = '' OR user_id = $2)
		  AND ($3::uuid IS NULL OR folder_id = $3)
		  AND tags @> $4::text[]
		ORDER BY created_at`
	rows, err := p.pool.Query(ctx, query, filter.OrgID, filter.UserID, filter.FolderID, tags)
	if err != nil {
		return nil, unavailable("list documents", err)
	}
	defer rows.Close()

	var docs []types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, unavailable("scan document", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list documents", err)
	}
	return docs, nil
}

// Insert upserts the chunk. The insertion sequence is refreshed on conflict so
// a replaced chunk orders after older ties.
func (p *PostgresStore) Insert(ctx context.Context, c types.Chunk) error {
	if len(c.Embedding) == 0 {
		return fmt.Errorf("%w: chunk %s has no embedding", types.ErrMalformedInput, c.ID)
	}
	if p.dimensions > 0 && len(c.Embedding) != p.dimensions {
		return fmt.Errorf("%w: chunk %s has %d dimensions, want %d", types.ErrMalformedInput, c.ID, len(c.Embedding), p.dimensions)
	}
	query := `
    INSERT INTO chunks (id, doc_id, org_id, idx, content, page, token_count, start_index, end_index, title, mime, embedding)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    ON CONFLICT (id) DO UPDATE SET
        doc_id = EXCLUDED.doc_id,
        org_id = EXCLUDED.org_id,
        idx = EXCLUDED.idx,
        content = EXCLUDED.content,
        page = EXCLUDED.page,
        token_count = EXCLUDED.token_count,
        start_index = EXCLUDED.start_index,
        end_index = EXCLUDED.end_index,
        title = EXCLUDED.title,
        mime = EXCLUDED.mime,
        embedding = EXCLUDED.embedding,
        seq = nextval('chunk_insert_seq')
    `
	_, err := p.pool.Exec(ctx, query,
		c.ID, c.DocID, c.OrgID, c.Index, c.Content, c.Page, c.TokenCount, c.StartIndex, c.EndIndex,
		c.Meta.Title, c.Meta.Mime, pgvector.NewVector(c.Embedding),
	)
	if err != nil {
		return unavailable("insert chunk", err)
	}
	return nil
}

func (p *PostgresStore) DeleteByDocument(ctx context.Context, docID uuid.UUID) (int, error) {
	tag, err := p.pool.Exec(ctx, "DELETE FROM chunks WHERE doc_id = $1", docID)
	if err != nil {
		return 0, unavailable("delete chunks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Search(ctx context.Context, queryVec []float32, filter Filter, limit int, threshold float64) ([]Hit, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", types.ErrMalformedInput)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", types.ErrMalformedInput, limit)
	}
	if filter.DocIDs != nil && len(filter.DocIDs) == 0 {
		return nil, nil
	}

	var docIDs []string
	if filter.DocIDs != nil {
		docIDs = make([]string, len(filter.DocIDs))
		for i, id := range filter.DocIDs {
			docIDs[i] = id.String()
		}
	}

	query := `
		SELECT pc.id, pc.doc_id, pc.org_id, pc.idx, pc.content, pc.page, pc.token_count,
		       pc.start_index, pc.end_index, pc.title, pc.mime,
		       1-(pc.embedding <=> $1) AS similarity
		FROM chunks pc
		WHERE pc.embedding IS NOT NULL
		  AND ($2 = '' OR pc.org_id = $2)
		  AND ($3::uuid[] IS NULL OR pc.doc_id = ANY($3::uuid[]))
		  AND 1-(pc.embedding <=> $1) >= $4
		ORDER BY similarity DESC, pc.seq ASC
		LIMIT $5
	`
	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(queryVec), filter.OrgID, docIDs, threshold, limit)
	if err != nil {
		return nil, unavailable("search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		c := &h.Chunk
		if err := rows.Scan(
			&c.ID,
			&c.DocID,
			&c.OrgID,
			&c.Index,
			&c.Content,
			&c.Page,
			&c.TokenCount,
			&c.StartIndex,
			&c.EndIndex,
			&c.Meta.Title,
			&c.Meta.Mime,
			&h.Similarity); err != nil {
			return nil, unavailable("scan chunk", err)
		}
		p.logger.Debug("[SEARCH] chunk found", "doc_id", c.DocID, "index", c.Index, "similarity", h.Similarity)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search", err)
	}
	return hits, nil
}

func (p *PostgresStore) createRagTables(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		mime TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending','processing','ready','error')),
		folder_id UUID,
		tags TEXT[] NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE,
		updated_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_documents_org_status ON documents(org_id, status);
	CREATE INDEX IF NOT EXISTS idx_documents_folder ON documents(folder_id);
	CREATE INDEX IF NOT EXISTS idx_documents_tags ON documents USING gin (tags);

	CREATE SEQUENCE IF NOT EXISTS chunk_insert_seq;

	CREATE TABLE IF NOT EXISTS chunks (
		id UUID PRIMARY KEY,
		doc_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		org_id TEXT NOT NULL,
		idx INT NOT NULL,
		content TEXT NOT NULL,
		page INT NOT NULL,
		token_count INT NOT NULL,
		start_index INT NOT NULL,
		end_index INT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		mime TEXT NOT NULL DEFAULT '',
		seq BIGINT NOT NULL DEFAULT nextval('chunk_insert_seq'),
		embedding vector(%d)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING ivfflat (embedding vector_cosine_ops)
	WITH (lists = 100);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_org_id ON chunks(org_id);
	`, p.dimensions)
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Init(ctx context.Context) error {
	if p.dimensions <= 0 {
		return fmt.Errorf("%w: vector dimension must be positive, got %d", types.ErrMalformedInput, p.dimensions)
	}
	if err := p.createRagTables(ctx); err != nil {
		return unavailable("create tables", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("Postgres connection pool is closed")
	}
	return nil
}
