package types

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type DocStatus string

const (
	StatusPending    DocStatus = "pending"
	StatusProcessing DocStatus = "processing"
	StatusReady      DocStatus = "ready"
	StatusError      DocStatus = "error"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Document struct {
	ID         uuid.UUID     `json:"id"`
	OrgID      string        `json:"org_id"`
	UserID     string        `json:"user_id,omitempty"`
	Title      string        `json:"title"`
	Mime       string        `json:"mime"`
	Status     DocStatus     `json:"status"`
	FolderID   uuid.NullUUID `json:"folder_id"`
	Tags       []string      `json:"tags"`
	Error      string        `json:"error,omitempty"` // cause of the last failed ingestion
	ChunkCount int           `json:"chunk_count"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// HasTags reports whether the document carries every tag in want.
func (d Document) HasTags(want []string) bool {
	for _, t := range want {
		if !slices.Contains(d.Tags, t) {
			return false
		}
	}
	return true
}

// ChunkMeta is a snapshot of document fields taken when the chunk is created,
// so passages can be displayed without a join.
type ChunkMeta struct {
	Title string `json:"title"`
	Mime  string `json:"mime"`
}

type Chunk struct {
	ID         uuid.UUID `json:"id"`
	DocID      uuid.UUID `json:"doc_id"`
	OrgID      string    `json:"org_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Page       int       `json:"page"`
	TokenCount int       `json:"token_count"`
	StartIndex int       `json:"start_index"`
	EndIndex   int       `json:"end_index"`
	Embedding  []float32 `json:"-"`
	Meta       ChunkMeta `json:"meta"`
}

// Passage is a chunk returned by retrieval together with its score and the
// 1-based ordinal it is presented under ("Document N").
type Passage struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Ordinal    int     `json:"ordinal"`
}

type Citation struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocID      uuid.UUID `json:"doc_id"`
	Title      string    `json:"title"`
	Page       int       `json:"page"`
	Similarity float64   `json:"similarity"`
}

type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// Scope restricts which chunks are eligible for a query.
type Scope struct {
	OrgID    string        `json:"org_id" validate:"required"`
	UserID   string        `json:"user_id,omitempty"`
	FolderID uuid.NullUUID `json:"folder_id"`
	Tags     []string      `json:"tags,omitempty"`
}

type Answer struct {
	Text       string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Passages   []Passage  `json:"-"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
}
