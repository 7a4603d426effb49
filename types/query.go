package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Validater interface {
	Validate() map[string]string
}

var validate = validator.New()

type QueryParams struct {
	Prompt   string    `json:"prompt" validate:"required"`
	OrgID    string    `json:"org_id" validate:"required"`
	UserID   string    `json:"user_id"`
	FolderID string    `json:"folder_id" validate:"omitempty,uuid"`
	Tags     []string  `json:"tags" validate:"dive,required"`
	History  []Message `json:"history" validate:"dive"`
}

// Scope converts the request filters into a retrieval scope.
func (params *QueryParams) Scope() Scope {
	s := Scope{OrgID: params.OrgID, UserID: params.UserID, Tags: params.Tags}
	if id, err := uuid.Parse(params.FolderID); err == nil {
		s.FolderID = uuid.NullUUID{UUID: id, Valid: true}
	}
	return s
}

type IngestParams struct {
	OrgID    string   `json:"org_id" validate:"required"`
	UserID   string   `json:"user_id"`
	Title    string   `json:"title" validate:"required"`
	Mime     string   `json:"mime"`
	FolderID string   `json:"folder_id" validate:"omitempty,uuid"`
	Tags     []string `json:"tags" validate:"dive,required"`
	Text     string   `json:"text" validate:"required"`
}

func (params *IngestParams) Folder() uuid.NullUUID {
	if id, err := uuid.Parse(params.FolderID); err == nil {
		return uuid.NullUUID{UUID: id, Valid: true}
	}
	return uuid.NullUUID{}
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func (params *QueryParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *IngestParams) Validate() map[string]string {
	return validateStruct(params)
}

func validateStruct(s any) map[string]string {
	if err := validate.Struct(s); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return map[string]string{"request": err.Error()}
		}
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

// SettingsParams is a partial update of the runtime tunables. Nil fields are
// left unchanged.
type SettingsParams struct {
	MaxChunks           *int     `json:"max_chunks" validate:"omitempty,min=1,max=100"`
	SimilarityThreshold *float64 `json:"similarity_threshold" validate:"omitempty,gte=-1,lte=1"`
	Temperature         *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens           *int     `json:"max_tokens" validate:"omitempty,min=1"`
}

func (params *SettingsParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *SettingsParams) Empty() bool {
	return params.MaxChunks == nil && params.SimilarityThreshold == nil &&
		params.Temperature == nil && params.MaxTokens == nil
}

type SearchResponse struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
}

func NewSearchResponse(a *Answer) *SearchResponse {
	citations := a.Citations
	if citations == nil {
		citations = []Citation{}
	}
	return &SearchResponse{
		Answer:     a.Text,
		Citations:  citations,
		Confidence: a.Confidence,
		Timestamp:  a.Timestamp,
	}
}
