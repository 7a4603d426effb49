package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docqa/pipeline"
	"docqa/types"
)

type DocumentHandler struct {
	pipeline *pipeline.Pipeline
}

func NewDocumentHandler(p *pipeline.Pipeline) *DocumentHandler {
	return &DocumentHandler{pipeline: p}
}

// HandleIngest indexes a document sent as JSON text. The call returns once the
// document is ready or has failed.
func (h *DocumentHandler) HandleIngest(c *fiber.Ctx) error {
	var params types.IngestParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	doc, err := h.pipeline.Ingest(c.UserContext(), pipeline.IngestRequest{
		OrgID:    params.OrgID,
		UserID:   params.UserID,
		Title:    params.Title,
		Mime:     params.Mime,
		FolderID: params.Folder(),
		Tags:     params.Tags,
		Text:     params.Text,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (h *DocumentHandler) HandleGet(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	doc, err := h.pipeline.Document(c.UserContext(), id)
	if errors.Is(err, types.ErrNotFound) {
		return ErrNotFound(id, "document")
	}
	if err != nil {
		return err
	}
	return c.JSON(doc)
}

func (h *DocumentHandler) HandleDelete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return ErrInvalidID()
	}
	err = h.pipeline.DeleteDocument(c.UserContext(), id)
	if errors.Is(err, types.ErrNotFound) {
		return ErrNotFound(id, "document")
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": id})
}
