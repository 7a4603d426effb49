package api

import (
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docqa/pipeline"
	"docqa/types"
)

// FileHandler accepts document uploads. PDFs are dropped into the loader's
// source directory and picked up asynchronously; plain text is indexed inline.
type FileHandler struct {
	pipeline  *pipeline.Pipeline
	sourceDir string
	logger    *slog.Logger
}

func NewFileHandler(p *pipeline.Pipeline, sourceDir string) *FileHandler {
	return &FileHandler{
		pipeline:  p,
		sourceDir: sourceDir,
		logger:    slog.Default(),
	}
}

var textExtensions = map[string]string{
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
}

func (h *FileHandler) HandleUpload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return ErrBadRequest()
	}
	name := filepath.Base(fileHeader.Filename)
	ext := strings.ToLower(filepath.Ext(name))

	if ext == ".pdf" {
		return h.queue(c, fileHeader, name)
	}

	mime, ok := textExtensions[ext]
	if !ok {
		return NewError(fiber.StatusUnsupportedMediaType, "unsupported file type "+ext)
	}

	file, err := fileHeader.Open()
	if err != nil {
		return err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	params := types.IngestParams{
		OrgID:    c.FormValue("org_id"),
		UserID:   c.FormValue("user_id"),
		Title:    c.FormValue("title", strings.TrimSuffix(name, filepath.Ext(name))),
		Mime:     mime,
		FolderID: c.FormValue("folder_id"),
		Text:     string(data),
	}
	params.Tags = formTags(c)
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

// queue stores a PDF for the loader under a unique name, with a manifest
// carrying the caller's scope. The manifest is written first so the loader
// never sees the file without it.
func (h *FileHandler) queue(c *fiber.Ctx, fileHeader *multipart.FileHeader, name string) error {
	manifest := types.FileManifest{
		Name:     name,
		OrgID:    c.FormValue("org_id"),
		UserID:   c.FormValue("user_id"),
		Title:    c.FormValue("title"),
		FolderID: c.FormValue("folder_id"),
		Tags:     formTags(c),
	}
	if errors := types.Validate(&manifest); len(errors) > 0 {
		return NewValidationError(errors)
	}

	if err := os.MkdirAll(h.sourceDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(h.sourceDir, uuid.NewString()+".pdf")
	if err := types.WriteManifest(path, manifest); err != nil {
		return err
	}
	if err := c.SaveFile(fileHeader, path); err != nil {
		_ = os.Remove(types.ManifestPath(path))
		return err
	}

	id := types.FileDocumentID(manifest.OrgID, name)
	h.logger.Info("[UPLOAD] file saved for loading", "path", path, "org_id", manifest.OrgID, "doc_id", id)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "file": name, "id": id})
}

func formTags(c *fiber.Ctx) []string {
	if tags := c.FormValue("tags"); tags != "" {
		return strings.Split(tags, ",")
	}
	return nil
}
