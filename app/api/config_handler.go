package api

import (
	"github.com/gofiber/fiber/v2"

	"docqa/config"
	"docqa/pipeline"
	"docqa/types"
)

type ConfigHandler struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
}

func NewConfigHandler(cfg config.Config, p *pipeline.Pipeline) *ConfigHandler {
	return &ConfigHandler{
		cfg:      cfg,
		pipeline: p,
	}
}

// HandleGetConfig returns the startup configuration and the live settings.
// Secrets are excluded by the config's JSON tags.
func (h *ConfigHandler) HandleGetConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"config":   h.cfg,
		"settings": h.pipeline.Settings(),
	})
}

// HandleSetConfig applies a partial update to the retrieval and generation
// settings without a restart.
func (h *ConfigHandler) HandleSetConfig(c *fiber.Ctx) error {
	var params types.SettingsParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}
	if params.Empty() {
		return ErrBadRequest()
	}

	settings := h.pipeline.ApplySettings(func(s *pipeline.Settings) {
		if params.MaxChunks != nil {
			s.Retrieval.MaxChunks = *params.MaxChunks
		}
		if params.SimilarityThreshold != nil {
			s.Retrieval.SimilarityThreshold = *params.SimilarityThreshold
		}
		if params.Temperature != nil {
			s.Generation.Temperature = *params.Temperature
		}
		if params.MaxTokens != nil {
			s.Generation.MaxTokens = *params.MaxTokens
		}
	})
	return c.JSON(settings)
}
