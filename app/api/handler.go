package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"docqa/pipeline"
	"docqa/types"
)

type RequestHandler struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func NewRequestHandler(p *pipeline.Pipeline) *RequestHandler {
	return &RequestHandler{
		pipeline: p,
		logger:   slog.Default(),
	}
}

func (h *RequestHandler) parse(c *fiber.Ctx) (pipeline.Request, error) {
	var params types.QueryParams
	if c.BodyParser(&params) != nil {
		return pipeline.Request{}, ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return pipeline.Request{}, NewValidationError(errors)
	}
	return pipeline.Request{
		Question: params.Prompt,
		Scope:    params.Scope(),
		History:  params.History,
	}, nil
}

// HandleRequest answers a question in one response.
func (h *RequestHandler) HandleRequest(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return err
	}

	answer, err := h.pipeline.Ask(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(types.NewSearchResponse(answer))
}

// HandleStream answers a question as server-sent events: one "token" event per
// generated fragment, then a "done" event carrying the full response, or an
// "error" event if the query fails after the stream has started.
func (h *RequestHandler) HandleStream(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	// The writer runs after the handler returns, so it cannot borrow the
	// request context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.UserContext()))
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		answer, err := h.pipeline.AskStream(ctx, req, func(token string) error {
			return writeEvent(w, "token", fiber.Map{"token": token})
		})
		if err != nil {
			apiError := fromDomain(err)
			h.logger.Error("[STREAM] query failed", "code", apiError.Code, "err", err)
			_ = writeEvent(w, "error", apiError)
			return
		}
		if err := writeEvent(w, "done", types.NewSearchResponse(answer)); err != nil {
			h.logger.Warn("[STREAM] client went away before completion", "err", err)
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
