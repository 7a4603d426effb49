package api

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"docqa/types"
)

// ErrorHandler renders every error returned by a handler as JSON. Domain
// errors are mapped to a status by their kind.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var apiError Error
	if errors.As(err, &apiError) {
		return c.Status(apiError.Code).JSON(apiError)
	}
	var valError ValidationError
	if errors.As(err, &valError) {
		return c.Status(valError.Status).JSON(valError)
	}

	apiError = fromDomain(err)
	level := slog.LevelWarn
	if apiError.Code >= fiber.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(c.UserContext(), level, "[API] request failed",
		"method", c.Method(), "path", c.Path(), "code", apiError.Code, "err", err)
	return c.Status(apiError.Code).JSON(apiError)
}

func fromDomain(err error) Error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return NewError(fe.Code, fe.Message)
	case errors.Is(err, types.ErrMalformedInput):
		return NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		return NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrEmbeddingUnavailable), errors.Is(err, types.ErrIndexUnavailable):
		return NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, types.ErrGenerationFailed):
		return NewError(fiber.StatusBadGateway, err.Error())
	default:
		return NewError(fiber.StatusInternalServerError, "internal server error")
	}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: fiber.StatusUnprocessableEntity,
		Errors: errors,
	}
}

// Error implements the Error interface
func (e Error) Error() string {
	return e.Message
}

func NewError(code int, err string) Error {
	return Error{
		Code:    code,
		Message: err,
	}
}

func ErrBadRequest() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid JSON request",
	}
}

func ErrInvalidID() Error {
	return Error{
		Code:    fiber.StatusBadRequest,
		Message: "invalid id given",
	}
}

func ErrNotFound[T any](arg T, resource string) Error {
	return Error{
		Code:    fiber.StatusNotFound,
		Message: fmt.Sprintf("%s with %v not found", resource, arg),
	}
}
