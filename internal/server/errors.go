package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/flows/fraudreport"
)

// statusFor maps module errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, stepflow.ErrValidationFailed), errors.Is(err, stepflow.ErrFileRejected),
		errors.Is(err, stepflow.ErrFieldNotWritable):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, stepflow.ErrDuplicateOutcomeDetected), errors.Is(err, stepflow.ErrDuplicateReference),
		errors.Is(err, stepflow.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, stepflow.ErrNotFound), errors.Is(err, stepflow.ErrUnknownWorkflow):
		return fiber.StatusNotFound
	case stepflow.IsTimeoutError(err):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, fraudreport.ErrNotEligible):
		return fiber.StatusForbidden
	case errors.Is(err, engine.ErrTooManyInstances):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// fail writes err as a JSON error body. Validation and duplicate errors
// carry the details a client needs to react.
func (s *Server) fail(c fiber.Ctx, err error) error {
	status := statusFor(err)
	body := fiber.Map{
		"error": err.Error(),
		"code":  stepflow.ErrorCode(err),
	}

	var ve *stepflow.ValidationError
	var fwe *stepflow.FieldWriteError
	var dup *stepflow.DuplicateOutcomeError
	switch {
	case errors.As(err, &ve):
		body["validation"] = ve
	case errors.As(err, &fwe):
		body["field"] = fwe
	case errors.As(err, &dup):
		body["existing"] = dup.Existing
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		if status == fiber.StatusInternalServerError {
			body["error"] = "internal error"
		}
	}
	return c.Status(status).JSON(body)
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
