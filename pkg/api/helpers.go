package api

import (
	"github.com/gofiber/fiber/v2"
)

// SuccessResp sends a successful API response
func SuccessResp(c *fiber.Ctx, data interface{}, meta ...ApiResponseMeta) error {
	return successWithStatus(c, fiber.StatusOK, data, meta...)
}

// CreatedResp sends a 201 API response
func CreatedResp(c *fiber.Ctx, data interface{}) error {
	return successWithStatus(c, fiber.StatusCreated, data)
}

func successWithStatus(c *fiber.Ctx, status int, data interface{}, meta ...ApiResponseMeta) error {
	resp := ApiResponse{
		Success: true,
		Data:    data,
	}
	if len(meta) > 0 {
		resp.Meta = &meta[0]
	}
	return c.Status(status).JSON(&resp)
}

// ErrorResp sends an error API response
func ErrorResp(c *fiber.Ctx, err ApiError, meta ...ApiResponseMeta) error {
	resp := ApiResponse{
		Success: false,
		Error:   &err,
	}
	if len(meta) > 0 {
		resp.Meta = &meta[0]
	}
	status := fiber.StatusBadRequest
	if err.Status != 0 {
		status = err.Status
	}
	return c.Status(status).JSON(&resp)
}

// CodeResp sends an error response with a machine code and the code's default status
func CodeResp(c *fiber.Ctx, code, message string, detail ...any) error {
	return ErrorResp(c, *NewError(code, message, detail...))
}

// ErrorCodeResp sends an error response with a specific status code
func ErrorCodeResp(c *fiber.Ctx, status int, message ...string) error {
	msg := "API Error"
	if len(message) > 0 {
		msg = message[0]
	}
	return ErrorResp(c, ApiError{
		Status:  status,
		Message: msg,
	})
}

// ErrorUnauthorizedResp sends a 401 Unauthorized error response
func ErrorUnauthorizedResp(c *fiber.Ctx, message ...string) error {
	msg := "Unauthorized"
	if len(message) > 0 {
		msg = message[0]
	}
	return CodeResp(c, CodeUnauthorized, msg)
}

// ErrorBadRequestResp sends a 400 validation error response
func ErrorBadRequestResp(c *fiber.Ctx, message ...string) error {
	msg := "Invalid request"
	if len(message) > 0 {
		msg = message[0]
	}
	return CodeResp(c, CodeValidation, msg)
}

// ErrorInternalServerErrorResp sends a 500 Internal Server Error response
func ErrorInternalServerErrorResp(c *fiber.Ctx, message ...string) error {
	msg := "Internal server error"
	if len(message) > 0 {
		msg = message[0]
	}
	return CodeResp(c, CodeInternal, msg)
}
