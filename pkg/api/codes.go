package api

import "github.com/gofiber/fiber/v2"

// Machine-readable error codes
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeInvalidProxyServiceID  = "INVALID_PROXY_SERVICE_ID"
	CodePortInUse              = "PORT_IN_USE"
	CodeHostConflict           = "HOST_CONFLICT"
	CodeServiceNotFound        = "SERVICE_NOT_FOUND"
	CodeProxyServiceNotFound   = "PROXY_SERVICE_NOT_FOUND"
	CodeProxyServiceNotRunning = "PROXY_SERVICE_NOT_RUNNING"
	CodeConfigNotFound         = "CONFIG_NOT_FOUND"
	CodeUserNotFound           = "USER_NOT_FOUND"
	CodeStartFailed            = "START_FAILED"
	CodeInternal               = "INTERNAL_ERROR"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeInvalidPassword        = "INVALID_PASSWORD"
	CodeForbidden              = "FORBIDDEN"
	CodeRegisterDisabled       = "REGISTER_DISABLED"
	CodeUsernameExists         = "USERNAME_EXISTS"
	CodeEmailExists            = "EMAIL_EXISTS"
	CodeFetchFailed            = "FETCH_FAILED"
	CodeNotFound               = "NOT_FOUND"
)

var defaultStatus = map[string]int{
	CodeValidation:             fiber.StatusBadRequest,
	CodeInvalidProxyServiceID:  fiber.StatusBadRequest,
	CodePortInUse:              fiber.StatusConflict,
	CodeHostConflict:           fiber.StatusConflict,
	CodeServiceNotFound:        fiber.StatusNotFound,
	CodeProxyServiceNotFound:   fiber.StatusNotFound,
	CodeProxyServiceNotRunning: fiber.StatusBadRequest,
	CodeConfigNotFound:         fiber.StatusNotFound,
	CodeUserNotFound:           fiber.StatusNotFound,
	CodeStartFailed:            fiber.StatusInternalServerError,
	CodeInternal:               fiber.StatusInternalServerError,
	CodeUnauthorized:           fiber.StatusUnauthorized,
	CodeInvalidCredentials:     fiber.StatusUnauthorized,
	CodeInvalidPassword:        fiber.StatusUnauthorized,
	CodeForbidden:              fiber.StatusForbidden,
	CodeRegisterDisabled:       fiber.StatusForbidden,
	CodeUsernameExists:         fiber.StatusConflict,
	CodeEmailExists:            fiber.StatusConflict,
	CodeFetchFailed:            fiber.StatusBadGateway,
	CodeNotFound:               fiber.StatusNotFound,
}

// NewError builds an ApiError with the default HTTP status for the code
func NewError(code, message string, detail ...any) *ApiError {
	e := &ApiError{Code: code, Message: message, Status: defaultStatus[code]}
	if e.Status == 0 {
		e.Status = fiber.StatusBadRequest
	}
	if len(detail) > 0 {
		e.Detail = detail[0]
	}
	return e
}
