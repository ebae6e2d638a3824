package apis

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/core"
	"github.com/tphan267/socksgate/pkg/providers"
)

// ApiServer is the HTTP server using Fiber
type ApiServer struct {
	app       *fiber.App
	coreApp   core.App
	providers *providers.Registry
}

// Options tunes the server; the zero value enables the access log
type Options struct {
	DisableAccessLog bool
}

// New creates a new HTTP server with the given service registry
func New(p *providers.Registry, opts ...Options) *ApiServer {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	app := fiber.New(fiber.Config{
		AppName:               "socksgate",
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: true,
	})

	s := &ApiServer{
		app:       app,
		coreApp:   core.NewMainApp(p),
		providers: p,
	}

	s.setupMiddleware(o)
	s.setupRoutes()

	return s
}

func (s *ApiServer) setupMiddleware(o Options) {
	s.app.Use(recover.New())
	if !o.DisableAccessLog {
		s.app.Use(logger.New())
	}
	s.app.Use(helmet.New(helmet.Config{
		CrossOriginEmbedderPolicy: "unsafe-none",
		CrossOriginResourcePolicy: "cross-origin",
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	}))
}

func (s *ApiServer) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/ready", s.handleReady)
	s.app.Get("/api/version", s.handleVersion)

	requireToken := s.providers.RequireAuth("", "")

	authAPI := s.app.Group("/api/v1/auth")
	authAPI.Post("/register", s.handleRegister)
	authAPI.Post("/login", s.handleLogin)
	authAPI.Post("/logout", requireToken, s.handleLogout)
	authAPI.Get("/me", requireToken, s.handleMe)
	authAPI.Get("/permissions", requireToken, s.handlePermissions)
	authAPI.Get("/check-access", requireToken, s.handleCheckAccess)

	usersAPI := s.app.Group("/api/v1/users", requireToken)
	usersAPI.Put("/password", s.handleChangePassword)
	usersAPI.Put("/profile", s.handleUpdateProfile)
}

// App returns the underlying Fiber app for route registration
func (s *ApiServer) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *ApiServer) Start(addr string) error {
	s.providers.Logger().Info("Starting server on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *ApiServer) Shutdown(ctx context.Context) error {
	s.providers.Logger().Info("Server shutdown requested")
	return s.app.ShutdownWithContext(ctx)
}

// handleRegister handles POST /api/v1/auth/register
func (s *ApiServer) handleRegister(c *fiber.Ctx) error {
	var req core.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	user, err := s.coreApp.Register(c.Context(), req)
	if err != nil {
		return s.accountError(c, err)
	}
	return api.CreatedResp(c, user)
}

// handleLogin handles POST /api/v1/auth/login
func (s *ApiServer) handleLogin(c *fiber.Ctx) error {
	var req core.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	resp, err := s.coreApp.Login(c.Context(), req)
	if err != nil {
		return s.accountError(c, err)
	}
	return api.SuccessResp(c, resp)
}

// handleLogout handles POST /api/v1/auth/logout
func (s *ApiServer) handleLogout(c *fiber.Ctx) error {
	if err := s.coreApp.Logout(c.Context(), providers.ExtractToken(c)); err != nil {
		return s.accountError(c, err)
	}
	return api.SuccessResp(c, fiber.Map{"loggedOut": true})
}

// handleMe handles GET /api/v1/auth/me
func (s *ApiServer) handleMe(c *fiber.Ctx) error {
	user, err := s.coreApp.Me(c.Context(), providers.ExtractToken(c))
	if err != nil {
		return s.accountError(c, err)
	}
	return api.SuccessResp(c, user)
}

// handlePermissions handles GET /api/v1/auth/permissions
func (s *ApiServer) handlePermissions(c *fiber.Ctx) error {
	perms, err := s.coreApp.Permissions(c.Context(), providers.ExtractToken(c))
	if err != nil {
		return s.accountError(c, err)
	}
	return api.SuccessResp(c, perms)
}

// handleCheckAccess handles GET /api/v1/auth/check-access?resource=&action=
func (s *ApiServer) handleCheckAccess(c *fiber.Ctx) error {
	resource := c.Query("resource")
	action := c.Query("action")

	if resource == "" || action == "" {
		return api.ErrorBadRequestResp(c, "Missing resource or action parameter")
	}

	hasAccess, err := s.coreApp.CheckAccess(c.Context(), providers.ExtractToken(c), resource, action)
	if err != nil {
		return s.accountError(c, err)
	}

	return api.SuccessResp(c, fiber.Map{
		"hasAccess": hasAccess,
	})
}

// handleChangePassword handles PUT /api/v1/users/password
func (s *ApiServer) handleChangePassword(c *fiber.Ctx) error {
	var req core.ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	if err := s.coreApp.ChangePassword(c.Context(), providers.ExtractToken(c), req); err != nil {
		return s.accountError(c, err)
	}
	return api.SuccessResp(c, fiber.Map{"changed": true})
}

// handleUpdateProfile handles PUT /api/v1/users/profile
func (s *ApiServer) handleUpdateProfile(c *fiber.Ctx) error {
	var req core.UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	user, err := s.coreApp.UpdateProfile(c.Context(), providers.ExtractToken(c), req)
	if err != nil {
		return s.accountError(c, err)
	}
	return api.SuccessResp(c, user)
}

// handleHealth handles health checks
func (s *ApiServer) handleHealth(c *fiber.Ctx) error {
	return api.SuccessResp(c, fiber.Map{
		"status": "healthy",
	})
}

// handleReady reports whether the record store answers
func (s *ApiServer) handleReady(c *fiber.Ctx) error {
	if err := s.providers.DB().Ping(); err != nil {
		s.providers.Logger().Warn("Readiness check failed: %v", err)
		return api.ErrorCodeResp(c, fiber.StatusServiceUnavailable, "Database unavailable")
	}
	return api.SuccessResp(c, fiber.Map{
		"status": "ready",
	})
}

// handleVersion returns the build version
func (s *ApiServer) handleVersion(c *fiber.Ctx) error {
	version := s.providers.Config().Version
	if version == "" {
		version = "dev"
	}
	return api.SuccessResp(c, fiber.Map{
		"version": version,
	})
}

// accountError maps core and auth errors to API codes
func (s *ApiServer) accountError(c *fiber.Ctx, err error) error {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return api.CodeResp(c, api.CodeValidation, "Validation failed", verr.Details)
	case errors.Is(err, core.ErrRegisterDisabled):
		return api.CodeResp(c, api.CodeRegisterDisabled, "Registration is disabled")
	case errors.Is(err, providers.ErrInvalidCredentials):
		return api.CodeResp(c, api.CodeInvalidCredentials, "Invalid username or password")
	case errors.Is(err, providers.ErrInvalidToken):
		return api.ErrorUnauthorizedResp(c, "Invalid or expired token")
	case errors.Is(err, providers.ErrInvalidPassword):
		return api.CodeResp(c, api.CodeInvalidPassword, "Current password is incorrect")
	case errors.Is(err, providers.ErrUserNotFound):
		return api.CodeResp(c, api.CodeUserNotFound, "User not found")
	case errors.Is(err, providers.ErrUsernameExists):
		return api.CodeResp(c, api.CodeUsernameExists, "Username already exists")
	case errors.Is(err, providers.ErrEmailExists):
		return api.CodeResp(c, api.CodeEmailExists, "Email already in use")
	}

	s.providers.Logger().Error("Account request failed: %v", err)
	return api.ErrorInternalServerErrorResp(c, "Internal server error")
}

// customErrorHandler renders unhandled errors in the API envelope
func customErrorHandler(c *fiber.Ctx, err error) error {
	var apiErr *api.ApiError
	if errors.As(err, &apiErr) {
		return api.ErrorResp(c, *apiErr)
	}

	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}

	code := api.CodeInternal
	switch status {
	case fiber.StatusNotFound:
		code = api.CodeNotFound
	case fiber.StatusUnauthorized:
		code = api.CodeUnauthorized
	case fiber.StatusForbidden:
		code = api.CodeForbidden
	default:
		if status < fiber.StatusInternalServerError {
			code = api.CodeValidation
		}
	}

	message := err.Error()
	if status == fiber.StatusInternalServerError && fe == nil {
		message = http.StatusText(status)
	}

	return api.ErrorResp(c, api.ApiError{
		Code:    code,
		Message: message,
		Status:  status,
	})
}
