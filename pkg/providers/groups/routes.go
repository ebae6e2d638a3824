package groups

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/providers/conflict"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

// RegisterAPIRoutes registers the host config routes
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	fiberApp, ok := app.(*fiber.App)
	if !ok {
		return fmt.Errorf("invalid app type, expected *fiber.App")
	}

	read := s.registry.RequireAuth("host-configs", "read")
	write := s.registry.RequireAuth("host-configs", "write")

	hostsAPI := fiberApp.Group("/api/v1/host-configs")
	hostsAPI.Post("/", write, s.handleCreate)
	hostsAPI.Get("/", read, s.handleList)
	hostsAPI.Post("/check-conflict", read, s.handleCheckConflict)
	hostsAPI.Post("/test-host", read, s.handleTestHost)
	hostsAPI.Get("/:id", read, s.handleGet)
	hostsAPI.Put("/:id", write, s.handleUpdate)
	hostsAPI.Delete("/:id", write, s.handleDelete)
	hostsAPI.Post("/:id/enable", write, s.handleEnable)
	hostsAPI.Post("/:id/disable", write, s.handleDisable)
	return nil
}

// handleCreate handles POST /api/v1/host-configs
func (s *Service) handleCreate(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}
	if req.Hosts == nil {
		return api.ErrorBadRequestResp(c, "hosts is required (it may be empty)")
	}

	group, err := s.Create(c.Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.CreatedResp(c, group)
}

// handleList handles GET /api/v1/host-configs - joined with the owning proxy service
func (s *Service) handleList(c *fiber.Ctx) error {
	opts := repositories.ListOptions{
		Filter:    map[string]any{},
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
		Page:      c.QueryInt("page", 1),
		PageSize:  c.QueryInt("pageSize", 50),
	}
	if raw := c.Query("proxyServiceId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return api.CodeResp(c, api.CodeInvalidProxyServiceID, "Invalid proxy service ID")
		}
		opts.Filter["proxyServiceId"] = id
	}

	items, total, err := s.List(c.Context(), opts)
	if err != nil {
		s.logger.Error("Failed to list host configs: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to list host configs")
	}
	return api.SuccessResp(c, items, api.ApiResponseMeta{
		Pagination: api.NewPagination(opts.Page, opts.PageSize, total),
	})
}

// handleGet handles GET /api/v1/host-configs/:id
func (s *Service) handleGet(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return api.ErrorBadRequestResp(c, "Invalid host config ID")
	}
	group, err := s.storage.Groups().FindByID(id)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, group)
}

// handleUpdate handles PUT /api/v1/host-configs/:id
func (s *Service) handleUpdate(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return api.ErrorBadRequestResp(c, "Invalid host config ID")
	}
	var req UpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	group, err := s.Update(c.Context(), id, req)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, group)
}

// handleDelete handles DELETE /api/v1/host-configs/:id
func (s *Service) handleDelete(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return api.ErrorBadRequestResp(c, "Invalid host config ID")
	}
	if err := s.Delete(c.Context(), id); err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, fiber.Map{"id": id, "deleted": true})
}

// handleEnable handles POST /api/v1/host-configs/:id/enable
func (s *Service) handleEnable(c *fiber.Ctx) error {
	return s.toggle(c, true)
}

// handleDisable handles POST /api/v1/host-configs/:id/disable
func (s *Service) handleDisable(c *fiber.Ctx) error {
	return s.toggle(c, false)
}

func (s *Service) toggle(c *fiber.Ctx, enabled bool) error {
	id, ok := parseID(c)
	if !ok {
		return api.ErrorBadRequestResp(c, "Invalid host config ID")
	}
	group, err := s.SetEnabled(c.Context(), id, enabled)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, group)
}

// handleCheckConflict handles POST /api/v1/host-configs/check-conflict
func (s *Service) handleCheckConflict(c *fiber.Ctx) error {
	var req struct {
		Hosts           []string `json:"hosts"`
		ExcludeConfigID int64    `json:"excludeConfigId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}
	if req.Hosts == nil {
		return api.ErrorBadRequestResp(c, "hosts is required and must be an array")
	}

	result, err := s.CheckConflict(req.Hosts, req.ExcludeConfigID)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, result)
}

// handleTestHost handles POST /api/v1/host-configs/test-host - diagnoses one host through its tunnel
func (s *Service) handleTestHost(c *fiber.Ctx) error {
	var req struct {
		ConfigID int64  `json:"configId"`
		Host     string `json:"host"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	result, err := s.TestHost(c.Context(), req.ConfigID, req.Host)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, result)
}

// writeError maps domain errors onto API codes
func (s *Service) writeError(c *fiber.Ctx, err error) error {
	var (
		verr *ValidationError
		cerr *conflict.Error
	)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return api.CodeResp(c, api.CodeConfigNotFound, "Host config not found")
	case errors.Is(err, ErrServiceNotFound):
		return api.CodeResp(c, api.CodeProxyServiceNotFound, "Proxy service not found")
	case errors.Is(err, ErrServiceNotRunning):
		return api.CodeResp(c, api.CodeProxyServiceNotRunning, "Proxy service is not running")
	case errors.As(err, &verr):
		return api.CodeResp(c, api.CodeValidation, "Validation failed", verr.Details)
	case errors.As(err, &cerr):
		return api.CodeResp(c, api.CodeHostConflict, cerr.Error(), cerr.Result.Conflicts)
	}

	s.logger.Error("Host config request failed: %v", err)
	return api.ErrorInternalServerErrorResp(c, "Internal server error")
}

func parseID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	return id, err == nil && id > 0
}
