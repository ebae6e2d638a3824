package tunnels

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/providers/conflict"
	"github.com/tphan267/socksgate/pkg/providers/process"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

// RegisterAPIRoutes registers the proxy service routes
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	fiberApp, ok := app.(*fiber.App)
	if !ok {
		return fmt.Errorf("invalid app type, expected *fiber.App")
	}

	read := s.registry.RequireAuth("proxy-services", "read")
	write := s.registry.RequireAuth("proxy-services", "write")

	servicesAPI := fiberApp.Group("/api/v1/proxy-services")
	servicesAPI.Get("/", read, s.handleList)
	servicesAPI.Post("/", write, s.handleCreate)
	servicesAPI.Post("/connect", write, s.handleConnect)
	servicesAPI.Get("/:id", read, s.handleGet)
	servicesAPI.Put("/:id", write, s.handleUpdate)
	servicesAPI.Delete("/:id", write, s.handleDelete)
	servicesAPI.Post("/:id/start", write, s.handleStart)
	servicesAPI.Post("/:id/stop", write, s.handleStop)
	return nil
}

// handleList handles GET /api/v1/proxy-services - paginated, optionally filtered by status
func (s *Service) handleList(c *fiber.Ctx) error {
	opts := repositories.ListOptions{
		Filter:    map[string]any{},
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
		Page:      c.QueryInt("page", 1),
		PageSize:  c.QueryInt("pageSize", 10),
	}
	if status := c.Query("status"); status != "" {
		switch status {
		case models.StatusRunning, models.StatusStopped, models.StatusError:
			opts.Filter["status"] = status
		default:
			return api.ErrorBadRequestResp(c, "status must be one of running, stopped, error")
		}
	}

	items, total, err := s.storage.Tunnels().FindAll(opts)
	if err != nil {
		s.logger.Error("Failed to list proxy services: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to list proxy services")
	}
	return api.SuccessResp(c, items, api.ApiResponseMeta{
		Pagination: api.NewPagination(opts.Page, opts.PageSize, total),
	})
}

// handleGet handles GET /api/v1/proxy-services/:id
func (s *Service) handleGet(c *fiber.Ctx) error {
	id, perr := parseID(c)
	if perr != nil {
		return api.ErrorResp(c, *perr)
	}
	svc, err := s.storage.Tunnels().FindByID(id)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, svc)
}

// handleCreate handles POST /api/v1/proxy-services
func (s *Service) handleCreate(c *fiber.Ctx) error {
	var req CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	created, err := s.Create(process.WithActor(c.Context(), providers.Actor(c)), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.CreatedResp(c, created)
}

// handleUpdate handles PUT /api/v1/proxy-services/:id
func (s *Service) handleUpdate(c *fiber.Ctx) error {
	id, perr := parseID(c)
	if perr != nil {
		return api.ErrorResp(c, *perr)
	}
	var req UpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	svc, err := s.Update(process.WithActor(c.Context(), providers.Actor(c)), id, req)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, svc)
}

// handleDelete handles DELETE /api/v1/proxy-services/:id - stops the tunnel and removes it with its host configs
func (s *Service) handleDelete(c *fiber.Ctx) error {
	id, perr := parseID(c)
	if perr != nil {
		return api.ErrorResp(c, *perr)
	}

	report, err := s.Delete(process.WithActor(c.Context(), providers.Actor(c)), id)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, fiber.Map{
		"id":      id,
		"deleted": true,
		"stop":    report,
	})
}

// handleStart handles POST /api/v1/proxy-services/:id/start
func (s *Service) handleStart(c *fiber.Ctx) error {
	id, perr := parseID(c)
	if perr != nil {
		return api.ErrorResp(c, *perr)
	}

	result, err := s.processes.StartService(process.WithActor(c.Context(), providers.Actor(c)), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return api.CodeResp(c, api.CodeServiceNotFound, "Proxy service not found")
		}
		var serr *process.StartError
		if errors.As(err, &serr) {
			return api.CodeResp(c, api.CodeStartFailed, "Failed to start proxy service: "+serr.Message, fiber.Map{
				"serviceId":       id,
				"kind":            serr.Kind,
				"reason":          serr.Reason(),
				"solution":        serr.Solution(),
				"troubleshooting": serr.Troubleshooting(),
				"exitCode":        serr.ExitCode,
				"stderr":          serr.Stderr,
			})
		}
		s.logger.Error("Failed to start proxy service %d: %v", id, err)
		return api.CodeResp(c, api.CodeStartFailed, "Failed to start proxy service: "+err.Error())
	}

	svc, err := s.storage.Tunnels().FindByID(id)
	if err != nil {
		return s.writeError(c, err)
	}
	return api.SuccessResp(c, fiber.Map{
		"service": svc,
		"start":   result,
	})
}

// handleStop handles POST /api/v1/proxy-services/:id/stop - best effort, the record always ends stopped
func (s *Service) handleStop(c *fiber.Ctx) error {
	id, perr := parseID(c)
	if perr != nil {
		return api.ErrorResp(c, *perr)
	}
	if _, err := s.storage.Tunnels().FindByID(id); err != nil {
		return s.writeError(c, err)
	}

	report := s.processes.StopService(process.WithActor(c.Context(), providers.Actor(c)), id)
	if report.PersistErr != nil {
		s.logger.Error("Proxy service %d stopped but state was not saved: %v", id, report.PersistErr)
	}
	return api.SuccessResp(c, fiber.Map{
		"id":     id,
		"status": models.StatusStopped,
		"stop":   report,
	})
}

type logFrame struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

type resultFrame struct {
	Type string `json:"type"`
	*ProvisionResult
}

// handleConnect handles POST /api/v1/proxy-services/connect - provisions a jump host and streams
// progress as server-sent events, ending with one result frame
func (s *Service) handleConnect(c *fiber.Ctx) error {
	var req ConnectRequest
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}
	if verr := req.validate(); verr != nil {
		return api.CodeResp(c, api.CodeValidation, "Validation failed", verr.Details)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	actor := providers.Actor(c)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// The request context ends with the handler; the stream outlives it
		ctx, cancel := context.WithCancel(process.WithActor(context.Background(), actor))
		defer cancel()

		var (
			mu     sync.Mutex
			closed bool
		)
		send := func(v any) {
			data, err := json.Marshal(v)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				// Client went away; stop the remaining steps
				closed = true
				cancel()
			}
		}

		result := s.Provision(ctx, req, func(level, message string) {
			send(logFrame{Type: "log", Level: level, Message: message})
		})
		send(resultFrame{Type: "result", ProvisionResult: result})

		mu.Lock()
		closed = true
		mu.Unlock()
	})
	return nil
}

// writeError maps domain errors onto API codes
func (s *Service) writeError(c *fiber.Ctx, err error) error {
	var (
		verr *ValidationError
		cerr *conflict.Error
		perr *KeyPushError
	)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return api.CodeResp(c, api.CodeServiceNotFound, "Proxy service not found")
	case errors.As(err, &verr):
		return api.CodeResp(c, api.CodeValidation, "Validation failed", verr.Details)
	case errors.Is(err, ErrPortInUse):
		return api.CodeResp(c, api.CodePortInUse, "Proxy port is already in use")
	case errors.As(err, &cerr):
		return api.CodeResp(c, api.CodeHostConflict, cerr.Error(), cerr.Result.Conflicts)
	case errors.As(err, &perr):
		return api.CodeResp(c, api.CodeValidation, perr.Error())
	}

	s.logger.Error("Proxy service request failed: %v", err)
	return api.ErrorInternalServerErrorResp(c, "Internal server error")
}

func parseID(c *fiber.Ctx) (int64, *api.ApiError) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, api.NewError(api.CodeInvalidProxyServiceID, "Invalid proxy service ID")
	}
	return id, nil
}
