package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

// RegisterAPIRoutes registers the journal routes
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	fiberApp, ok := app.(*fiber.App)
	if !ok {
		return fmt.Errorf("invalid app type, expected *fiber.App")
	}

	eventsAPI := fiberApp.Group("/api/v1/events", s.registry.RequireAuth("events", "read"))
	eventsAPI.Get("/", s.handleGetEvents)
	eventsAPI.Get("/metrics", s.handleGetMetrics)
	return nil
}

// handleGetEvents handles GET /api/v1/events - lists journal entries, newest first
func (s *Service) handleGetEvents(c *fiber.Ctx) error {
	opts := repositories.ListOptions{
		Filter:    map[string]any{},
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
		Page:      c.QueryInt("page", 1),
		PageSize:  c.QueryInt("pageSize", 50),
	}
	if t := c.Query("type"); t != "" {
		opts.Filter["type"] = t
	}
	if id := c.QueryInt("proxyServiceId", 0); id > 0 {
		opts.Filter["proxyServiceId"] = int64(id)
	}

	since, err := parseTime(c.Query("since"))
	if err != nil {
		return api.ErrorBadRequestResp(c, "since must be an RFC 3339 timestamp")
	}

	items, total, err := s.storage.Events().FindAll(opts, since)
	if err != nil {
		s.logger.Error("Failed to list events: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to list events")
	}
	return api.SuccessResp(c, items, api.ApiResponseMeta{
		Pagination: api.NewPagination(opts.Page, opts.PageSize, total),
	})
}

// handleGetMetrics handles GET /api/v1/events/metrics - counts per event type
func (s *Service) handleGetMetrics(c *fiber.Ctx) error {
	start, err := parseTime(c.Query("startTime"))
	if err != nil {
		return api.ErrorBadRequestResp(c, "startTime must be an RFC 3339 timestamp")
	}
	end, err := parseTime(c.Query("endTime"))
	if err != nil {
		return api.ErrorBadRequestResp(c, "endTime must be an RFC 3339 timestamp")
	}

	query := providers.MetricsQuery{StartTime: start, EndTime: end}
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			query.EventTypes = append(query.EventTypes, t)
		}
	}

	result, err := s.GetMetrics(c.Context(), query)
	if err != nil {
		s.logger.Error("Failed to count events: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to count events")
	}
	return api.SuccessResp(c, result)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
