package sysconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
	"github.com/tphan267/socksgate/pkg/utils"
)

// ConfigItem is a system config as rendered by the API; "true"/"false" become booleans
type ConfigItem struct {
	Key         string `json:"key"`
	Value       any    `json:"value"`
	Description string `json:"description"`
}

// ServiceAddress is where clients reach this server
type ServiceAddress struct {
	Host       string `json:"host"`
	Port       string `json:"port"`
	Protocol   string `json:"protocol"`
	ServiceURL string `json:"serviceURL"`
	PacURL     string `json:"pacURL"`
}

type hostResolver interface {
	ProxyHost(c *fiber.Ctx) string
}

// RegisterAPIRoutes registers the system config routes
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	fiberApp, ok := app.(*fiber.App)
	if !ok {
		return fmt.Errorf("invalid app type, expected *fiber.App")
	}

	configAPI := fiberApp.Group("/api/v1/system-configs")
	configAPI.Get("/", s.handleGetConfigs)
	configAPI.Get("/service-address", s.handleGetServiceAddress)
	configAPI.Get("/:key", s.handleGetConfig)
	configAPI.Put("/:key", s.registry.RequireAuth("system-configs", "write"), s.handleUpdateConfig)
	return nil
}

// handleGetConfigs handles GET /api/v1/system-configs - lists settings, filling empty PAC host/port from the request
func (s *Service) handleGetConfigs(c *fiber.Ctx) error {
	configs, err := s.storage.SystemConfigs().FindAll()
	if err != nil {
		s.logger.Error("Failed to list system configs: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to list system configs")
	}

	items := make([]ConfigItem, 0, len(configs))
	for _, cfg := range configs {
		item := toItem(cfg)
		switch {
		case cfg.Key == KeyPACServiceHost && cfg.Value == "":
			item.Value = s.requestHost(c)
		case cfg.Key == KeyPACServicePort && cfg.Value == "":
			item.Value = s.requestPort(c)
		}
		items = append(items, item)
	}
	return api.SuccessResp(c, fiber.Map{"items": items})
}

// handleGetServiceAddress handles GET /api/v1/system-configs/service-address - the live client-facing address
func (s *Service) handleGetServiceAddress(c *fiber.Ctx) error {
	return api.SuccessResp(c, s.serviceAddress(c))
}

// handleGetConfig handles GET /api/v1/system-configs/:key
func (s *Service) handleGetConfig(c *fiber.Ctx) error {
	cfg, err := s.storage.SystemConfigs().FindByKey(c.Params("key"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return api.CodeResp(c, api.CodeConfigNotFound, "Config not found")
		}
		s.logger.Error("Failed to read system config: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to read system config")
	}
	return api.SuccessResp(c, toItem(*cfg))
}

// handleUpdateConfig handles PUT /api/v1/system-configs/:key - body {value}
func (s *Service) handleUpdateConfig(c *fiber.Ctx) error {
	var req struct {
		Value any `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	value, ok := coerce(req.Value)
	if !ok {
		return api.ErrorBadRequestResp(c, "value is required and must be a string, number or boolean")
	}

	cfg, err := s.Set(c.Params("key"), value)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return api.CodeResp(c, api.CodeConfigNotFound, "Config not found")
		}
		s.logger.Error("Failed to update system config: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to update system config")
	}
	return api.SuccessResp(c, toItem(*cfg))
}

func (s *Service) serviceAddress(c *fiber.Ctx) ServiceAddress {
	addr := ServiceAddress{
		Host:     s.requestHost(c),
		Port:     s.requestPort(c),
		Protocol: requestProtocol(c),
	}
	if (addr.Protocol == "http" && addr.Port == "80") || (addr.Protocol == "https" && addr.Port == "443") {
		addr.ServiceURL = addr.Protocol + "://" + addr.Host
	} else {
		addr.ServiceURL = addr.Protocol + "://" + addr.Host + ":" + addr.Port
	}
	addr.PacURL = addr.ServiceURL + "/proxy.pac"
	return addr
}

func (s *Service) requestHost(c *fiber.Ctx) string {
	if gen, err := s.registry.GetPAC(); err == nil {
		if r, ok := gen.(hostResolver); ok {
			return r.ProxyHost(c)
		}
	}
	if v, _ := s.Get(KeyPACServiceHost); v != "" {
		return v
	}
	if host := utils.HostWithoutPort(c.Get(fiber.HeaderHost)); host != "" && !utils.IsLoopbackHost(host) {
		return host
	}
	return utils.PrimaryIPv4("127.0.0.1")
}

func (s *Service) requestPort(c *fiber.Ctx) string {
	if v, _ := s.Get(KeyPACServicePort); v != "" {
		return v
	}
	if v := c.Get("X-Forwarded-Port"); v != "" {
		return v
	}
	if addr := c.Context().LocalAddr(); addr != nil {
		if i := strings.LastIndex(addr.String(), ":"); i >= 0 {
			if port := addr.String()[i+1:]; port != "" && port != "0" {
				return port
			}
		}
	}
	if requestProtocol(c) == "https" {
		return "443"
	}
	if port := s.registry.Config().GetServerPort(); port != "" {
		return port
	}
	return "80"
}

func requestProtocol(c *fiber.Ctx) string {
	if v := c.Get(fiber.HeaderXForwardedProto); v != "" {
		return strings.ToLower(v)
	}
	return c.Protocol()
}

func toItem(cfg models.SystemConfig) ConfigItem {
	item := ConfigItem{Key: cfg.Key, Value: cfg.Value, Description: cfg.Description}
	switch cfg.Value {
	case "true":
		item.Value = true
	case "false":
		item.Value = false
	}
	return item
}

// coerce renders a JSON value as the stored string form
func coerce(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}
