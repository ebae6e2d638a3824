package sysconfig

import (
	"context"
	"errors"
	"strconv"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

// Well known keys
const (
	KeyPACServiceHost  = "pac_service_host"
	KeyPACServicePort  = "pac_service_port"
	KeyRegisterEnabled = "register_enabled"
)

// Defaults seeded on first start; existing values are kept
var Defaults = []models.SystemConfig{
	{Key: KeyPACServiceHost, Value: "", Description: "Host advertised in PAC rules; empty resolves per request"},
	{Key: KeyPACServicePort, Value: "", Description: "Port of the PAC service; empty uses the request port"},
	{Key: KeyRegisterEnabled, Value: "true", Description: "Allow self registration of accounts"},
}

// Service exposes the runtime key/value settings
type Service struct {
	storage  storage.Storage
	logger   *logger.Logger
	registry *providers.Registry
}

// NewService creates a new system config service
func NewService() *Service {
	return &Service{logger: logger.Discard()}
}

// Name returns the service name
func (s *Service) Name() string {
	return "sysconfig"
}

// Initialize seeds the default keys
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.registry = registry
	s.storage = registry.DB()
	s.logger = registry.Logger().Named("sysconfig")

	defaults := make([]models.SystemConfig, len(Defaults))
	copy(defaults, Defaults)
	return s.storage.SystemConfigs().Seed(defaults)
}

// IsRunnable returns false
func (s *Service) IsRunnable() bool {
	return false
}

// Start is a no-op
func (s *Service) Start(ctx context.Context) error {
	return nil
}

// Stop is a no-op
func (s *Service) Stop(ctx context.Context) error {
	return nil
}

// Get returns the raw value of a key
func (s *Service) Get(key string) (string, bool) {
	cfg, err := s.storage.SystemConfigs().FindByKey(key)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Warn("Failed to read %s: %v", key, err)
		}
		return "", false
	}
	return cfg.Value, true
}

// GetBool parses a key as a boolean, falling back to def when absent or malformed
func (s *Service) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Set replaces the value of an existing key
func (s *Service) Set(key, value string) (*models.SystemConfig, error) {
	cfg, err := s.storage.SystemConfigs().Update(key, value)
	if err != nil {
		return nil, err
	}
	if key == KeyPACServiceHost || key == KeyPACServicePort {
		s.registry.InvalidatePAC()
	}
	return cfg, nil
}

// Verify that Service implements both Service and SystemConfigProvider interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.SystemConfigProvider = (*Service)(nil)
