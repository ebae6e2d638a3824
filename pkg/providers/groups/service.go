package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/providers/conflict"
	"github.com/tphan267/socksgate/pkg/providers/process"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

var (
	// ErrServiceNotFound is returned when a host config points at a missing proxy service
	ErrServiceNotFound = errors.New("proxy service not found")
	// ErrServiceNotRunning is returned by host diagnostics for a stopped proxy service
	ErrServiceNotRunning = errors.New("proxy service is not running")
)

// ValidationError lists every problem found in a request
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Details, "; ")
}

// Service manages routing groups, exposed over HTTP as host configs
type Service struct {
	storage  storage.Storage
	logger   *logger.Logger
	registry *providers.Registry

	conflicts providers.ConflictChecker
	processes providers.ProcessManager

	// listeners and describe inspect the host's sockets and processes; tests replace them
	listeners func(ctx context.Context, port int) ([]int, error)
	describe  func(ctx context.Context, pid int) string
}

// NewService creates the groups provider
func NewService() *Service {
	runner := process.NewOSRunner()
	return &Service{
		logger:    logger.Discard(),
		listeners: runner.ListeningPIDs,
		describe:  runner.Describe,
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "groups"
}

// Initialize resolves the conflict checker and process manager
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.registry = registry
	s.storage = registry.DB()
	s.logger = registry.Logger().Named("groups")

	var err error
	if s.conflicts, err = registry.GetConflictChecker(); err != nil {
		return fmt.Errorf("groups: %w", err)
	}
	if s.processes, err = registry.GetProcessManager(); err != nil {
		return fmt.Errorf("groups: %w", err)
	}
	return nil
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

// CreateRequest is the body of POST /api/v1/host-configs
type CreateRequest struct {
	Name           string   `json:"name"`
	ProxyServiceID int64    `json:"proxyServiceId"`
	Hosts          []string `json:"hosts"`
	Enabled        *bool    `json:"enabled"`
}

// UpdateRequest is the body of PUT /api/v1/host-configs/:id; nil fields are left alone
type UpdateRequest struct {
	Name           *string   `json:"name"`
	ProxyServiceID *int64    `json:"proxyServiceId"`
	Hosts          *[]string `json:"hosts"`
}

// View is a routing group joined with its proxy service
type View struct {
	models.RoutingGroup
	ProxyServiceName   string `json:"proxyServiceName"`
	ProxyServiceStatus string `json:"proxyServiceStatus"`
	ProxyPort          int    `json:"proxyPort"`
}

// Create validates and stores a routing group. Hosts may be empty.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.RoutingGroup, error) {
	req.Name = strings.TrimSpace(req.Name)

	var details []string
	if req.Name == "" {
		details = append(details, "name is required")
	}
	if req.ProxyServiceID <= 0 {
		details = append(details, "proxyServiceId is required")
	}
	hosts, invalid := conflict.ValidateDomains(req.Hosts)
	for _, h := range invalid {
		details = append(details, fmt.Sprintf("invalid host %q", h))
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	if err := s.requireService(req.ProxyServiceID); err != nil {
		return nil, err
	}
	if err := s.checkConflict(hosts, 0); err != nil {
		return nil, err
	}

	group := &models.RoutingGroup{
		Name:           req.Name,
		ProxyServiceID: req.ProxyServiceID,
		Domains:        hosts,
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	if err := s.storage.Groups().Create(group); err != nil {
		return nil, fmt.Errorf("failed to create host config: %w", err)
	}

	s.registry.InvalidatePAC()
	s.logger.Info("Created host config %d %q with %d hosts", group.ID, group.Name, len(group.Domains))
	return group, nil
}

// Update applies a partial update; replaced hosts are conflict-checked against every other group
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*models.RoutingGroup, error) {
	if _, err := s.storage.Groups().FindByID(id); err != nil {
		return nil, err
	}

	patch := repositories.GroupPatch{}
	var details []string
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			details = append(details, "name must not be empty")
		}
		patch.Name = &name
	}
	var hosts []string
	if req.Hosts != nil {
		var invalid []string
		hosts, invalid = conflict.ValidateDomains(*req.Hosts)
		for _, h := range invalid {
			details = append(details, fmt.Sprintf("invalid host %q", h))
		}
		patch.Domains = &hosts
	}
	if req.ProxyServiceID != nil && *req.ProxyServiceID <= 0 {
		details = append(details, "proxyServiceId must be positive")
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	if req.Hosts != nil {
		if err := s.checkConflict(hosts, id); err != nil {
			return nil, err
		}
	}
	if req.ProxyServiceID != nil {
		if err := s.requireService(*req.ProxyServiceID); err != nil {
			return nil, err
		}
		patch.ProxyServiceID = req.ProxyServiceID
	}

	group, err := s.storage.Groups().Update(id, patch)
	if err != nil {
		return nil, err
	}
	s.registry.InvalidatePAC()
	return group, nil
}

// Delete removes a routing group
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.storage.Groups().Delete(id); err != nil {
		return err
	}
	s.registry.InvalidatePAC()
	s.logger.Info("Deleted host config %d", id)
	return nil
}

// SetEnabled toggles whether a group contributes PAC rules
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) (*models.RoutingGroup, error) {
	if err := s.storage.Groups().SetEnabled(id, enabled); err != nil {
		return nil, err
	}
	s.registry.InvalidatePAC()
	return s.storage.Groups().FindByID(id)
}

// List returns a page of groups joined with their proxy services
func (s *Service) List(ctx context.Context, opts repositories.ListOptions) ([]View, int64, error) {
	groups, total, err := s.storage.Groups().FindAll(opts)
	if err != nil {
		return nil, 0, err
	}

	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ProxyServiceID)
	}
	services, err := s.storage.Tunnels().FindByIDs(ids)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[int64]models.TunnelService, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
	}

	views := make([]View, 0, len(groups))
	for _, g := range groups {
		v := View{RoutingGroup: g}
		if svc, ok := byID[g.ProxyServiceID]; ok {
			v.ProxyServiceName = svc.Name
			v.ProxyServiceStatus = svc.Status
			v.ProxyPort = svc.ProxyPort
		}
		views = append(views, v)
	}
	return views, total, nil
}

// CheckConflict reports which of hosts are claimed by groups other than excludeID
func (s *Service) CheckConflict(hosts []string, excludeID int64) (*providers.ConflictResult, error) {
	normalized, invalid := conflict.ValidateDomains(hosts)
	if len(invalid) > 0 {
		details := make([]string, 0, len(invalid))
		for _, h := range invalid {
			details = append(details, fmt.Sprintf("invalid host %q", h))
		}
		return nil, &ValidationError{Details: details}
	}
	return s.conflicts.CheckConflict(normalized, excludeID)
}

func (s *Service) checkConflict(hosts []string, excludeID int64) error {
	if len(hosts) == 0 {
		return nil
	}
	result, err := s.conflicts.CheckConflict(hosts, excludeID)
	if err != nil {
		return err
	}
	if result.HasConflict {
		return &conflict.Error{Result: result}
	}
	return nil
}

func (s *Service) requireService(id int64) error {
	if _, err := s.storage.Tunnels().FindByID(id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrServiceNotFound
		}
		return err
	}
	return nil
}

var _ providers.Service = (*Service)(nil)
