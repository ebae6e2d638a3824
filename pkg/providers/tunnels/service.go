package tunnels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/providers/conflict"
	"github.com/tphan267/socksgate/pkg/providers/process"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

// ErrPortInUse is returned when a proxy port is claimed by another service or bound on the host
var ErrPortInUse = errors.New("proxy port is already in use")

// ValidationError lists every problem found in a request
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Details, "; ")
}

// KeyPushError wraps a failed re-push of the tunnel key to a changed jump host
type KeyPushError struct {
	Err error
}

func (e *KeyPushError) Error() string {
	return "failed to install key on jump host: " + e.Err.Error()
}

func (e *KeyPushError) Unwrap() error { return e.Err }

// Service owns the tunnel service records and their HTTP surface
type Service struct {
	storage  storage.Storage
	logger   *logger.Logger
	registry *providers.Registry

	ports     providers.PortAllocator
	keys      providers.CredentialService
	processes providers.ProcessManager
	conflicts providers.ConflictChecker

	binary   string
	timeouts stepTimeouts
}

// NewService creates the tunnels provider
func NewService() *Service {
	return &Service{
		logger:   logger.Discard(),
		binary:   "autossh",
		timeouts: defaultStepTimeouts,
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "tunnels"
}

// Initialize resolves the collaborating providers; they must be registered first
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.registry = registry
	s.storage = registry.DB()
	s.logger = registry.Logger().Named("tunnels")
	if bin := registry.Config().TunnelBinary; bin != "" {
		s.binary = bin
	}

	var err error
	if s.ports, err = registry.GetPortAllocator(); err != nil {
		return fmt.Errorf("tunnels: %w", err)
	}
	if s.keys, err = registry.GetCredentials(); err != nil {
		return fmt.Errorf("tunnels: %w", err)
	}
	if s.processes, err = registry.GetProcessManager(); err != nil {
		return fmt.Errorf("tunnels: %w", err)
	}
	if s.conflicts, err = registry.GetConflictChecker(); err != nil {
		return fmt.Errorf("tunnels: %w", err)
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

// CreateRequest is the body of POST /api/v1/proxy-services
type CreateRequest struct {
	Name         string   `json:"name"`
	JumpHost     string   `json:"jumpHost"`
	JumpPort     int      `json:"jumpPort"`
	JumpUsername string   `json:"jumpUsername"`
	ProxyPort    int      `json:"proxyPort"`
	SSHKeyPath   string   `json:"sshKeyPath"`
	Hosts        []string `json:"hosts"`
}

// UpdateRequest is the body of PUT /api/v1/proxy-services/:id; nil fields are left alone
type UpdateRequest struct {
	Name         *string `json:"name"`
	JumpHost     *string `json:"jumpHost"`
	JumpPort     *int    `json:"jumpPort"`
	JumpUsername *string `json:"jumpUsername"`
	ProxyPort    *int    `json:"proxyPort"`
	// JumpPassword, when set, re-installs the tunnel key on a changed jump host
	JumpPassword string `json:"jumpPassword"`
}

// Created is the outcome of Create
type Created struct {
	Service *models.TunnelService `json:"service"`
	Group   *models.RoutingGroup  `json:"hostConfig,omitempty"`
}

// Create validates and persists a tunnel service, plus a default host config when hosts are given
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.JumpHost = strings.TrimSpace(req.JumpHost)
	req.JumpUsername = strings.TrimSpace(req.JumpUsername)
	if req.JumpPort == 0 {
		req.JumpPort = 22
	}

	var details []string
	if req.Name == "" {
		details = append(details, "name is required")
	}
	if req.JumpHost == "" {
		details = append(details, "jumpHost is required")
	}
	if req.JumpUsername == "" {
		details = append(details, "jumpUsername is required")
	}
	if req.SSHKeyPath == "" {
		details = append(details, "sshKeyPath is required")
	}
	if req.ProxyPort <= 0 || req.ProxyPort > 65535 {
		details = append(details, "proxyPort must be between 1 and 65535")
	}
	if req.JumpPort < 1 || req.JumpPort > 65535 {
		details = append(details, "jumpPort must be between 1 and 65535")
	}
	hosts, invalid := conflict.ValidateDomains(req.Hosts)
	for _, h := range invalid {
		details = append(details, fmt.Sprintf("invalid host %q", h))
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	if err := s.checkPortFree(req.ProxyPort, 0); err != nil {
		return nil, err
	}

	if len(hosts) > 0 {
		result, err := s.conflicts.CheckConflict(hosts, 0)
		if err != nil {
			return nil, err
		}
		if result.HasConflict {
			return nil, &conflict.Error{Result: result}
		}
	}

	svc := &models.TunnelService{
		Name:         req.Name,
		JumpHost:     req.JumpHost,
		JumpPort:     req.JumpPort,
		JumpUsername: req.JumpUsername,
		ProxyPort:    req.ProxyPort,
		SSHKeyPath:   req.SSHKeyPath,
	}
	if err := s.storage.Tunnels().Create(svc); err != nil {
		// Lost a race for the unique port
		if _, ferr := s.storage.Tunnels().FindByProxyPort(req.ProxyPort); ferr == nil {
			return nil, ErrPortInUse
		}
		return nil, fmt.Errorf("failed to create proxy service: %w", err)
	}
	s.ports.Release(req.ProxyPort)

	created := &Created{Service: svc}
	if len(hosts) > 0 {
		group := &models.RoutingGroup{
			Name:           req.Name + " - default",
			ProxyServiceID: svc.ID,
			Domains:        hosts,
			Enabled:        true,
		}
		if err := s.storage.Groups().Create(group); err != nil {
			s.logger.Error("Failed to create default host config for %q: %v", svc.Name, err)
		} else {
			created.Group = group
		}
	}

	s.registry.Track(ctx, providers.Event{
		Type:      models.EventProvision,
		ServiceID: svc.ID,
		Actor:     process.ActorFrom(ctx),
		Message:   fmt.Sprintf("created %s@%s:%d on port %d", svc.JumpUsername, svc.JumpHost, svc.JumpPort, svc.ProxyPort),
	})
	s.registry.InvalidatePAC()
	s.logger.Info("Created proxy service %d %q on port %d", svc.ID, svc.Name, svc.ProxyPort)
	return created, nil
}

// Update applies a partial update. A changed jump endpoint re-installs the key when a password is
// supplied, and a running tunnel is restarted so the new settings take effect.
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*models.TunnelService, error) {
	current, err := s.storage.Tunnels().FindByID(id)
	if err != nil {
		return nil, err
	}

	next := *current
	patch := map[string]any{}
	var details []string

	if req.Name != nil {
		if name := strings.TrimSpace(*req.Name); name == "" {
			details = append(details, "name must not be empty")
		} else {
			next.Name = name
			patch["name"] = name
		}
	}
	if req.JumpHost != nil {
		if host := strings.TrimSpace(*req.JumpHost); host == "" {
			details = append(details, "jumpHost must not be empty")
		} else {
			next.JumpHost = host
			patch["jumpHost"] = host
		}
	}
	if req.JumpPort != nil {
		if *req.JumpPort < 1 || *req.JumpPort > 65535 {
			details = append(details, "jumpPort must be between 1 and 65535")
		} else {
			next.JumpPort = *req.JumpPort
			patch["jumpPort"] = *req.JumpPort
		}
	}
	if req.JumpUsername != nil {
		if user := strings.TrimSpace(*req.JumpUsername); user == "" {
			details = append(details, "jumpUsername must not be empty")
		} else {
			next.JumpUsername = user
			patch["jumpUsername"] = user
		}
	}
	if req.ProxyPort != nil {
		if *req.ProxyPort < 1 || *req.ProxyPort > 65535 {
			details = append(details, "proxyPort must be between 1 and 65535")
		} else {
			next.ProxyPort = *req.ProxyPort
			patch["proxyPort"] = *req.ProxyPort
		}
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	endpointChanged := next.JumpHost != current.JumpHost ||
		next.JumpPort != current.JumpPort ||
		next.JumpUsername != current.JumpUsername
	portChanged := next.ProxyPort != current.ProxyPort

	if portChanged {
		if err := s.checkPortFree(next.ProxyPort, id); err != nil {
			return nil, err
		}
	}

	if endpointChanged && req.JumpPassword != "" {
		if err := s.repushKey(ctx, &next, req.JumpPassword); err != nil {
			return nil, &KeyPushError{Err: err}
		}
	}

	if err := s.storage.Tunnels().Update(id, patch); err != nil {
		return nil, err
	}

	if current.IsRunning() && (endpointChanged || portChanged) {
		s.logger.Info("Restarting proxy service %d after update", id)
		s.processes.StopService(ctx, id)
		if _, err := s.processes.StartService(ctx, id); err != nil {
			// The record now says error; the caller sees it in the returned state
			s.logger.Warn("Restart of proxy service %d failed: %v", id, err)
		}
	}

	s.registry.InvalidatePAC()
	return s.storage.Tunnels().FindByID(id)
}

// Delete stops the tunnel, removes the record with its host configs and destroys the key pair
func (s *Service) Delete(ctx context.Context, id int64) (*providers.StopReport, error) {
	svc, err := s.storage.Tunnels().FindByID(id)
	if err != nil {
		return nil, err
	}

	report := s.processes.StopService(ctx, id)

	if err := s.storage.Tunnels().DeleteWithGroups(id); err != nil {
		return report, err
	}

	if svc.SSHKeyPath != "" {
		name := s.keys.KeyNameFromPath(svc.SSHKeyPath)
		if err := s.keys.DeleteKeyPair(name); err != nil {
			s.logger.Warn("Failed to delete key pair %s of proxy service %d: %v", name, id, err)
		}
	}

	s.registry.Track(ctx, providers.Event{
		Type:      models.EventDelete,
		ServiceID: id,
		Actor:     process.ActorFrom(ctx),
		Message:   fmt.Sprintf("deleted %q on port %d", svc.Name, svc.ProxyPort),
	})
	s.registry.InvalidatePAC()
	s.logger.Info("Deleted proxy service %d %q", id, svc.Name)
	return report, nil
}

// checkPortFree rejects a port claimed by another record or bound on the host
func (s *Service) checkPortFree(port int, selfID int64) error {
	owner, err := s.storage.Tunnels().FindByProxyPort(port)
	switch {
	case err == nil && owner.ID != selfID:
		return ErrPortInUse
	case err != nil && !errors.Is(err, repositories.ErrNotFound):
		return err
	}
	if s.ports.IsPortInUse(port) {
		return ErrPortInUse
	}
	return nil
}

func (s *Service) repushKey(ctx context.Context, svc *models.TunnelService, password string) error {
	pub, err := s.keys.ReadPublicKey(s.keys.KeyNameFromPath(svc.SSHKeyPath))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.push)
	defer cancel()
	return s.keys.PushPublicKey(ctx, providers.PushRequest{
		Host:      svc.JumpHost,
		Port:      svc.JumpPort,
		Username:  svc.JumpUsername,
		Password:  password,
		PublicKey: pub,
		OnLog: func(level, message string) {
			s.logger.Debug("[%s] %s", level, message)
		},
	})
}

// stepTimeouts bounds each provisioning step
type stepTimeouts struct {
	port    time.Duration
	keygen  time.Duration
	connect time.Duration
	push    time.Duration
	auth    time.Duration
}

var defaultStepTimeouts = stepTimeouts{
	port:    10 * time.Second,
	keygen:  30 * time.Second,
	connect: 60 * time.Second,
	push:    60 * time.Second,
	auth:    30 * time.Second,
}

var _ providers.Service = (*Service)(nil)
