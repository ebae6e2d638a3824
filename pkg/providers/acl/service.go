package acl

import (
	"context"
	"errors"

	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
)

// Resources guarded by the API
const (
	ResourceProxyServices = "proxy-services"
	ResourceHostConfigs   = "host-configs"
	ResourceSystemConfigs = "system-configs"
	ResourceEvents        = "events"
	ResourcePAC           = "pac"

	ActionRead  = "read"
	ActionWrite = "write"
)

// Service implements role based access control
type Service struct {
	accounts *repositories.AccountRepository
	roles    map[string][]providers.Permission // role -> permissions
}

// NewService creates a new ACL service
func NewService() *Service {
	return &Service{
		roles: map[string][]providers.Permission{
			models.RoleAdmin: {
				{Resource: "*", Action: "*"},
			},
			models.RoleUser: {
				{Resource: ResourceProxyServices, Action: ActionRead},
				{Resource: ResourceHostConfigs, Action: ActionRead},
				{Resource: ResourceHostConfigs, Action: ActionWrite},
				{Resource: ResourceSystemConfigs, Action: ActionRead},
				{Resource: ResourceEvents, Action: ActionRead},
				{Resource: ResourcePAC, Action: ActionRead},
			},
		},
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "acl"
}

// Initialize binds the accounts repository used for role lookups
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.accounts = registry.DB().Accounts()
	return nil
}

// IsRunnable returns false as ACL service doesn't need background processing
func (s *Service) IsRunnable() bool {
	return false
}

// Start is not used for ACL service
func (s *Service) Start(ctx context.Context) error {
	return nil
}

// Stop gracefully shuts down the service
func (s *Service) Stop(ctx context.Context) error {
	return nil
}

// RegisterAPIRoutes registers ACL-related routes
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	return nil
}

// CheckPermission checks if a user's role grants the resource/action
func (s *Service) CheckPermission(ctx context.Context, username, resource, action string) (bool, error) {
	perms, err := s.ListPermissions(ctx, username)
	if err != nil {
		return false, err
	}

	for _, perm := range perms {
		if (perm.Resource == "*" || perm.Resource == resource) &&
			(perm.Action == "*" || perm.Action == action) {
			return true, nil
		}
	}

	return false, nil
}

// ListPermissions returns all permissions for a user; unknown users have none
func (s *Service) ListPermissions(ctx context.Context, username string) ([]providers.Permission, error) {
	account, err := s.accounts.FindByUsername(username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return []providers.Permission{}, nil
		}
		return nil, err
	}

	perms := s.roles[account.Role]
	result := make([]providers.Permission, len(perms))
	copy(result, perms)
	return result, nil
}

// Verify that Service implements both Service and ACLProvider interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.ACLProvider = (*Service)(nil)
