package conflict

import (
	"context"
	"fmt"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/utils"
)

// Checker reports domains already claimed by other routing groups
type Checker struct {
	storage storage.Storage
	logger  *logger.Logger
}

// NewChecker creates a conflict checker
func NewChecker() *Checker {
	return &Checker{logger: logger.Discard()}
}

// Name returns the service name
func (c *Checker) Name() string {
	return "conflict"
}

// Initialize wires storage
func (c *Checker) Initialize(ctx context.Context, registry *providers.Registry) error {
	c.storage = registry.DB()
	c.logger = registry.Logger().Named("conflict")
	return nil
}

// IsRunnable returns false
func (c *Checker) IsRunnable() bool {
	return false
}

// Start is a no-op
func (c *Checker) Start(ctx context.Context) error {
	return nil
}

// Stop is a no-op
func (c *Checker) Stop(ctx context.Context) error {
	return nil
}

// RegisterAPIRoutes has nothing to register; check-conflict lives under host-configs
func (c *Checker) RegisterAPIRoutes(app interface{}) error {
	return nil
}

// CheckConflict compares domains case-insensitively against every group except excludeGroupID.
// An empty candidate list never conflicts.
func (c *Checker) CheckConflict(domains []string, excludeGroupID int64) (*providers.ConflictResult, error) {
	result := &providers.ConflictResult{Conflicts: []providers.Conflict{}}

	candidates := make(map[string]struct{}, len(domains))
	for _, d := range utils.NormalizeDomains(domains) {
		candidates[d] = struct{}{}
	}
	if len(candidates) == 0 {
		return result, nil
	}

	groups, err := c.storage.Groups().FindAllExcept(excludeGroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load host configs: %w", err)
	}

	for _, g := range groups {
		seen := make(map[string]struct{})
		for _, d := range g.Domains {
			n := utils.NormalizeDomain(d)
			if _, ok := candidates[n]; !ok {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			result.Conflicts = append(result.Conflicts, providers.Conflict{
				Domain:    n,
				GroupID:   g.ID,
				GroupName: g.Name,
			})
		}
	}

	result.HasConflict = len(result.Conflicts) > 0
	if result.HasConflict {
		c.logger.Debug("%d domain conflict(s) found", len(result.Conflicts))
	}
	return result, nil
}

var _ providers.Service = (*Checker)(nil)
var _ providers.ConflictChecker = (*Checker)(nil)
