package pac

import (
	"context"
	"fmt"
	"time"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/utils"
)

// Generator derives the PAC routing table from running tunnels and enabled host configs
type Generator struct {
	storage  storage.Storage
	logger   *logger.Logger
	registry *providers.Registry
	cache    *tableCache
}

// NewGenerator creates a PAC generator with the default 5s cache
func NewGenerator() *Generator {
	return &Generator{
		cache:  newTableCache(5 * time.Second),
		logger: logger.Discard(),
	}
}

// Name returns the service name
func (g *Generator) Name() string {
	return "pac"
}

// Initialize wires storage and the cache TTL
func (g *Generator) Initialize(ctx context.Context, registry *providers.Registry) error {
	g.registry = registry
	g.storage = registry.DB()
	g.logger = registry.Logger().Named("pac")

	if ttl := registry.Config().PACCacheTTL; ttl > 0 {
		g.cache.setTTL(ttl)
	}
	return nil
}

// IsRunnable returns false
func (g *Generator) IsRunnable() bool {
	return false
}

// Start is a no-op
func (g *Generator) Start(ctx context.Context) error {
	return nil
}

// Stop drops the cached table
func (g *Generator) Stop(ctx context.Context) error {
	g.cache.invalidate()
	return nil
}

// SetCacheTTL changes the cache TTL; zero disables caching
func (g *Generator) SetCacheTTL(ttl time.Duration) {
	g.cache.setTTL(ttl)
}

// Invalidate drops the cached table
func (g *Generator) Invalidate() {
	g.cache.invalidate()
}

// GenerateRoutingTable returns the rules with proxyHost formatted into each directive
func (g *Generator) GenerateRoutingTable(proxyHost string) (*providers.RoutingTable, error) {
	rules, err := g.rules()
	if err != nil {
		return nil, err
	}

	table := &providers.RoutingTable{Rules: make([]providers.ProxyRule, 0, len(rules))}
	for _, r := range rules {
		table.Rules = append(table.Rules, providers.ProxyRule{
			Domains: append([]string(nil), r.Domains...),
			Proxy:   fmt.Sprintf("SOCKS5 %s:%d", proxyHost, r.Port),
		})
	}
	table.Direct = len(table.Rules) == 0
	return table, nil
}

// RenderScript renders table as a proxy auto-config script
func (g *Generator) RenderScript(table *providers.RoutingTable) string {
	return RenderScript(table)
}

// rules returns the host-independent rules, from cache when fresh
func (g *Generator) rules() ([]portRule, error) {
	cached, gen, ok := g.cache.get()
	if ok {
		return cached, nil
	}

	services, err := g.storage.Tunnels().FindByStatus(models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to load running services: %w", err)
	}

	byID := make(map[int64]models.TunnelService, len(services))
	ids := make([]int64, 0, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
		ids = append(ids, svc.ID)
	}

	groups, err := g.storage.Groups().FindEnabledByServices(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load host configs: %w", err)
	}

	rules := buildRules(groups, byID, g.logger)
	// Dropped if an invalidation landed while the rules were being read
	g.cache.set(gen, rules)
	return rules, nil
}

// buildRules maps each domain to its group's proxy port. The first group to claim a domain keeps it.
func buildRules(groups []models.RoutingGroup, services map[int64]models.TunnelService, log *logger.Logger) []portRule {
	owner := make(map[string]int64)
	index := make(map[int]int)
	rules := []portRule{}

	for _, group := range groups {
		svc, ok := services[group.ProxyServiceID]
		if !ok {
			continue
		}
		for _, raw := range group.Domains {
			domain := utils.NormalizeDomain(raw)
			if domain == "" {
				continue
			}
			if prev, taken := owner[domain]; taken {
				if prev != group.ID {
					log.Warn("Domain %s is claimed by host configs %d and %d, keeping %d", domain, prev, group.ID, prev)
				}
				continue
			}
			owner[domain] = group.ID

			i, ok := index[svc.ProxyPort]
			if !ok {
				i = len(rules)
				index[svc.ProxyPort] = i
				rules = append(rules, portRule{Port: svc.ProxyPort})
			}
			rules[i].Domains = append(rules[i].Domains, domain)
		}
	}
	return rules
}

var _ providers.Service = (*Generator)(nil)
var _ providers.PACGenerator = (*Generator)(nil)
