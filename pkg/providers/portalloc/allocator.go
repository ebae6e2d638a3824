package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
)

// ErrNoPortAvailable is returned when every port in the range is claimed, reserved or bound
var ErrNoPortAvailable = errors.New("no available port in range")

// Allocator picks free proxy ports. Ports handed out by Allocate are held in a short-lived
// reservation table so two concurrent provisioning flows cannot receive the same port before
// either persists it.
type Allocator struct {
	storage storage.Storage
	logger  *logger.Logger

	mu        sync.Mutex
	portRange struct {
		start int
		end   int
	}
	reserved map[int]time.Time // port -> reservation expiry
	ttl      time.Duration
	now      func() time.Time
	probe    func(port int) bool
}

// NewAllocator creates a port allocator with the default range
func NewAllocator() *Allocator {
	a := &Allocator{
		reserved: make(map[int]time.Time),
		ttl:      30 * time.Second,
		now:      time.Now,
	}
	a.probe = a.bindable
	a.portRange.start = 11081
	a.portRange.end = 11083
	return a
}

// Name returns the service name
func (a *Allocator) Name() string {
	return "portalloc"
}

// Initialize reads the range and reservation TTL from config
func (a *Allocator) Initialize(ctx context.Context, registry *providers.Registry) error {
	a.storage = registry.DB()
	a.logger = registry.Logger().Named("portalloc")

	cfg := registry.Config()
	a.SetPortRange(cfg.PortRangeStart, cfg.PortRangeEnd)
	if cfg.ReservationTTL > 0 {
		a.ttl = cfg.ReservationTTL
	}

	a.logger.Info("Proxy port range %d-%d", a.portRange.start, a.portRange.end)
	return nil
}

// IsRunnable returns false
func (a *Allocator) IsRunnable() bool {
	return false
}

// Start is a no-op
func (a *Allocator) Start(ctx context.Context) error {
	return nil
}

// Stop drops outstanding reservations
func (a *Allocator) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = make(map[int]time.Time)
	return nil
}

// RegisterAPIRoutes has nothing to register
func (a *Allocator) RegisterAPIRoutes(app interface{}) error {
	return nil
}

// SetPortRange sets the port allocation range
func (a *Allocator) SetPortRange(start, end int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.portRange.start = start
	a.portRange.end = end
}

// Range returns the inclusive port range
func (a *Allocator) Range() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.portRange.start, a.portRange.end
}

// Allocate finds the first port in range that is not persisted, not reserved and bindable,
// and reserves it.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	usedPorts, err := a.storage.Tunnels().UsedPorts()
	if err != nil {
		return 0, fmt.Errorf("failed to get used ports: %w", err)
	}

	used := make(map[int]bool, len(usedPorts))
	for _, port := range usedPorts {
		used[port] = true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for port, expiry := range a.reserved {
		if !now.Before(expiry) {
			delete(a.reserved, port)
		}
	}

	for port := a.portRange.start; port <= a.portRange.end; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if used[port] {
			continue
		}
		if _, held := a.reserved[port]; held {
			continue
		}
		if !a.probe(port) {
			a.logger.Debug("Port %d is bound by another process", port)
			continue
		}
		a.reserved[port] = now.Add(a.ttl)
		return port, nil
	}

	return 0, fmt.Errorf("%w %d-%d", ErrNoPortAvailable, a.portRange.start, a.portRange.end)
}

// Release drops a reservation
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// IsPortInUse reports whether the port cannot be bound right now
func (a *Allocator) IsPortInUse(port int) bool {
	return !a.probe(port)
}

// bindable listens on the port on all interfaces and immediately closes it
func (a *Allocator) bindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

var _ providers.Service = (*Allocator)(nil)
var _ providers.PortAllocator = (*Allocator)(nil)
