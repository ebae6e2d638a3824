package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
)

// DefaultInterval is used when the configured interval is not positive
const DefaultInterval = 30 * time.Second

// Service periodically reconciles persisted tunnel state with process liveness.
// It only ever demotes running to error; restarting is left to the operator.
type Service struct {
	storage   storage.Storage
	logger    *logger.Logger
	registry  *providers.Registry
	processes providers.ProcessManager
	interval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates the status monitor
func NewService() *Service {
	return &Service{
		logger:   logger.Discard(),
		interval: DefaultInterval,
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "monitor"
}

// Initialize resolves the process manager
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.registry = registry
	s.storage = registry.DB()
	s.logger = registry.Logger().Named("monitor")
	if interval := registry.Config().MonitorInterval; interval > 0 {
		s.interval = interval
	}

	var err error
	if s.processes, err = registry.GetProcessManager(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// IsRunnable returns true
func (s *Service) IsRunnable() bool {
	return true
}

// Start runs one reconciliation immediately and then one per interval.
// Start after Stop is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.cancel != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("Checking tunnel liveness every %s", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.RunOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop ends the loop and waits for an in-flight cycle
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RegisterAPIRoutes registers nothing; drift shows up in the proxy service list and the event journal
func (s *Service) RegisterAPIRoutes(app interface{}) error {
	return nil
}

// RunOnce checks every running tunnel with a recorded pid and returns how many records it corrected
func (s *Service) RunOnce(ctx context.Context) int {
	services, err := s.storage.Tunnels().FindByStatus(models.StatusRunning)
	if err != nil {
		s.logger.Error("Failed to load running tunnels: %v", err)
		return 0
	}

	corrected := 0
	for _, svc := range services {
		if ctx.Err() != nil {
			break
		}
		if !svc.HasProcess() || s.processes.IsProcessRunning(svc.ProcessID) {
			continue
		}

		// Only applies if nobody restarted or stopped the tunnel since the read
		applied, err := s.storage.Tunnels().SetStateIf(svc.ID, models.StatusRunning, svc.ProcessID, models.StatusError, models.NoProcess)
		if err != nil {
			s.logger.Error("Failed to mark tunnel %d as errored: %v", svc.ID, err)
			continue
		}
		if !applied {
			continue
		}

		corrected++
		s.logger.Warn("Tunnel %d (%s) pid %d is gone, marked as error", svc.ID, svc.Name, svc.ProcessID)
		s.registry.Track(ctx, providers.Event{
			Type:      models.EventDrift,
			ServiceID: svc.ID,
			Message:   fmt.Sprintf("pid %d on port %d no longer alive", svc.ProcessID, svc.ProxyPort),
		})
	}

	if corrected > 0 {
		s.registry.InvalidatePAC()
	}
	return corrected
}

var _ providers.Service = (*Service)(nil)
