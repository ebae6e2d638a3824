package events

import (
	"context"
	"sync"
	"time"

	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/storage"
	"github.com/tphan267/socksgate/pkg/storage/models"
)

const (
	// DefaultRetention is how long journal entries are kept
	DefaultRetention = 30 * 24 * time.Hour
	pruneInterval    = time.Hour
)

// Service journals tunnel lifecycle events in the record store
type Service struct {
	storage   storage.Storage
	logger    *logger.Logger
	registry  *providers.Registry
	retention time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates a new event journal
func NewService() *Service {
	return &Service{
		retention: DefaultRetention,
		logger:    logger.Discard(),
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "events"
}

// Initialize sets up the service
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.registry = registry
	s.storage = registry.DB()
	s.logger = registry.Logger().Named("events")
	return nil
}

// IsRunnable returns true; the journal prunes old entries in the background
func (s *Service) IsRunnable() bool {
	return true
}

// Start launches the retention loop; it does nothing once Stop has run
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.cancel != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			s.prune()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop ends the retention loop
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

func (s *Service) prune() {
	n, err := s.storage.Events().Prune(time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Warn("Failed to prune events: %v", err)
		return
	}
	if n > 0 {
		s.logger.Debug("Pruned %d events", n)
	}
}

// Track records a lifecycle event
func (s *Service) Track(ctx context.Context, event providers.Event) error {
	record := &models.TunnelEvent{
		Type:           event.Type,
		ProxyServiceID: event.ServiceID,
		Actor:          event.Actor,
		Message:        event.Message,
		Trail:          event.Trail,
		CreatedAt:      event.Timestamp,
	}
	if record.Actor == "" {
		record.Actor = "system"
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	return s.storage.Events().Create(record)
}

// GetMetrics counts events per type inside the query window
func (s *Service) GetMetrics(ctx context.Context, query providers.MetricsQuery) (*providers.MetricsResult, error) {
	counts, err := s.storage.Events().CountByType(query.StartTime, query.EndTime, query.EventTypes)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return &providers.MetricsResult{Data: counts, Count: total}, nil
}

// Verify that Service implements both Service and EventRecorder interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.EventRecorder = (*Service)(nil)
