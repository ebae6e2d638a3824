package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/tphan267/socksgate/pkg/api"
	"github.com/tphan267/socksgate/pkg/config"
	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/storage"
)

// Service is the base interface that all providers must implement
type Service interface {
	// Name returns unique service identifier (constant)
	Name() string

	// Initialize sets up the service with dependencies from registry
	Initialize(ctx context.Context, registry *Registry) error

	// IsRunnable indicates if service needs to run in background
	IsRunnable() bool

	// Start starts the service (only called if IsRunnable returns true)
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service
	Stop(ctx context.Context) error

	// RegisterAPIRoutes registers HTTP routes for this service
	// The app parameter is typically *fiber.App but uses interface{} to avoid circular imports
	RegisterAPIRoutes(app interface{}) error
}

// Registry manages service lifecycle and dependencies
type Registry struct {
	services map[string]Service
	order    []string
	runnable []Service
	db       storage.Storage
	logger   *logger.Logger
	config   *config.Config
}

// NewRegistry creates a new service registry. A nil config means built-in defaults.
func NewRegistry(db storage.Storage, log *logger.Logger, cfg *config.Config) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	if cfg == nil {
		cfg = config.Defaults()
	}
	return &Registry{
		services: make(map[string]Service),
		runnable: make([]Service, 0),
		db:       db,
		logger:   log,
		config:   cfg,
	}
}

// MustRegister registers a service and panics on error (for convenience in main)
func (r *Registry) MustRegister(service Service) {
	if err := r.Register(service); err != nil {
		panic(fmt.Sprintf("Failed to register service %s: %v", service.Name(), err))
	}
}

// DB returns the database storage
func (r *Registry) DB() storage.Storage {
	return r.db
}

// Logger returns the logger
func (r *Registry) Logger() *logger.Logger {
	return r.logger
}

// Config returns the application configuration
func (r *Registry) Config() *config.Config {
	return r.config
}

// Register adds a service to the registry (before initialization)
func (r *Registry) Register(service Service) error {
	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}

	r.services[name] = service
	r.order = append(r.order, name)

	if service.IsRunnable() {
		r.runnable = append(r.runnable, service)
	}

	return nil
}

// InitializeAll initializes all services in registration order
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.logger.Info("Initializing services...")

	for _, name := range r.order {
		r.logger.Info("Initializing service: %s", name)
		if err := r.services[name].Initialize(ctx, r); err != nil {
			return fmt.Errorf("failed to initialize service %s: %w", name, err)
		}
	}

	r.logger.Info("All %d services initialized successfully", len(r.services))
	return nil
}

// StartRunnable starts all background services
func (r *Registry) StartRunnable(ctx context.Context) error {
	if len(r.runnable) == 0 {
		r.logger.Info("No runnable services to start")
		return nil
	}

	r.logger.Info("Starting %d runnable services...", len(r.runnable))

	for _, service := range r.runnable {
		r.logger.Info("Starting service: %s", service.Name())

		go func(s Service) {
			if err := s.Start(ctx); err != nil {
				r.logger.Error("Service %s stopped with error: %v", s.Name(), err)
			}
		}(service)
	}

	r.logger.Info("All runnable services started")
	return nil
}

// Shutdown gracefully stops all services in reverse order
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info("Shutting down services...")

	// Stop runnable services first
	for i := len(r.runnable) - 1; i >= 0; i-- {
		service := r.runnable[i]
		r.logger.Info("Stopping service: %s", service.Name())
		if err := service.Stop(ctx); err != nil {
			r.logger.Error("Error stopping service %s: %v", service.Name(), err)
		}
	}

	for i := len(r.order) - 1; i >= 0; i-- {
		service := r.services[r.order[i]]
		if service.IsRunnable() {
			continue
		}
		r.logger.Info("Stopping service: %s", service.Name())
		if err := service.Stop(ctx); err != nil {
			r.logger.Error("Error stopping service %s: %v", service.Name(), err)
		}
	}

	r.logger.Info("All services stopped")
	return nil
}

// Get retrieves a registered service by name
func (r *Registry) Get(name string) (Service, error) {
	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return service, nil
}

// RegisterAllRoutes registers API routes for all services
func (r *Registry) RegisterAllRoutes(app *fiber.App) error {
	r.logger.Info("Registering API routes for all services...")

	for _, name := range r.order {
		r.logger.Debug("Registering routes for service: %s", name)
		if err := r.services[name].RegisterAPIRoutes(app); err != nil {
			return fmt.Errorf("failed to register routes for service %s: %w", name, err)
		}
	}

	r.logger.Info("Routes registered for %d services", len(r.services))
	return nil
}

// RequireAuth returns a handler that demands a valid bearer token and, when an ACL provider is
// registered, the given permission. Without an auth provider registered the handler lets everything
// through, which is how provider tests mount their routes.
func (r *Registry) RequireAuth(resource, action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authProvider, err := r.GetAuth()
		if err != nil {
			return c.Next()
		}

		token := ExtractToken(c)
		if token == "" {
			return api.ErrorUnauthorizedResp(c, "Missing authorization token")
		}

		username, err := authProvider.ValidateToken(c.Context(), token)
		if err != nil {
			return api.ErrorUnauthorizedResp(c, "Invalid or expired token")
		}
		c.Locals("token", token)
		c.Locals("username", username)

		if resource == "" {
			return c.Next()
		}
		aclProvider, err := r.GetACL()
		if err != nil {
			return c.Next()
		}
		allowed, err := aclProvider.CheckPermission(c.Context(), username, resource, action)
		if err != nil {
			return api.ErrorInternalServerErrorResp(c, "Failed to check permission")
		}
		if !allowed {
			return api.CodeResp(c, api.CodeForbidden, fmt.Sprintf("Permission denied: %s:%s", resource, action))
		}
		return c.Next()
	}
}

// ExtractToken extracts the bearer token from the Authorization header
func ExtractToken(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// Actor returns the authenticated username for the request, or "system"
func Actor(c *fiber.Ctx) string {
	if username, ok := c.Locals("username").(string); ok && username != "" {
		return username
	}
	return "system"
}

// GetAuth returns the auth service with type assertion
func (r *Registry) GetAuth() (AuthProvider, error) {
	service, err := r.Get("auth")
	if err != nil {
		return nil, err
	}
	authProvider, ok := service.(AuthProvider)
	if !ok {
		return nil, fmt.Errorf("service is not an AuthProvider")
	}
	return authProvider, nil
}

// GetACL returns the ACL service with type assertion
func (r *Registry) GetACL() (ACLProvider, error) {
	service, err := r.Get("acl")
	if err != nil {
		return nil, err
	}
	aclProvider, ok := service.(ACLProvider)
	if !ok {
		return nil, fmt.Errorf("service is not an ACLProvider")
	}
	return aclProvider, nil
}

// GetEvents returns the event journal with type assertion
func (r *Registry) GetEvents() (EventRecorder, error) {
	service, err := r.Get("events")
	if err != nil {
		return nil, err
	}
	recorder, ok := service.(EventRecorder)
	if !ok {
		return nil, fmt.Errorf("service is not an EventRecorder")
	}
	return recorder, nil
}

// GetPortAllocator returns the port allocator with type assertion
func (r *Registry) GetPortAllocator() (PortAllocator, error) {
	service, err := r.Get("portalloc")
	if err != nil {
		return nil, err
	}
	allocator, ok := service.(PortAllocator)
	if !ok {
		return nil, fmt.Errorf("service is not a PortAllocator")
	}
	return allocator, nil
}

// GetCredentials returns the credential service with type assertion
func (r *Registry) GetCredentials() (CredentialService, error) {
	service, err := r.Get("credentials")
	if err != nil {
		return nil, err
	}
	creds, ok := service.(CredentialService)
	if !ok {
		return nil, fmt.Errorf("service is not a CredentialService")
	}
	return creds, nil
}

// GetProcessManager returns the process manager with type assertion
func (r *Registry) GetProcessManager() (ProcessManager, error) {
	service, err := r.Get("process")
	if err != nil {
		return nil, err
	}
	pm, ok := service.(ProcessManager)
	if !ok {
		return nil, fmt.Errorf("service is not a ProcessManager")
	}
	return pm, nil
}

// GetConflictChecker returns the conflict checker with type assertion
func (r *Registry) GetConflictChecker() (ConflictChecker, error) {
	service, err := r.Get("conflict")
	if err != nil {
		return nil, err
	}
	checker, ok := service.(ConflictChecker)
	if !ok {
		return nil, fmt.Errorf("service is not a ConflictChecker")
	}
	return checker, nil
}

// GetPAC returns the PAC generator with type assertion
func (r *Registry) GetPAC() (PACGenerator, error) {
	service, err := r.Get("pac")
	if err != nil {
		return nil, err
	}
	gen, ok := service.(PACGenerator)
	if !ok {
		return nil, fmt.Errorf("service is not a PACGenerator")
	}
	return gen, nil
}

// GetSystemConfig returns the system config provider with type assertion
func (r *Registry) GetSystemConfig() (SystemConfigProvider, error) {
	service, err := r.Get("sysconfig")
	if err != nil {
		return nil, err
	}
	sc, ok := service.(SystemConfigProvider)
	if !ok {
		return nil, fmt.Errorf("service is not a SystemConfigProvider")
	}
	return sc, nil
}

// InvalidatePAC drops the cached routing table if a PAC generator is registered
func (r *Registry) InvalidatePAC() {
	if gen, err := r.GetPAC(); err == nil {
		gen.Invalidate()
	}
}

// Track journals an event if an event recorder is registered. Failures are logged, never returned.
func (r *Registry) Track(ctx context.Context, event Event) {
	recorder, err := r.GetEvents()
	if err != nil {
		return
	}
	if err := recorder.Track(ctx, event); err != nil {
		r.logger.Warn("Failed to record %s event: %v", event.Type, err)
	}
}
