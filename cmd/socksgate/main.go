package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphan267/socksgate/apis"
	"github.com/tphan267/socksgate/pkg/config"
	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/providers/acl"
	"github.com/tphan267/socksgate/pkg/providers/auth"
	"github.com/tphan267/socksgate/pkg/providers/conflict"
	"github.com/tphan267/socksgate/pkg/providers/credentials"
	"github.com/tphan267/socksgate/pkg/providers/events"
	"github.com/tphan267/socksgate/pkg/providers/groups"
	"github.com/tphan267/socksgate/pkg/providers/monitor"
	"github.com/tphan267/socksgate/pkg/providers/pac"
	"github.com/tphan267/socksgate/pkg/providers/portalloc"
	"github.com/tphan267/socksgate/pkg/providers/process"
	"github.com/tphan267/socksgate/pkg/providers/sysconfig"
	"github.com/tphan267/socksgate/pkg/providers/tunnels"
	"github.com/tphan267/socksgate/pkg/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	var (
		configFile string
		logLevel   string
	)
	flag.StringVar(&configFile, "config", "./data/config.yaml", "Path to the config file")
	flag.StringVar(&logLevel, "loglevel", "", "Set the log level (debug, info, warn, error)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(Version, configFile, logLevel)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create structured logger
	appLogger := logger.NewDefault("SOCKSGATE")
	appLogger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	appLogger.Info("Starting socksgate %s...", Version)
	appLogger.Info("Proxy ports %d-%d, tunnel client %s", cfg.PortRangeStart, cfg.PortRangeEnd, cfg.TunnelBinary)

	// Initialize storage
	store, err := storage.NewSQLiteStorage(cfg.DBPath, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	registry := createServiceRegistry(store, appLogger, cfg)

	ctx := context.Background()
	if err := registry.InitializeAll(ctx); err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	// Start runnable services
	if err := registry.StartRunnable(ctx); err != nil {
		log.Fatalf("Failed to start runnable services: %v", err)
	}

	// Create API server
	srv := apis.New(registry)

	// Register service-specific routes
	if err := registry.RegisterAllRoutes(srv.App()); err != nil {
		log.Fatalf("Failed to register service routes: %v", err)
	}

	go func() {
		if err := srv.Start(cfg.ServerAddr); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server shutdown error: %v", err)
	}

	// Tunnels keep running; the monitor reconciles them on the next start
	if err := registry.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Service shutdown error: %v", err)
	}

	appLogger.Info("Server exited")
}

// createServiceRegistry creates the registry and registers every provider.
// Order matters: providers resolve their dependencies by name during Initialize.
func createServiceRegistry(store storage.Storage, log *logger.Logger, cfg *config.Config) *providers.Registry {
	registry := providers.NewRegistry(store, log, cfg)

	registry.MustRegister(events.NewService())
	registry.MustRegister(sysconfig.NewService())
	registry.MustRegister(auth.NewService())
	registry.MustRegister(acl.NewService())
	registry.MustRegister(portalloc.NewAllocator())
	registry.MustRegister(credentials.NewService(cfg.SSHKeysDir))
	registry.MustRegister(conflict.NewChecker())
	registry.MustRegister(pac.NewGenerator())
	registry.MustRegister(process.NewManager(nil))
	registry.MustRegister(tunnels.NewService())
	registry.MustRegister(groups.NewService())
	registry.MustRegister(monitor.NewService())

	return registry
}
