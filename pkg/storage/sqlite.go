package storage

import (
	"fmt"
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/tphan267/socksgate/pkg/logger"
	"github.com/tphan267/socksgate/pkg/storage/models"
	"github.com/tphan267/socksgate/pkg/storage/repositories"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db     *gorm.DB
	logger *logger.Logger

	tunnels  *repositories.TunnelRepository
	groups   *repositories.GroupRepository
	sysconf  *repositories.SystemConfigRepository
	accounts *repositories.AccountRepository
	events   *repositories.EventRepository
}

// NewSQLiteStorage creates a new SQLite storage instance and migrates the schema
func NewSQLiteStorage(dbPath string, appLogger *logger.Logger) (Storage, error) {
	gormLogger := gormlogger.Default.LogMode(gormlogger.Silent)

	db, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: in-memory databases are per connection, and sqlite serializes writers anyway
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.TunnelService{},
		&models.RoutingGroup{},
		&models.SystemConfig{},
		&models.Account{},
		&models.TunnelEvent{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if appLogger != nil {
		appLogger.Info("SQLite database opened: %s", dbPath)
	} else {
		log.Printf("SQLite database opened: %s", dbPath)
	}

	return &SQLiteStorage{
		db:       db,
		logger:   appLogger,
		tunnels:  repositories.NewTunnelRepository(db),
		groups:   repositories.NewGroupRepository(db),
		sysconf:  repositories.NewSystemConfigRepository(db),
		accounts: repositories.NewAccountRepository(db),
		events:   repositories.NewEventRepository(db),
	}, nil
}

func dsn(dbPath string) string {
	if dbPath == ":memory:" || strings.Contains(dbPath, "?") {
		return dbPath
	}
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// DB returns the underlying GORM database instance
func (s *SQLiteStorage) DB() *gorm.DB {
	return s.db
}

func (s *SQLiteStorage) Tunnels() *repositories.TunnelRepository {
	return s.tunnels
}

func (s *SQLiteStorage) Groups() *repositories.GroupRepository {
	return s.groups
}

func (s *SQLiteStorage) SystemConfigs() *repositories.SystemConfigRepository {
	return s.sysconf
}

func (s *SQLiteStorage) Accounts() *repositories.AccountRepository {
	return s.accounts
}

func (s *SQLiteStorage) Events() *repositories.EventRepository {
	return s.events
}

// Ping checks the database connection
func (s *SQLiteStorage) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("SQLite database closed")
	} else {
		log.Println("SQLite database closed")
	}
	return nil
}
