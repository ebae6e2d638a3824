package storage

import (
	"github.com/tphan267/socksgate/pkg/storage/repositories"
	"gorm.io/gorm"
)

// Storage is the database storage interface
type Storage interface {
	// DB returns the underlying GORM database instance
	DB() *gorm.DB

	Tunnels() *repositories.TunnelRepository
	Groups() *repositories.GroupRepository
	SystemConfigs() *repositories.SystemConfigRepository
	Accounts() *repositories.AccountRepository
	Events() *repositories.EventRepository

	// Ping checks the database connection
	Ping() error

	Close() error
}
