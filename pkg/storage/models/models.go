package models

import "time"

// Tunnel service lifecycle states
const (
	StatusStopped = "stopped"
	StatusRunning = "running"
	StatusError   = "error"
)

// NoProcess is the process id sentinel meaning no process is associated
const NoProcess = -1

// TunnelService is one SSH jump host tunnel exposing a local SOCKS5 port
type TunnelService struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name         string    `json:"name" gorm:"type:varchar(128);not null"`
	JumpHost     string    `json:"jumpHost" gorm:"column:jump_host;type:varchar(255);not null"`
	JumpPort     int       `json:"jumpPort" gorm:"column:jump_port;default:22"`
	JumpUsername string    `json:"jumpUsername" gorm:"column:jump_username;type:varchar(128);not null"`
	ProxyPort    int       `json:"proxyPort" gorm:"column:proxy_port;uniqueIndex;not null"`
	SSHKeyPath   string    `json:"sshKeyPath" gorm:"column:ssh_key_path;type:varchar(512)"`
	Status       string    `json:"status" gorm:"type:varchar(16);index;default:stopped"`
	ProcessID    int       `json:"processId" gorm:"column:process_id;default:-1"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName overrides the table name
func (TunnelService) TableName() string {
	return "proxy_services"
}

// IsRunning reports whether the record claims a live tunnel
func (s *TunnelService) IsRunning() bool {
	return s.Status == StatusRunning
}

// HasProcess reports whether a process id is recorded
func (s *TunnelService) HasProcess() bool {
	return s.ProcessID > 0
}

// RoutingGroup is a named set of domains routed through one tunnel service (a "host config")
type RoutingGroup struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name           string    `json:"name" gorm:"type:varchar(128);not null"`
	ProxyServiceID int64     `json:"proxyServiceId" gorm:"column:proxy_service_id;index;not null"`
	Domains        []string  `json:"hosts" gorm:"column:hosts;type:text;serializer:json"`
	Enabled        bool      `json:"enabled" gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TableName overrides the table name
func (RoutingGroup) TableName() string {
	return "host_configs"
}

// SystemConfig is a key/value runtime setting
type SystemConfig struct {
	Key         string    `json:"key" gorm:"primaryKey;type:varchar(128)"`
	Value       string    `json:"value" gorm:"type:text"`
	Description string    `json:"description" gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName overrides the table name
func (SystemConfig) TableName() string {
	return "system_configs"
}

// Account roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Account is an operator login
type Account struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string    `json:"username" gorm:"type:varchar(64);uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"column:password_hash;not null"`
	Email        *string   `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	Role         string    `json:"role" gorm:"type:varchar(16);default:user"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName overrides the table name
func (Account) TableName() string {
	return "users"
}

// Tunnel event types
const (
	EventStart       = "start"
	EventStartFailed = "start_failed"
	EventStop        = "stop"
	EventDrift       = "drift"
	EventDelete      = "delete"
	EventProvision   = "provision"
)

// TunnelEvent is one entry in the lifecycle journal
type TunnelEvent struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Type           string    `json:"type" gorm:"type:varchar(32);index"`
	ProxyServiceID int64     `json:"proxyServiceId" gorm:"column:proxy_service_id;index"`
	Actor          string    `json:"actor" gorm:"type:varchar(64)"`
	Message        string    `json:"message" gorm:"type:text"`
	Trail          []string  `json:"trail,omitempty" gorm:"type:text;serializer:json"`
	CreatedAt      time.Time `json:"createdAt" gorm:"index"`
}

// TableName overrides the table name
func (TunnelEvent) TableName() string {
	return "tunnel_events"
}
