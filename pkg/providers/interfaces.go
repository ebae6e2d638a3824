package providers

import (
	"context"
	"errors"
	"time"

	"github.com/tphan267/socksgate/pkg/storage/models"
)

// Account errors shared by the auth provider and its callers
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidPassword    = errors.New("current password is incorrect")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrEmailExists        = errors.New("email already exists")
)

// AuthProvider defines authentication operations
type AuthProvider interface {
	// Authenticate validates user credentials and returns a token
	Authenticate(ctx context.Context, username, password string) (string, error)
	// ValidateToken verifies a token and returns the username
	ValidateToken(ctx context.Context, token string) (string, error)
	// Revoke drops a token
	Revoke(ctx context.Context, token string)
	// Register creates an account with the user role
	Register(ctx context.Context, username, password string, email *string) (*models.Account, error)
	// GetAccount looks an account up by username
	GetAccount(ctx context.Context, username string) (*models.Account, error)
	// ChangePassword replaces the password after verifying the current one
	ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error
	// UpdateEmail replaces the account email; nil or blank clears it
	UpdateEmail(ctx context.Context, username string, email *string) (*models.Account, error)
}

// ACLProvider defines access control operations
type ACLProvider interface {
	// CheckPermission verifies if a user has permission for a resource/action
	CheckPermission(ctx context.Context, username, resource, action string) (bool, error)
	// ListPermissions returns all permissions for a user
	ListPermissions(ctx context.Context, username string) ([]Permission, error)
}

// Permission represents a user permission
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// EventRecorder journals tunnel lifecycle events
type EventRecorder interface {
	// Track records an event
	Track(ctx context.Context, event Event) error
	// GetMetrics counts events per type for a window
	GetMetrics(ctx context.Context, query MetricsQuery) (*MetricsResult, error)
}

// Event represents a tunnel lifecycle event
type Event struct {
	Type      string
	Timestamp time.Time
	ServiceID int64
	Actor     string
	Message   string
	Trail     []string
}

// MetricsQuery defines parameters for metrics retrieval
type MetricsQuery struct {
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	EventTypes []string  `json:"eventTypes"`
}

// MetricsResult contains aggregated metrics
type MetricsResult struct {
	Data  map[string]int64 `json:"data"`
	Count int64            `json:"count"`
}

// PortAllocator hands out proxy ports from the configured range
type PortAllocator interface {
	// Allocate returns a port that is unclaimed in storage, not reserved, and bindable
	Allocate(ctx context.Context) (int, error)
	// IsPortInUse bind-probes a single port
	IsPortInUse(port int) bool
	// Release drops a reservation once the port is persisted or abandoned
	Release(port int)
	// Range returns the inclusive port range
	Range() (start, end int)
}

// KeyPair describes generated tunnel key material
type KeyPair struct {
	Name           string `json:"keyName"`
	PrivateKeyPath string `json:"privateKeyPath"`
	PublicKeyPath  string `json:"publicKeyPath"`
	PublicKey      string `json:"publicKey"`
}

// PushRequest holds what is needed to install a public key on a jump host
type PushRequest struct {
	Host      string
	Port      int
	Username  string
	Password  string
	PublicKey string
	// OnLog receives progress lines; may be nil
	OnLog func(level, message string)
}

// CredentialService manages per-tunnel key material
type CredentialService interface {
	GenerateKeyPair(name string) (*KeyPair, error)
	DeleteKeyPair(name string) error
	ReadPublicKey(name string) (string, error)
	PushPublicKey(ctx context.Context, req PushRequest) error
	TestPasswordLogin(ctx context.Context, host string, port int, username, password string) error
	TestKeyLogin(ctx context.Context, host string, port int, username, privateKeyPath string) error
	// KeyNameFromPath maps a stored private key path back to its key name
	KeyNameFromPath(path string) string
}

// StartResult is returned by a successful tunnel start
type StartResult struct {
	ProcessID      int    `json:"processId"`
	CommandLine    string `json:"commandLine"`
	KeyPath        string `json:"keyPath"`
	AlreadyRunning bool   `json:"alreadyRunning,omitempty"`
}

// StopReport summarises a best-effort stop
type StopReport struct {
	ServiceID int64    `json:"serviceId"`
	Port      int      `json:"port"`
	Signalled []int    `json:"signalled"`
	Killed    []int    `json:"killed"`
	Remaining []int    `json:"remaining"`
	Trail     []string `json:"trail"`
	Complete  bool     `json:"complete"`
	// PersistErr is set when the final stopped write failed
	PersistErr error `json:"-"`
}

// ProcessManager owns the mapping from tunnel records to OS processes
type ProcessManager interface {
	StartProcess(ctx context.Context, svc *models.TunnelService) (*StartResult, error)
	StopProcess(ctx context.Context, pid int) error
	IsProcessRunning(pid int) bool
	// StartService is the locked start path: spawn, then persist running or error
	StartService(ctx context.Context, serviceID int64) (*StartResult, error)
	// StopService is the locked best-effort stop path; it always persists stopped
	StopService(ctx context.Context, serviceID int64) *StopReport
}

// Conflict is one already-claimed domain
type Conflict struct {
	Domain    string `json:"domain"`
	GroupID   int64  `json:"groupId"`
	GroupName string `json:"groupName"`
}

// ConflictResult is the outcome of a domain conflict check
type ConflictResult struct {
	HasConflict bool       `json:"hasConflict"`
	Conflicts   []Conflict `json:"conflicts"`
}

// ConflictChecker validates domain claims across routing groups
type ConflictChecker interface {
	CheckConflict(domains []string, excludeGroupID int64) (*ConflictResult, error)
}

// ProxyRule routes a set of domains through one proxy directive
type ProxyRule struct {
	Domains []string `json:"domains"`
	Proxy   string   `json:"proxy"`
}

// RoutingTable is the PAC routing table
type RoutingTable struct {
	Rules  []ProxyRule `json:"proxyRules"`
	Direct bool        `json:"direct"`
}

// PACGenerator builds and renders the routing table
type PACGenerator interface {
	GenerateRoutingTable(proxyHost string) (*RoutingTable, error)
	RenderScript(table *RoutingTable) string
	// Invalidate drops the cached table; every tunnel/group write calls it
	Invalidate()
}

// SystemConfigProvider reads runtime key/value settings
type SystemConfigProvider interface {
	Get(key string) (string, bool)
	GetBool(key string, defaultValue bool) bool
}
