package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"github.com/tphan267/socksgate/pkg/utils"
	"go.yaml.in/yaml/v3"
)

var cfg *Config

// Config holds the application configuration
type Config struct {
	ServerAddr string `yaml:"server_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	// Proxy port range handed out to tunnel services (inclusive)
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`

	SSHKeysDir         string `yaml:"ssh_keys_dir"`
	SSHKeysFallbackDir string `yaml:"ssh_keys_fallback_dir"`
	TunnelBinary       string `yaml:"tunnel_binary"`

	// Host advertised in PAC rules; empty means resolve per request
	ProxyHost string `yaml:"proxy_host"`

	MonitorInterval time.Duration `yaml:"monitor_interval"`
	StartGrace      time.Duration `yaml:"start_grace"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	PACCacheTTL     time.Duration `yaml:"pac_cache_ttl"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl"`

	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`

	Version string `yaml:"-"`

	mu   sync.Mutex `yaml:"-"`
	file string     `yaml:"-"`
}

// Defaults returns a config with every field set to its built-in default, without touching disk or env.
// Tests and embedders use it directly.
func Defaults() *Config {
	return &Config{
		ServerAddr:         ":3000",
		DBPath:             "socksgate.db",
		LogLevel:           "info",
		PortRangeStart:     11081,
		PortRangeEnd:       11083,
		SSHKeysDir:         "./data/ssh-keys",
		SSHKeysFallbackDir: "/data/ssh-keys",
		TunnelBinary:       "autossh",
		MonitorInterval:    30 * time.Second,
		StartGrace:         2 * time.Second,
		StopTimeout:        10 * time.Second,
		PACCacheTTL:        5 * time.Second,
		ReservationTTL:     30 * time.Second,
		AdminUsername:      "admin",
	}
}

func (c *Config) GetServerPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(c.ServerAddr, ":")
	return parts[len(parts)-1]
}

// Save writes the current configuration back to the file
func (c *Config) Save() error {
	if c.file == "" {
		return fmt.Errorf("config file path is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.file), 0o755); err != nil {
		return err
	}

	return os.WriteFile(c.file, data, 0o600)
}

// EnsureDefaultConfig applies env overrides and fills missing fields with defaults
func (c *Config) EnsureDefaultConfig(save bool) error {
	changed := false
	def := Defaults()
	c.mu.Lock()

	// Env overrides
	if addr := utils.Env("SOCKSGATE_SERVER_ADDR", ""); addr != "" {
		c.ServerAddr = addr
	}
	if dbPath := utils.Env("SOCKSGATE_DB_PATH", ""); dbPath != "" {
		c.DBPath = dbPath
	}
	if logLevel := utils.Env("SOCKSGATE_LOG_LEVEL", ""); logLevel != "" {
		c.LogLevel = logLevel
	}
	if start := utils.EnvInt("PROXY_PORT_START", 0); start > 0 {
		c.PortRangeStart = start
	}
	if end := utils.EnvInt("PROXY_PORT_END", 0); end > 0 {
		c.PortRangeEnd = end
	}
	if dir := utils.Env("SSH_KEYS_DIR", ""); dir != "" {
		c.SSHKeysDir = dir
	}
	if bin := utils.Env("SOCKSGATE_TUNNEL_BINARY", ""); bin != "" {
		c.TunnelBinary = bin
	}
	if d := utils.EnvDuration("SOCKSGATE_MONITOR_INTERVAL", 0); d > 0 {
		c.MonitorInterval = d
	}
	if d := utils.EnvDuration("SOCKSGATE_PAC_CACHE_TTL", 0); d > 0 {
		c.PACCacheTTL = d
	}
	if host := utils.Env("PROXY_HOST", ""); host != "" {
		c.ProxyHost = host
	}
	if user := utils.Env("SOCKSGATE_ADMIN_USERNAME", ""); user != "" {
		c.AdminUsername = user
	}
	if pass := utils.Env("SOCKSGATE_ADMIN_PASSWORD", ""); pass != "" {
		c.AdminPassword = pass
	}

	// Create defaults
	if c.ServerAddr == "" {
		c.ServerAddr = def.ServerAddr
		changed = true
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(filepath.Dir(c.file), "socksgate.db")
		changed = true
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
		changed = true
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = def.PortRangeStart
		changed = true
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = def.PortRangeEnd
		changed = true
	}
	if c.SSHKeysDir == "" {
		c.SSHKeysDir = def.SSHKeysDir
		changed = true
	}
	if c.SSHKeysFallbackDir == "" {
		c.SSHKeysFallbackDir = def.SSHKeysFallbackDir
		changed = true
	}
	if c.TunnelBinary == "" {
		c.TunnelBinary = def.TunnelBinary
		changed = true
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
		changed = true
	}
	if c.StartGrace <= 0 {
		c.StartGrace = def.StartGrace
		changed = true
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
		changed = true
	}
	if c.PACCacheTTL <= 0 {
		c.PACCacheTTL = def.PACCacheTTL
		changed = true
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = def.ReservationTTL
		changed = true
	}
	if c.AdminUsername == "" {
		c.AdminUsername = def.AdminUsername
		changed = true
	}

	if c.PortRangeEnd < c.PortRangeStart {
		c.mu.Unlock()
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}

	c.mu.Unlock()

	if changed && save {
		return c.Save()
	}
	return nil
}

// ConfigInstance returns the global config instance
func ConfigInstance() *Config {
	return cfg
}

// Load loads configuration from the specified file and environment variables
func Load(version, file, logLevel string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg = &Config{
		Version: version,
		file:    file,
	}

	if _, err := os.Stat(file); err == nil {
		yamlFeeder := feeder.Yaml{Path: file}
		if err := config.New().AddFeeder(yamlFeeder).AddStruct(cfg).Feed(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	if err := cfg.EnsureDefaultConfig(true); err != nil {
		return nil, err
	}

	// Override log level from command-line argument
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg, nil
}
