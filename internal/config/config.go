// Package config provides the configuration schema and loader for greenline.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the Data Access Boundary implementation.
type StoreDriver string

const (
	// DriverPostgres reads tenant data from PostgreSQL.
	DriverPostgres StoreDriver = "postgres"

	// DriverMemory serves tenant data from a YAML fixture file.
	DriverMemory StoreDriver = "memory"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	return d == DriverPostgres || d == DriverMemory
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// RateLimit bounds invocations per tenant.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// ShutdownTimeout bounds graceful HTTP and worker shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RateLimitConfig configures the per-tenant invocation limit. A zero
// Requests disables limiting.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// StoreConfig selects and configures the tenant data source.
type StoreConfig struct {
	// Driver is "postgres" or "memory". Default "postgres".
	Driver StoreDriver `yaml:"driver"`

	// PostgresDSN is the connection string, typically "${DATABASE_URL}".
	PostgresDSN string `yaml:"postgres_dsn"`

	// ReplicaDSNs are read replicas tried in order when the primary fails.
	ReplicaDSNs []string `yaml:"replica_dsns"`

	// Failover tunes the per-database breakers used with ReplicaDSNs.
	Failover BreakerConfig `yaml:"failover"`

	// MaxConns bounds the pgx pool. Default 8.
	MaxConns int32 `yaml:"max_conns"`

	// Migrate creates the schema on startup when true.
	Migrate bool `yaml:"migrate"`

	// FixturesPath is the tenant fixture file for the memory driver.
	FixturesPath string `yaml:"fixtures_path"`

	// ReloadInterval is the fixture polling interval. Zero disables reload.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// DispatchConfig tunes each worker's dispatch server.
type DispatchConfig struct {
	// DefaultTimeout applies to tools without their own timeout. Default 5s.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxConcurrency bounds in-flight handlers per worker. Zero is unbounded.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// SupervisorConfig lists the tool groups and their restart policy.
type SupervisorConfig struct {
	// Groups names the tool groups to run, one worker each.
	// Default ["business-logic"].
	Groups []string `yaml:"groups"`

	MaxRestarts int           `yaml:"max_restarts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	StableAfter time.Duration `yaml:"stable_after"`

	// CallTimeout bounds a single call to a worker, transport included.
	// Default dispatch.default_timeout + CallTimeoutMargin, so the worker's
	// own HandlerTimeoutError normally arrives first.
	CallTimeout time.Duration `yaml:"call_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// CallTimeoutMargin is added to dispatch.default_timeout when
// supervisor.call_timeout is not set.
const CallTimeoutMargin = 2 * time.Second

// BreakerConfig tunes a circuit breaker. Zero values take the breaker defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DefaultGroup is used when supervisor.groups is empty.
const DefaultGroup = "business-logic"

// ApplyDefaults fills zero-valued fields with their defaults. Restart and
// breaker knobs are left to the supervisor's own defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Window <= 0 {
		c.Server.RateLimit.Window = time.Minute
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverPostgres
	}
	if c.Store.MaxConns <= 0 {
		c.Store.MaxConns = 8
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		c.Dispatch.DefaultTimeout = 5 * time.Second
	}
	if len(c.Supervisor.Groups) == 0 {
		c.Supervisor.Groups = []string{DefaultGroup}
	}
	if c.Supervisor.CallTimeout == 0 {
		c.Supervisor.CallTimeout = c.Dispatch.DefaultTimeout + CallTimeoutMargin
	}
}
