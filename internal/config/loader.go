package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references against the environment, decodes
// a YAML config from r, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} and $VAR with environment values. Unset
// variables expand to the empty string.
func ExpandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env") into
// the process environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RateLimit.Requests < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.requests %d must not be negative", cfg.Server.RateLimit.Requests))
	}

	// Store
	switch cfg.Store.Driver {
	case DriverPostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required when store.driver is postgres"))
		}
	case DriverMemory:
		if cfg.Store.FixturesPath == "" {
			errs = append(errs, errors.New("store.fixtures_path is required when store.driver is memory"))
		}
		if len(cfg.Store.ReplicaDSNs) > 0 {
			errs = append(errs, errors.New("store.replica_dsns is only supported by the postgres driver"))
		}
	case "":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: postgres, memory", cfg.Store.Driver))
	}
	for i, dsn := range cfg.Store.ReplicaDSNs {
		if dsn == "" {
			errs = append(errs, fmt.Errorf("store.replica_dsns[%d] is empty", i))
		}
	}
	if cfg.Store.ReloadInterval < 0 {
		errs = append(errs, fmt.Errorf("store.reload_interval %s must not be negative", cfg.Store.ReloadInterval))
	}

	// Dispatch
	if cfg.Dispatch.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_concurrency %d must not be negative", cfg.Dispatch.MaxConcurrency))
	}

	// Supervisor
	seen := make(map[string]int, len(cfg.Supervisor.Groups))
	for i, g := range cfg.Supervisor.Groups {
		prefix := fmt.Sprintf("supervisor.groups[%d]", i)
		if strings.TrimSpace(g) == "" {
			errs = append(errs, fmt.Errorf("%s is empty", prefix))
			continue
		}
		if prev, ok := seen[g]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of supervisor.groups[%d]", prefix, g, prev))
		}
		seen[g] = i
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_restarts %d must not be negative", cfg.Supervisor.MaxRestarts))
	}
	if b, mb := cfg.Supervisor.Backoff, cfg.Supervisor.MaxBackoff; b > 0 && mb > 0 && mb < b {
		errs = append(errs, fmt.Errorf("supervisor.max_backoff %s is shorter than supervisor.backoff %s", mb, b))
	}
	if ct := cfg.Supervisor.CallTimeout; ct < 0 {
		errs = append(errs, fmt.Errorf("supervisor.call_timeout %s must not be negative", ct))
	} else if ct > 0 && ct < cfg.Dispatch.DefaultTimeout {
		errs = append(errs, fmt.Errorf("supervisor.call_timeout %s is shorter than dispatch.default_timeout %s", ct, cfg.Dispatch.DefaultTimeout))
	}

	return errors.Join(errs...)
}
