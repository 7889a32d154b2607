// Package config provides configuration parsing and validation for the
// proxy agent.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/acl"
	"github.com/nabbar/socks5-acl-proxy/internal/qos"
	"github.com/nabbar/socks5-acl-proxy/internal/resolver"
	"github.com/nabbar/socks5-acl-proxy/internal/session"
	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	ACL      ACLConfig      `yaml:"acl"`
	QoS      qos.Config     `yaml:"qos"`
	Session  SessionConfig  `yaml:"session"`
	Pool     PoolConfig     `yaml:"pool"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AgentConfig holds process-wide settings unrelated to proxying itself.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig configures the SOCKS5 listener and its handshake timing.
type ServerConfig struct {
	ListenAddress    string        `yaml:"listen_address"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxConnections   int           `yaml:"max_connections"`
	// ExternalBindAddr is advertised to BIND clients in the first reply
	// when the listener sits behind NAT and the locally bound address
	// is not reachable from the client's network.
	ExternalBindAddr string `yaml:"external_bind_addr"`
	EnableUDP        bool   `yaml:"enable_udp"`
	Auth             AuthConfig `yaml:"auth"`
}

// AuthConfig configures RFC 1929 username/password authentication for
// the SOCKS5 listener. When HashedUsers is non-empty it is preferred
// over Users for the same deployment; Users exists only so an operator
// migrating an existing plaintext list has somewhere to put it before
// hashing. When Required is false a client that doesn't negotiate
// username/password still gets in through NoAuth.
type AuthConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Required    bool              `yaml:"required"`
	Users       map[string]string `yaml:"users"`
	HashedUsers map[string]string `yaml:"hashed_users"`
}

// ACLConfig points at the access-control document and controls whether
// it is watched for changes.
type ACLConfig struct {
	ConfigPath      string        `yaml:"config_path"`
	ReloadOnChange  bool          `yaml:"reload_on_change"`
	ReloadInterval  time.Duration `yaml:"reload_interval"`
}

// SessionConfig tunes the session manager's batching, history and
// background collection.
type SessionConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	BatchInterval      time.Duration `yaml:"batch_interval"`
	HistoryMaxSnapshots int          `yaml:"history_max_snapshots"`
	HistoryMaxAge       time.Duration `yaml:"history_max_age"`
	CollectorInterval   time.Duration `yaml:"collector_interval"`
}

func (s SessionConfig) batchConfig() session.BatchConfig {
	return session.BatchConfig{BatchSize: s.BatchSize, BatchInterval: s.BatchInterval}
}

// PoolConfig tunes the upstream connection pool.
type PoolConfig struct {
	MaxIdlePerDest int           `yaml:"max_idle_per_dest"`
	MaxTotal       int           `yaml:"max_total"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

func (p PoolConfig) poolConfig() resolver.PoolConfig {
	return resolver.PoolConfig{MaxIdlePerDest: p.MaxIdlePerDest, MaxTotal: p.MaxTotal, IdleTimeout: p.IdleTimeout}
}

// TelemetryConfig tunes the in-memory event history.
type TelemetryConfig struct {
	MaxEvents int           `yaml:"max_events"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// SessionBatchConfig returns the session.BatchConfig this document
// describes.
func (c *Config) SessionBatchConfig() session.BatchConfig {
	return c.Session.batchConfig()
}

// PoolResolverConfig returns the resolver.PoolConfig this document
// describes.
func (c *Config) PoolResolverConfig() resolver.PoolConfig {
	return c.Pool.poolConfig()
}

// Default returns the baseline configuration used when no file is
// supplied and as the starting point that a loaded YAML document is
// unmarshaled over.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			ListenAddress:    "127.0.0.1:1080",
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      5 * time.Minute,
			MaxConnections:   1000,
			EnableUDP:        true,
		},
		ACL: ACLConfig{
			ConfigPath:     "acl.yaml",
			ReloadOnChange: true,
			ReloadInterval: 5 * time.Second,
		},
		QoS: qos.Config{
			Default: qos.UserQosConfig{
				RateBps:       0, // 0 = unlimited
				MaxConcurrent: 100,
				MaxPerHost:    20,
			},
		},
		Session: SessionConfig{
			BatchSize:           100,
			BatchInterval:       time.Second,
			HistoryMaxSnapshots: 1440, // one day at one-minute resolution
			HistoryMaxAge:       24 * time.Hour,
			CollectorInterval:   time.Minute,
		},
		Pool: PoolConfig{
			MaxIdlePerDest: 4,
			MaxTotal:       256,
			IdleTimeout:    90 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MaxEvents: 2000,
			MaxAge:    24 * time.Hour,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadACL reads and parses the ACL document referenced by
// ACLConfig.ConfigPath.
func LoadACL(path string) (*acl.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read acl file: %w", err)
	}
	aclCfg := &acl.Config{}
	if err := yaml.Unmarshal(data, aclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse acl file: %w", err)
	}
	return aclCfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("agent.log_level invalid: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("agent.log_format invalid: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Server.ListenAddress == "" {
		errs = append(errs, "server.listen_address is required")
	}
	if c.Server.HandshakeTimeout <= 0 {
		errs = append(errs, "server.handshake_timeout must be positive")
	}
	if c.Server.IdleTimeout <= 0 {
		errs = append(errs, "server.idle_timeout must be positive")
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, "server.max_connections must be positive")
	}

	if c.ACL.ConfigPath == "" {
		errs = append(errs, "acl.config_path is required")
	}

	if c.Session.BatchSize < 1 {
		errs = append(errs, "session.batch_size must be positive")
	}
	if c.Session.BatchInterval <= 0 {
		errs = append(errs, "session.batch_interval must be positive")
	}
	if c.Session.HistoryMaxSnapshots < 1 {
		errs = append(errs, "session.history_max_snapshots must be positive")
	}

	if _, err := qos.NewEngine(&c.QoS, nil); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Pool.MaxTotal < 1 {
		errs = append(errs, "pool.max_total must be positive")
	}
	if c.Pool.MaxIdlePerDest < 0 {
		errs = append(errs, "pool.max_idle_per_dest must be >= 0")
	}

	if errs != nil {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// String returns a YAML representation safe to log: no ACL or QoS
// values are considered sensitive, but any future credential field
// introduced here should be scrubbed in Redacted rather than added to
// this string directly.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a YAML representation with no redaction applied.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Redacted returns a deep copy of the config with sensitive values
// replaced by a placeholder: server.auth.users holds plaintext
// passwords and server.auth.hashed_users holds bcrypt hashes, neither
// of which belong in a log line.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	for u := range redacted.Server.Auth.Users {
		redacted.Server.Auth.Users[u] = redactedValue
	}
	for u := range redacted.Server.Auth.HashedUsers {
		redacted.Server.Auth.HashedUsers[u] = redactedValue
	}
	return redacted
}
