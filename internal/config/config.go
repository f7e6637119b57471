// ABOUTME: Configuration loading and parsing for nova-gateway
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete nova-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Proxy     ProxyConfig     `yaml:"proxy" toml:"proxy"`
	Builtins  BuiltinsConfig  `yaml:"builtins" toml:"builtins"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
	StdioEnable bool   `yaml:"stdio" toml:"stdio"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// APIKeys is the static shared-key list; keys provisioned via
	// bootstrap live in the database instead.
	APIKeys   []string `yaml:"api_keys" toml:"api_keys"`
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RateLimitConfig holds admission control configuration
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`

	IdleTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	IdleTTLRaw string `yaml:"idle_ttl" toml:"idle_ttl"`
}

// ProxyConfig holds invocation proxy configuration
type ProxyConfig struct {
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`

	// AllowInsecureEndpoints permits plain-http tool endpoints. Local
	// development only.
	AllowInsecureEndpoints bool `yaml:"allow_insecure_endpoints" toml:"allow_insecure_endpoints"`
}

// BuiltinsConfig controls the built-in public-data tool pack
type BuiltinsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. YAML and TOML are supported, chosen by file extension.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.IdleTTL == 0 {
		c.RateLimit.IdleTTL = 10 * time.Minute
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" && !c.Server.StdioEnable {
		return fmt.Errorf("server.http_addr is required unless server.stdio is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}

	for i, key := range c.Auth.APIKeys {
		if key == "" {
			return fmt.Errorf("auth.api_keys[%d] is empty (unset environment variable?)", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.RateLimit.IdleTTLRaw != "" {
		cfg.RateLimit.IdleTTL, err = time.ParseDuration(cfg.RateLimit.IdleTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_limit.idle_ttl %q: %w", cfg.RateLimit.IdleTTLRaw, err)
		}
	}

	if cfg.Proxy.TimeoutRaw != "" {
		cfg.Proxy.Timeout, err = time.ParseDuration(cfg.Proxy.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing proxy.timeout %q: %w", cfg.Proxy.TimeoutRaw, err)
		}
	}

	return nil
}

// Example returns a commented starter configuration in YAML form.
func Example() string {
	return `# nova-gateway configuration

server:
  http_addr: ":8421"
  # stdio: true          # serve line-delimited JSON-RPC on stdin/stdout

database:
  path: "nova-gateway.db"

auth:
  api_keys:
    - "${NOVA_API_KEY}"
  jwt_secret: "${NOVA_JWT_SECRET}"

rate_limit:
  requests_per_minute: 60
  idle_ttl: "10m"

proxy:
  timeout: "30s"
  # allow_insecure_endpoints: true   # local development only

builtins:
  enabled: true

logging:
  level: "info"     # debug, info, warn, error
  format: "text"    # text or json
`
}
