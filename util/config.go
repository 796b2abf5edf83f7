package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config represents the server configuration. Zero values are replaced by the
// defaults in DefaultConfig when loaded.
type Config struct {
	Host     string `yaml:"host" koanf:"host"`
	Port     int    `yaml:"port" koanf:"port"`
	Endpoint string `yaml:"endpoint" koanf:"endpoint"`

	// DatabasePath is the sqlite file holding the exercise catalog
	DatabasePath string `yaml:"database_path" koanf:"database_path"`
	// InMemory runs the catalog on a private in-memory database
	InMemory bool `yaml:"in_memory" koanf:"in_memory"`
	// Migrate applies the embedded schema and seed on startup
	Migrate *bool `yaml:"migrate,omitempty" koanf:"migrate"`

	LogLevel  string `yaml:"log_level" koanf:"log_level"`
	LogFormat string `yaml:"log_format" koanf:"log_format"`

	// APIToken is the authentication token for the MCP endpoint
	APIToken    string `yaml:"api_token,omitempty" koanf:"api_token"`
	JWTSecret   string `yaml:"jwt_secret,omitempty" koanf:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer,omitempty" koanf:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience,omitempty" koanf:"jwt_audience"`

	CORSOrigins []string `yaml:"cors_origins,omitempty" koanf:"cors_origins"`

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" koanf:"session_idle_timeout"`
	StreamKeepAlive    time.Duration `yaml:"stream_keepalive" koanf:"stream_keepalive"`
	StreamIdleTimeout  time.Duration `yaml:"stream_idle_timeout" koanf:"stream_idle_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes" koanf:"max_body_bytes"`
}

// EnvPrefix marks the environment variables read by LoadConfig. The rest of
// the name is the config key in upper case, ACADEMIA_SESSION_IDLE_TIMEOUT for
// session_idle_timeout.
const EnvPrefix = "ACADEMIA_"

// envAliases keeps the short variable names working.
var envAliases = map[string]string{
	"db_path": "database_path",
}

// flagKeys maps command line flags onto config keys. Flags not listed here
// are not configuration.
var flagKeys = map[string]string{
	"host":                 "host",
	"port":                 "port",
	"endpoint":             "endpoint",
	"db":                   "database_path",
	"in-memory":            "in_memory",
	"migrate":              "migrate",
	"log-level":            "log_level",
	"log-format":           "log_format",
	"api-token":            "api_token",
	"jwt-secret":           "jwt_secret",
	"jwt-issuer":           "jwt_issuer",
	"jwt-audience":         "jwt_audience",
	"cors-origin":          "cors_origins",
	"session-idle-timeout": "session_idle_timeout",
	"stream-keepalive":     "stream_keepalive",
	"stream-idle-timeout":  "stream_idle_timeout",
	"shutdown-timeout":     "shutdown_timeout",
	"max-body-bytes":       "max_body_bytes",
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	migrate := true
	return &Config{
		Host:               "",
		Port:               3002,
		Endpoint:           "/mcp",
		DatabasePath:       "./academia.sqlite3",
		Migrate:            &migrate,
		LogLevel:           "info",
		LogFormat:          string(LogFormatText),
		SessionIdleTimeout: 30 * time.Minute,
		StreamKeepAlive:    15 * time.Second,
		StreamIdleTimeout:  0,
		ShutdownTimeout:    5 * time.Second,
		MaxBodyBytes:       4 << 20,
	}
}

// DefaultConfigPath returns the default location for the config file
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "academia-mcp.yml")
}

// LoadConfig builds the configuration from, in rising precedence, the
// defaults, the YAML file at path, ACADEMIA_* environment variables and the
// flags in flags that were set on the command line. If path is empty the
// default location is used; a missing file is skipped. flags may be nil.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = DefaultConfigPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", nil, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("failed to read flags: %w", err)
		}
	}

	config := DefaultConfig()
	if err := k.Unmarshal("", config); err != nil {
		return nil, fmt.Errorf("invalid configuration value: %w", err)
	}
	return config, nil
}

func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	if alias, ok := envAliases[key]; ok {
		return alias
	}
	return key
}

// SaveConfig saves the configuration to the specified path
// If path is empty, it will use the default location
func SaveConfig(config *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yamlv3.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Tokens may be stored here
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ShouldMigrate reports whether the embedded migrations run on startup.
func (c *Config) ShouldMigrate() bool {
	return c.Migrate == nil || *c.Migrate
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.Endpoint, "/") || c.Endpoint == "/" || c.Endpoint == "/health" {
		return fmt.Errorf("endpoint %q must be an absolute path other than / and /health", c.Endpoint)
	}
	if !c.InMemory && c.DatabasePath == "" {
		return errors.New("database_path is required unless in_memory is set")
	}
	for name, d := range map[string]time.Duration{
		"session_idle_timeout": c.SessionIdleTimeout,
		"stream_keepalive":     c.StreamKeepAlive,
		"stream_idle_timeout":  c.StreamIdleTimeout,
		"shutdown_timeout":     c.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the root logger described by the config.
func (c *Config) NewLogger() (Logger, error) {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return NewRootLoggerWithFormat(level, format, os.Stderr), nil
}

