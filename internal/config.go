package internal

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Env           string              `mapstructure:"env" envconfig:"APP_ENV" default:"development"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Authz         AuthzConfig         `mapstructure:"authz"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080" validate:"min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url" envconfig:"HTTP_BASE_URL"`
	AllowedOrigins    string        `mapstructure:"allowed_origins" envconfig:"HTTP_ALLOWED_ORIGINS"`
	TrustedProxies    string        `mapstructure:"trusted_proxies" envconfig:"HTTP_TRUSTED_PROXIES"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	SeedRateLimit     int           `mapstructure:"seed_rate_limit" envconfig:"HTTP_SEED_RATE_LIMIT" default:"5" validate:"min=0"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" envconfig:"DB_DRIVER" default:"postgres" validate:"required,oneof=postgres sqlite"`
	Source          string        `mapstructure:"source" envconfig:"DB_SOURCE" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"10" validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5" validate:"min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`
}

type SecurityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" envconfig:"JWT_SECRET" validate:"required,min=32"`
	JWTIssuer string `mapstructure:"jwt_issuer" envconfig:"JWT_ISSUER"`
}

type AuthzConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl" envconfig:"AUTHZ_CACHE_TTL" default:"60s"`
	CacheSize      int           `mapstructure:"cache_size" envconfig:"AUTHZ_CACHE_SIZE" default:"10000" validate:"min=1"`
	AuditDecisions bool          `mapstructure:"audit_decisions" envconfig:"AUTHZ_AUDIT_DECISIONS" default:"false"`
	FillTimeout    time.Duration `mapstructure:"fill_timeout" envconfig:"AUTHZ_FILL_TIMEOUT" default:"5s"`
}

type AuditConfig struct {
	Workers      int    `mapstructure:"workers" envconfig:"AUDIT_WORKERS" default:"2" validate:"min=0"`
	QueueSize    int    `mapstructure:"queue_size" envconfig:"AUDIT_QUEUE_SIZE" default:"256" validate:"min=1"`
	FallbackPath string `mapstructure:"fallback_path" envconfig:"AUDIT_FALLBACK_PATH"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" envconfig:"METRICS_ENABLED" default:"true"`
	Path    string `mapstructure:"path" envconfig:"METRICS_PATH" default:"/metrics" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"text" validate:"omitempty,oneof=json text"`
}

// LoadConfigFromEnv reads the whole configuration from environment variables.
// It is used for container deployments where no config file is mounted.
func LoadConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills the zero values a config file is allowed to omit.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Authz.CacheTTL == 0 {
		c.Authz.CacheTTL = time.Minute
	}
	if c.Authz.FillTimeout == 0 {
		c.Authz.FillTimeout = 5 * time.Second
	}
	if c.Authz.CacheSize == 0 {
		c.Authz.CacheSize = 10000
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 256
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, fmt.Sprintf("config: %v", err))
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Authz.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("authz config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies, a comma separated list of
// addresses or CIDR ranges whose forwarding headers are believed.
func (c *ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range strings.Split(c.TrustedProxies, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %s: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %s: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *AuthzConfig) Validate() error {
	if c.CacheTTL < 0 {
		return errors.New("cache_ttl cannot be negative")
	}
	if c.CacheTTL > 10*time.Minute {
		return errors.New("cache_ttl above 10m keeps revoked permissions alive too long")
	}
	if c.FillTimeout < 0 {
		return errors.New("fill_timeout cannot be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}
