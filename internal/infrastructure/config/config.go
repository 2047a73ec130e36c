package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Factory Guard Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// SiteConfig contains plant-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`

	// HomeCountry is the ISO country code the plant operates from.
	// Requests resolved to this country (and private addresses) carry no location risk.
	HomeCountry string `yaml:"home_country"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// AlertsPerSecond throttles security alerts published to the broker.
	AlertsPerSecond float64 `yaml:"alerts_per_second"`
	AlertBurst      int     `yaml:"alert_burst"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP decision API settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`

	// TrustedProxies lists peers whose X-Forwarded-For / X-Real-IP headers are honoured.
	// Empty means every peer is trusted (the core usually sits behind the dashboard backend).
	TrustedProxies []string `yaml:"trusted_proxies"`

	// ServiceKeys authenticate the dashboard backend on the token-minting
	// routes (X-Service-Key header). With none configured those routes
	// reject every request.
	ServiceKeys []string `yaml:"service_keys"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig groups every tunable of the access-control engine.
type SecurityConfig struct {
	KeyRotation  KeyRotationConfig  `yaml:"key_rotation"`
	Tokens       TokenConfig        `yaml:"tokens"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	WorkingHours WorkingHoursConfig `yaml:"working_hours"`
	Geo          GeoConfig          `yaml:"geo"`
	Risk         RiskConfig         `yaml:"risk"`
	RoleStore    RoleStoreConfig    `yaml:"role_store"`
	Activity     ActivityConfig     `yaml:"activity"`
}

// KeyRotationConfig controls the symmetric keystore.
type KeyRotationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// RetainCount is how many superseded keys are kept beyond the horizon guard.
	RetainCount int `yaml:"retain_count"`

	// RetainFor is the time-based retention horizon for superseded keys.
	// Must exceed MaxTokenTTL.
	RetainFor time.Duration `yaml:"retain_for"`

	// MaxTokenTTL is the longest lifetime of any token sealed under a key.
	MaxTokenTTL time.Duration `yaml:"max_token_ttl"`
}

// TokenConfig contains token lifetimes.
type TokenConfig struct {
	EnterpriseTTL time.Duration `yaml:"enterprise_ttl"`
	InvitationTTL time.Duration `yaml:"invitation_ttl"`
	AssertionTTL  time.Duration `yaml:"assertion_ttl"`
}

// RateLimitConfig contains the per-category sliding window thresholds.
type RateLimitConfig struct {
	Login         RateLimitRule `yaml:"login"`
	Registration  RateLimitRule `yaml:"registration"`
	API           RateLimitRule `yaml:"api"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimitRule is a (max attempts, window) pair.
type RateLimitRule struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// WorkingHoursConfig is the default business-hours window used by restriction templates.
type WorkingHoursConfig struct {
	Start    string   `yaml:"start"` // "HH:MM"
	End      string   `yaml:"end"`   // "HH:MM"
	Weekdays []string `yaml:"weekdays"`
}

// GeoConfig contains coarse IP geolocation settings.
type GeoConfig struct {
	// AllowList maps company ID to the country codes that carry no location risk.
	AllowList map[string][]string `yaml:"allow_list"`

	// TrustedCountries carry a reduced location risk for every company.
	TrustedCountries []string `yaml:"trusted_countries"`

	// Prefixes maps CIDR prefixes to country codes.
	Prefixes map[string]string `yaml:"prefixes"`
}

// RiskConfig contains risk-engine heuristics and caching.
type RiskConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	CacheSize        int           `yaml:"cache_size"`
	VPNRanges        []string      `yaml:"vpn_ranges"`
	AnonymizerRanges []string      `yaml:"anonymizer_ranges"`
}

// RoleStoreConfig bounds calls to the external role store.
type RoleStoreConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// ActivityConfig controls suspicious-activity and device tracking windows.
type ActivityConfig struct {
	Window     time.Duration `yaml:"window"`
	DeviceIdle time.Duration `yaml:"device_idle"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FACTORYGUARD_SECTION_KEY
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:          "plant-001",
			Name:        "Factory Guard",
			Timezone:    "Asia/Seoul",
			HomeCountry: "KR",
		},
		Database: DatabaseConfig{
			Path:        "./data/factoryguard.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "factoryguard-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			AlertsPerSecond: 5,
			AlertBurst:      20,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8443,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			KeyRotation: KeyRotationConfig{
				Enabled:     true,
				Interval:    24 * time.Hour,
				RetainCount: 3,
				RetainFor:   7 * 24 * time.Hour,
				MaxTokenTTL: 72 * time.Hour,
			},
			Tokens: TokenConfig{
				EnterpriseTTL: 8 * time.Hour,
				InvitationTTL: 72 * time.Hour,
				AssertionTTL:  5 * time.Minute,
			},
			RateLimit: RateLimitConfig{
				Login:         RateLimitRule{MaxAttempts: 5, Window: 15 * time.Minute},
				Registration:  RateLimitRule{MaxAttempts: 3, Window: time.Hour},
				API:           RateLimitRule{MaxAttempts: 300, Window: time.Minute},
				SweepInterval: 5 * time.Minute,
			},
			WorkingHours: WorkingHoursConfig{
				Start:    "09:00",
				End:      "18:00",
				Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
			},
			Geo: GeoConfig{
				TrustedCountries: []string{"US", "JP", "DE", "GB", "CA", "AU", "SG"},
			},
			Risk: RiskConfig{
				CacheTTL:  30 * time.Second,
				CacheSize: 4096,
			},
			RoleStore: RoleStoreConfig{
				LookupTimeout: 2 * time.Second,
			},
			Activity: ActivityConfig{
				Window:     time.Hour,
				DeviceIdle: 90 * 24 * time.Hour,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FACTORYGUARD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FACTORYGUARD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FACTORYGUARD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FACTORYGUARD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FACTORYGUARD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FACTORYGUARD_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("FACTORYGUARD_API_SERVICE_KEY"); v != "" {
		cfg.API.ServiceKeys = append(cfg.API.ServiceKeys, v)
	}

	if v := os.Getenv("FACTORYGUARD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("FACTORYGUARD_KEY_ROTATION_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Security.KeyRotation.Enabled = enabled
		}
	}
}

const minServiceKeyLen = 24

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	for i, k := range c.API.ServiceKeys {
		if len(k) < minServiceKeyLen {
			errs = append(errs, fmt.Sprintf("api.service_keys[%d] must be at least %d characters", i, minServiceKeyLen))
		}
	}

	errs = append(errs, c.Security.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (s SecurityConfig) validate() []string {
	var errs []string

	kr := s.KeyRotation
	if kr.Enabled && kr.Interval <= 0 {
		errs = append(errs, "security.key_rotation.interval must be positive")
	}
	if kr.RetainCount < 0 {
		errs = append(errs, "security.key_rotation.retain_count cannot be negative")
	}
	if kr.MaxTokenTTL <= 0 {
		errs = append(errs, "security.key_rotation.max_token_ttl must be positive")
	}
	// A key must outlive every token sealed under it.
	if kr.RetainFor <= kr.MaxTokenTTL {
		errs = append(errs, "security.key_rotation.retain_for must exceed max_token_ttl")
	}

	for name, ttl := range map[string]time.Duration{
		"enterprise_ttl": s.Tokens.EnterpriseTTL,
		"invitation_ttl": s.Tokens.InvitationTTL,
	} {
		if ttl <= 0 {
			errs = append(errs, fmt.Sprintf("security.tokens.%s must be positive", name))
		} else if ttl > kr.MaxTokenTTL {
			errs = append(errs, fmt.Sprintf("security.tokens.%s must not exceed key_rotation.max_token_ttl", name))
		}
	}

	for name, rule := range map[string]RateLimitRule{
		"login":        s.RateLimit.Login,
		"registration": s.RateLimit.Registration,
		"api":          s.RateLimit.API,
	} {
		if rule.MaxAttempts <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Sprintf("security.rate_limit.%s needs positive max_attempts and window", name))
		}
	}

	if _, err := ParseClock(s.WorkingHours.Start); err != nil {
		errs = append(errs, fmt.Sprintf("security.working_hours.start: %v", err))
	}
	if _, err := ParseClock(s.WorkingHours.End); err != nil {
		errs = append(errs, fmt.Sprintf("security.working_hours.end: %v", err))
	}

	for prefix := range s.Geo.Prefixes {
		if _, err := netip.ParsePrefix(prefix); err != nil {
			errs = append(errs, fmt.Sprintf("security.geo.prefixes: invalid prefix %q", prefix))
		}
	}
	for _, r := range append(append([]string{}, s.Risk.VPNRanges...), s.Risk.AnonymizerRanges...) {
		if _, err := netip.ParsePrefix(r); err != nil {
			errs = append(errs, fmt.Sprintf("security.risk: invalid range %q", r))
		}
	}

	if s.RoleStore.LookupTimeout <= 0 {
		errs = append(errs, "security.role_store.lookup_timeout must be positive")
	}

	return errs
}

// ParseClock parses an "HH:MM" wall-clock time into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the site timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
