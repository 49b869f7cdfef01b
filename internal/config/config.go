// Package config handles application configuration loading and validation
// from environment variables and an optional YAML settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sofatutor/httpcache/internal/backend"
	"github.com/sofatutor/httpcache/internal/cache"
	"github.com/sofatutor/httpcache/internal/expiration"
	"github.com/sofatutor/httpcache/internal/logging"
	"github.com/sofatutor/httpcache/internal/obfuscate"
)

// ErrInvalidConfig is returned for configuration values that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration values.
type Config struct {
	// Cache behaviour
	CacheName       string                 // Namespace of the cache (CACHE_NAME)
	Backend         string                 // Storage backend (CACHE_BACKEND)
	ExpireAfter     expiration.ExpireAfter // Global expiration (CACHE_EXPIRE_AFTER)
	URLsExpireAfter expiration.URLPatterns // Ordered per-URL expirations, settings file only
	AllowedCodes    []int                  // Cacheable status codes
	AllowedMethods  []string               // Cacheable methods
	IncludeHeaders  bool                   // Whether request headers are part of the key
	IgnoredParams   []string               // Params and headers left out of the key
	CacheControl    bool                   // Honour Cache-Control and Expires headers
	StaleIfError    bool                   // Serve expired entries when the origin fails
	Disabled        bool                   // Bypass the cache entirely
	SettingsFile    string                 // YAML settings file (CACHE_SETTINGS_FILE)

	// Serialization
	SecretKeys    []string // Signing keys, first one signs (CACHE_SECRET_KEY)
	Salt          string   // Key derivation salt (CACHE_SALT)
	Compress      bool     // Brotli compression (CACHE_COMPRESS)
	EncryptionKey string   // Base64 AES-256 key (CACHE_ENCRYPTION_KEY)

	// Backend options
	CacheDir       string        // Filesystem backend root
	SQLitePath     string        // SQLite database file
	DatabaseURL    string        // PostgreSQL or MySQL DSN
	RedisAddr      string        // Redis server address (e.g., "localhost:6379")
	RedisDB        int           // Redis database number
	RedisPassword  string        // Redis password
	RedisTTLOffset time.Duration // Extra Redis TTL past expiration
	CloverDir      string        // Clover data directory

	// HTTP
	RequestTimeout  time.Duration // Timeout for origin requests made by the CLI
	ListenAddr      string        // Management API address (e.g., ":8080")
	ManagementToken string        // Bearer token for the management API

	// Logging
	LogLevel      string // Log level (debug, info, warn, error)
	LogFormat     string // Log format (json, console)
	LogFile       string // Path to log file (empty for stdout)
	LogMaxSizeMB  int    // Rotate the log file at this size
	LogMaxBackups int    // Number of rotated log files kept
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	s := cache.DefaultSettings()
	return &Config{
		CacheName:      s.CacheName,
		Backend:        string(backend.KindSQLite),
		AllowedCodes:   s.AllowedCodes,
		AllowedMethods: s.AllowedMethods,

		CacheDir:   "./data/http_cache",
		SQLitePath: "./data/http_cache.db",
		RedisAddr:  "localhost:6379",
		CloverDir:  "./data/clover",

		RequestTimeout: 30 * time.Second,
		ListenAddr:     ":8080",

		LogLevel:      "info",
		LogFormat:     "json",
		LogMaxSizeMB:  10,
		LogMaxBackups: 5,
	}
}

// New creates a configuration from defaults, the settings file named by
// CACHE_SETTINGS_FILE (if any) and environment variables, in that order of
// increasing precedence. The result is validated.
func New() (*Config, error) {
	cfg := DefaultConfig()

	cfg.SettingsFile = getEnvString("CACHE_SETTINGS_FILE", "")
	if cfg.SettingsFile != "" {
		if err := cfg.LoadSettingsFile(cfg.SettingsFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.CacheName = getEnvString("CACHE_NAME", c.CacheName)
	c.Backend = getEnvString("CACHE_BACKEND", c.Backend)
	if v, ok := os.LookupEnv("CACHE_EXPIRE_AFTER"); ok {
		e, err := expiration.Parse(v)
		if err != nil {
			return fmt.Errorf("%w: CACHE_EXPIRE_AFTER: %w", ErrInvalidConfig, err)
		}
		c.ExpireAfter = e
	}
	c.AllowedCodes = getEnvIntSlice("CACHE_ALLOWED_CODES", c.AllowedCodes)
	c.AllowedMethods = getEnvStringSlice("CACHE_ALLOWED_METHODS", c.AllowedMethods)
	c.IncludeHeaders = getEnvBool("CACHE_INCLUDE_HEADERS", c.IncludeHeaders)
	c.IgnoredParams = getEnvStringSlice("CACHE_IGNORED_PARAMS", c.IgnoredParams)
	c.CacheControl = getEnvBool("CACHE_CONTROL", c.CacheControl)
	c.StaleIfError = getEnvBool("CACHE_STALE_IF_ERROR", c.StaleIfError)
	c.Disabled = getEnvBool("CACHE_DISABLED", c.Disabled)

	c.SecretKeys = getEnvStringSlice("CACHE_SECRET_KEY", c.SecretKeys)
	c.Salt = getEnvString("CACHE_SALT", c.Salt)
	c.Compress = getEnvBool("CACHE_COMPRESS", c.Compress)
	c.EncryptionKey = getEnvString("CACHE_ENCRYPTION_KEY", c.EncryptionKey)

	c.CacheDir = getEnvString("CACHE_DIR", c.CacheDir)
	c.SQLitePath = getEnvString("SQLITE_PATH", c.SQLitePath)
	c.DatabaseURL = getEnvString("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = getEnvString("REDIS_ADDR", c.RedisAddr)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RedisPassword = getEnvString("REDIS_PASSWORD", c.RedisPassword)
	c.RedisTTLOffset = getEnvDuration("REDIS_TTL_OFFSET", c.RedisTTLOffset)
	c.CloverDir = getEnvString("CLOVER_DIR", c.CloverDir)

	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.ListenAddr = getEnvString("LISTEN_ADDR", c.ListenAddr)
	c.ManagementToken = getEnvString("MANAGEMENT_TOKEN", c.ManagementToken)

	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnvString("LOG_FILE", c.LogFile)
	c.LogMaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", c.LogMaxSizeMB)
	c.LogMaxBackups = getEnvInt("LOG_MAX_BACKUPS", c.LogMaxBackups)
	return nil
}

// Validate checks values that would otherwise only fail at first use.
// Backend specific options are checked when the backend is opened.
func (c *Config) Validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("%w: cache name is required", ErrInvalidConfig)
	}
	if _, err := backend.ParseKind(c.Backend); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.LogFormat)
	}
	for _, code := range c.AllowedCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("%w: status code %d out of range", ErrInvalidConfig, code)
		}
	}
	for _, k := range c.SecretKeys {
		if k == "" {
			return fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
		}
	}
	if c.RedisTTLOffset < 0 {
		return fmt.Errorf("%w: REDIS_TTL_OFFSET must not be negative", ErrInvalidConfig)
	}
	return nil
}

// CacheSettings converts the configuration into controller settings.
func (c *Config) CacheSettings() cache.Settings {
	return cache.Settings{
		CacheName:       c.CacheName,
		ExpireAfter:     c.ExpireAfter,
		URLsExpireAfter: c.URLsExpireAfter,
		AllowedCodes:    c.AllowedCodes,
		AllowedMethods:  c.AllowedMethods,
		IncludeHeaders:  c.IncludeHeaders,
		IgnoredParams:   c.IgnoredParams,
		CacheControl:    c.CacheControl,
		StaleIfError:    c.StaleIfError,
		Disabled:        c.Disabled,
	}
}

// BackendConfig converts the configuration into backend options.
func (c *Config) BackendConfig(logger *zap.Logger) (backend.Config, error) {
	kind, err := backend.ParseKind(c.Backend)
	if err != nil {
		return backend.Config{}, err
	}
	return backend.Config{
		Kind:           kind,
		CacheName:      c.CacheName,
		Dir:            c.CacheDir,
		SQLitePath:     c.SQLitePath,
		DatabaseURL:    c.DatabaseURL,
		RedisAddr:      c.RedisAddr,
		RedisDB:        c.RedisDB,
		RedisPassword:  c.RedisPassword,
		RedisTTLOffset: c.RedisTTLOffset,
		CloverDir:      c.CloverDir,
		Logger:         logger,
	}, nil
}

// CodecConfig returns the serialization layers to apply.
func (c *Config) CodecConfig() backend.CodecConfig {
	return backend.CodecConfig{
		Compress:      c.Compress,
		EncryptionKey: c.EncryptionKey,
		SecretKeys:    c.SecretKeys,
		Salt:          c.Salt,
	}
}

// NewLogger builds the logger described by the logging options.
func (c *Config) NewLogger() (*zap.Logger, error) {
	return logging.NewLogger(c.LogLevel, c.LogFormat, c.LogFile,
		logging.WithRotation(c.LogMaxSizeMB, c.LogMaxBackups))
}

// Redacted returns the effective configuration with secrets masked, for
// display.
func (c *Config) Redacted() map[string]any {
	patterns := make([]string, 0, len(c.URLsExpireAfter))
	for _, p := range c.URLsExpireAfter {
		patterns = append(patterns, p.Pattern+" => "+p.ExpireAfter.String())
	}
	return map[string]any{
		"cache_name":        c.CacheName,
		"backend":           c.Backend,
		"expire_after":      c.ExpireAfter.String(),
		"urls_expire_after": patterns,
		"allowed_codes":     c.AllowedCodes,
		"allowed_methods":   c.AllowedMethods,
		"include_headers":   c.IncludeHeaders,
		"ignored_params":    c.IgnoredParams,
		"cache_control":     c.CacheControl,
		"stale_if_error":    c.StaleIfError,
		"disabled":          c.Disabled,
		"settings_file":     c.SettingsFile,
		"secret_keys":       obfuscate.Secrets(c.SecretKeys),
		"salt":              obfuscate.Secret(c.Salt),
		"compress":          c.Compress,
		"encryption_key":    obfuscate.Secret(c.EncryptionKey),
		"cache_dir":         c.CacheDir,
		"sqlite_path":       c.SQLitePath,
		"database_url":      obfuscate.DSN(c.DatabaseURL),
		"redis_addr":        c.RedisAddr,
		"redis_db":          c.RedisDB,
		"redis_password":    obfuscate.Secret(c.RedisPassword),
		"redis_ttl_offset":  c.RedisTTLOffset.String(),
		"clover_dir":        c.CloverDir,
		"request_timeout":   c.RequestTimeout.String(),
		"listen_addr":       c.ListenAddr,
		"management_token":  obfuscate.Secret(c.ManagementToken),
		"log_level":         c.LogLevel,
		"log_format":        c.LogFormat,
		"log_file":          c.LogFile,
	}
}

// literal captures any YAML scalar as its source text, so that
// expire_after accepts 60, "1h" and never alike.
type literal string

func (l *literal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	*l = literal(node.Value)
	return nil
}

// settingsFile is the YAML layout of CACHE_SETTINGS_FILE. Absent keys keep
// their current value.
type settingsFile struct {
	CacheName       string    `yaml:"cache_name"`
	Backend         string    `yaml:"backend"`
	ExpireAfter     *literal  `yaml:"expire_after"`
	URLsExpireAfter yaml.Node `yaml:"urls_expire_after"`
	AllowedCodes    []int     `yaml:"allowed_codes"`
	AllowedMethods  []string  `yaml:"allowed_methods"`
	IncludeHeaders  *bool     `yaml:"include_headers"`
	IgnoredParams   []string  `yaml:"ignored_params"`
	CacheControl    *bool     `yaml:"cache_control"`
	StaleIfError    *bool     `yaml:"stale_if_error"`
	Disabled        *bool     `yaml:"disabled"`
	Compress        *bool     `yaml:"compress"`
}

// LoadSettingsFile merges the YAML settings file at path into c.
// urls_expire_after is a mapping whose order is kept: the first matching
// pattern wins.
func (c *Config) LoadSettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: settings file %s: %w", ErrInvalidConfig, path, err)
	}

	if f.CacheName != "" {
		c.CacheName = f.CacheName
	}
	if f.Backend != "" {
		c.Backend = f.Backend
	}
	if f.ExpireAfter != nil {
		e, err := expiration.Parse(string(*f.ExpireAfter))
		if err != nil {
			return fmt.Errorf("%w: expire_after: %w", ErrInvalidConfig, err)
		}
		c.ExpireAfter = e
	}
	if f.URLsExpireAfter.Kind != 0 {
		patterns, err := parseURLPatterns(&f.URLsExpireAfter)
		if err != nil {
			return err
		}
		c.URLsExpireAfter = patterns
	}
	if f.AllowedCodes != nil {
		c.AllowedCodes = f.AllowedCodes
	}
	if f.AllowedMethods != nil {
		c.AllowedMethods = f.AllowedMethods
	}
	if f.IgnoredParams != nil {
		c.IgnoredParams = f.IgnoredParams
	}
	setBool(&c.IncludeHeaders, f.IncludeHeaders)
	setBool(&c.CacheControl, f.CacheControl)
	setBool(&c.StaleIfError, f.StaleIfError)
	setBool(&c.Disabled, f.Disabled)
	setBool(&c.Compress, f.Compress)
	return nil
}

func parseURLPatterns(node *yaml.Node) (expiration.URLPatterns, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: urls_expire_after must be a mapping (line %d)", ErrInvalidConfig, node.Line)
	}
	var patterns expiration.URLPatterns
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%w: urls_expire_after[%s]: expected a scalar (line %d)", ErrInvalidConfig, k.Value, v.Line)
		}
		e, err := expiration.Parse(v.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: urls_expire_after[%s]: %w", ErrInvalidConfig, k.Value, err)
		}
		if err := patterns.Add(k.Value, e); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return patterns, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
