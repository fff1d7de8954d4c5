package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"webinteract/internal/domain"
)

// Config is the validated service configuration.
type Config struct {
	ListenAddress   string
	MCPPath         string
	WSPath          string
	AllowedOrigins  []string
	SecurityHeaders bool
	Catalog         CatalogConfig
	Call            CallConfig
	Session         SessionConfig
	Observability   ObservabilityConfig
	Logging         LoggingConfig
}

type CatalogConfig struct {
	CacheEnabled      bool
	CacheTTL          time.Duration
	FetchTimeout      time.Duration
	ToolsPath         string
	MaxBodyBytes      int64
	ServeStaleOnError bool
	DefaultOrigin     string
	Store             string
	BoltPath          string
	Redis             RedisConfig
}

type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

type CallConfig struct {
	Timeout time.Duration
}

type SessionConfig struct {
	SendQueueSize   int
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	FramesPerSecond float64
	FrameBurst      int
}

type ObservabilityConfig struct {
	ListenAddress string
	Metrics       bool
	Healthz       bool
}

type LoggingConfig struct {
	Level  string
	Format string
	File   LogFileConfig
}

type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type rawConfig struct {
	ListenAddress   string           `mapstructure:"listenAddress"`
	MCPPath         string           `mapstructure:"mcpPath"`
	WSPath          string           `mapstructure:"wsPath"`
	AllowedOrigins  []string         `mapstructure:"allowedOrigins"`
	SecurityHeaders bool             `mapstructure:"securityHeaders"`
	Catalog         rawCatalogConfig `mapstructure:"catalog"`
	Call            rawCallConfig    `mapstructure:"call"`
	Session         rawSessionConfig `mapstructure:"session"`
	Observability   rawObservability `mapstructure:"observability"`
	Logging         rawLogging       `mapstructure:"logging"`
}

type rawCatalogConfig struct {
	CacheEnabled        bool     `mapstructure:"cacheEnabled"`
	CacheTTLSeconds     int      `mapstructure:"cacheTTLSeconds"`
	FetchTimeoutSeconds int      `mapstructure:"fetchTimeoutSeconds"`
	ToolsPath           string   `mapstructure:"toolsPath"`
	MaxBodyBytes        int64    `mapstructure:"maxBodyBytes"`
	ServeStaleOnError   bool     `mapstructure:"serveStaleOnError"`
	DefaultOrigin       string   `mapstructure:"defaultOrigin"`
	Store               string   `mapstructure:"store"`
	BoltPath            string   `mapstructure:"boltPath"`
	Redis               rawRedis `mapstructure:"redis"`
}

type rawRedis struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type rawCallConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type rawSessionConfig struct {
	SendQueueSize       int     `mapstructure:"sendQueueSize"`
	WriteTimeoutSeconds int     `mapstructure:"writeTimeoutSeconds"`
	PongWaitSeconds     int     `mapstructure:"pongWaitSeconds"`
	MaxMessageBytes     int64   `mapstructure:"maxMessageBytes"`
	FramesPerSecond     float64 `mapstructure:"framesPerSecond"`
	FrameBurst          int     `mapstructure:"frameBurst"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
	Metrics       bool   `mapstructure:"metrics"`
	Healthz       bool   `mapstructure:"healthz"`
}

type rawLogging struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	File   rawLogFile `mapstructure:"file"`
}

type rawLogFile struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setConfigDefaults(v)
	return v
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("listenAddress", domain.DefaultListenAddress)
	v.SetDefault("mcpPath", domain.DefaultMCPPath)
	v.SetDefault("wsPath", domain.DefaultWSPath)
	v.SetDefault("allowedOrigins", []string{"*"})
	v.SetDefault("securityHeaders", true)
	v.SetDefault("catalog.cacheEnabled", domain.DefaultCatalogCacheEnabled)
	v.SetDefault("catalog.cacheTTLSeconds", domain.DefaultCatalogCacheTTLSeconds)
	v.SetDefault("catalog.fetchTimeoutSeconds", domain.DefaultCatalogFetchTimeoutSeconds)
	v.SetDefault("catalog.toolsPath", domain.DefaultCatalogToolsPath)
	v.SetDefault("catalog.maxBodyBytes", domain.DefaultCatalogMaxBodyBytes)
	v.SetDefault("catalog.serveStaleOnError", false)
	v.SetDefault("catalog.store", domain.DefaultCatalogStore)
	v.SetDefault("catalog.boltPath", domain.DefaultCatalogBoltPath)
	v.SetDefault("catalog.redis.address", domain.DefaultRedisAddress)
	v.SetDefault("call.timeoutSeconds", domain.DefaultCallTimeoutSeconds)
	v.SetDefault("session.sendQueueSize", domain.DefaultSessionSendQueueSize)
	v.SetDefault("session.writeTimeoutSeconds", domain.DefaultSessionWriteTimeoutSeconds)
	v.SetDefault("session.pongWaitSeconds", domain.DefaultSessionPongWaitSeconds)
	v.SetDefault("session.maxMessageBytes", domain.DefaultSessionMaxMessageBytes)
	v.SetDefault("session.framesPerSecond", domain.DefaultSessionFramesPerSecond)
	v.SetDefault("session.frameBurst", domain.DefaultSessionFrameBurst)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.metrics", true)
	v.SetDefault("observability.healthz", true)
	v.SetDefault("logging.level", domain.DefaultLogLevel)
	v.SetDefault("logging.format", domain.DefaultLogFormat)
	v.SetDefault("logging.file.maxSizeMB", domain.DefaultLogMaxSizeMB)
	v.SetDefault("logging.file.maxBackups", domain.DefaultLogMaxBackups)
	v.SetDefault("logging.file.maxAgeDays", domain.DefaultLogMaxAgeDays)
}

// ConfigLoader reads and validates config files.
type ConfigLoader struct {
	logger *zap.Logger
}

func NewConfigLoader(logger *zap.Logger) *ConfigLoader {
	if logger == nil {
		return &ConfigLoader{logger: zap.NewNop()}
	}
	return &ConfigLoader{logger: logger.Named("config")}
}

// Load reads path, expands ${ENV} references and applies defaults. An empty
// path yields the defaults.
func (l *ConfigLoader) Load(ctx context.Context, path string) (Config, error) {
	var expanded string
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		out, missing, err := expandConfigEnv(data)
		if err != nil {
			return Config{}, err
		}
		if len(missing) > 0 {
			l.logger.Warn("missing environment variables in config", zap.String("path", path), zap.Strings("missing", missing))
		}
		expanded = out
	}
	cfg, err := ParseConfig(expanded)
	if err != nil {
		return Config{}, err
	}
	return cfg, ctx.Err()
}

// ParseConfig decodes and validates YAML that has already been expanded.
func ParseConfig(data string) (Config, error) {
	v := newConfigViper()
	if strings.TrimSpace(data) != "" {
		if err := v.ReadConfig(bytes.NewBufferString(data)); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg, errs := normalizeConfig(raw)
	if len(errs) > 0 {
		return Config{}, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

func normalizeConfig(raw rawConfig) (Config, []string) {
	var errs []string
	cfg := Config{
		ListenAddress:   strings.TrimSpace(raw.ListenAddress),
		MCPPath:         strings.TrimSpace(raw.MCPPath),
		WSPath:          strings.TrimSpace(raw.WSPath),
		AllowedOrigins:  trimAll(raw.AllowedOrigins),
		SecurityHeaders: raw.SecurityHeaders,
	}
	if err := checkListenAddress(cfg.ListenAddress); err != nil {
		errs = append(errs, "listenAddress "+err.Error())
	}
	if !strings.HasPrefix(cfg.MCPPath, "/") {
		errs = append(errs, "mcpPath must start with /")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		errs = append(errs, "wsPath must start with /")
	}
	if cfg.MCPPath == cfg.WSPath {
		errs = append(errs, "mcpPath and wsPath must differ")
	}

	c := raw.Catalog
	cfg.Catalog = CatalogConfig{
		CacheEnabled:      c.CacheEnabled,
		CacheTTL:          time.Duration(c.CacheTTLSeconds) * time.Second,
		FetchTimeout:      time.Duration(c.FetchTimeoutSeconds) * time.Second,
		ToolsPath:         strings.TrimSpace(c.ToolsPath),
		MaxBodyBytes:      c.MaxBodyBytes,
		ServeStaleOnError: c.ServeStaleOnError,
		DefaultOrigin:     strings.TrimSpace(c.DefaultOrigin),
		Store:             strings.ToLower(strings.TrimSpace(c.Store)),
		BoltPath:          strings.TrimSpace(c.BoltPath),
		Redis: RedisConfig{
			Address:   strings.TrimSpace(c.Redis.Address),
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: strings.TrimSpace(c.Redis.KeyPrefix),
		},
	}
	if c.CacheTTLSeconds <= 0 {
		errs = append(errs, "catalog.cacheTTLSeconds must be > 0")
	}
	if c.FetchTimeoutSeconds <= 0 {
		errs = append(errs, "catalog.fetchTimeoutSeconds must be > 0")
	}
	if !strings.HasPrefix(cfg.Catalog.ToolsPath, "/") {
		errs = append(errs, "catalog.toolsPath must start with /")
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, "catalog.maxBodyBytes must be > 0")
	}
	if cfg.Catalog.DefaultOrigin != "" {
		if u, err := url.Parse(cfg.Catalog.DefaultOrigin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "catalog.defaultOrigin must be an absolute URL")
		}
	}
	switch cfg.Catalog.Store {
	case domain.CatalogStoreMemory:
	case domain.CatalogStoreBolt:
		if cfg.Catalog.BoltPath == "" {
			errs = append(errs, "catalog.boltPath is required for the bolt store")
		}
	case domain.CatalogStoreRedis:
		if cfg.Catalog.Redis.Address == "" {
			errs = append(errs, "catalog.redis.address is required for the redis store")
		}
		if cfg.Catalog.Redis.DB < 0 {
			errs = append(errs, "catalog.redis.db must be >= 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("catalog.store must be one of %s, %s, %s", domain.CatalogStoreMemory, domain.CatalogStoreBolt, domain.CatalogStoreRedis))
	}

	if raw.Call.TimeoutSeconds <= 0 {
		errs = append(errs, "call.timeoutSeconds must be > 0")
	}
	cfg.Call = CallConfig{Timeout: time.Duration(raw.Call.TimeoutSeconds) * time.Second}

	s := raw.Session
	cfg.Session = SessionConfig{
		SendQueueSize:   s.SendQueueSize,
		WriteTimeout:    time.Duration(s.WriteTimeoutSeconds) * time.Second,
		PongWait:        time.Duration(s.PongWaitSeconds) * time.Second,
		MaxMessageBytes: s.MaxMessageBytes,
		FramesPerSecond: s.FramesPerSecond,
		FrameBurst:      s.FrameBurst,
	}
	if s.SendQueueSize <= 0 {
		errs = append(errs, "session.sendQueueSize must be > 0")
	}
	if s.WriteTimeoutSeconds <= 0 {
		errs = append(errs, "session.writeTimeoutSeconds must be > 0")
	}
	if s.PongWaitSeconds <= 0 {
		errs = append(errs, "session.pongWaitSeconds must be > 0")
	}
	if s.MaxMessageBytes <= 0 {
		errs = append(errs, "session.maxMessageBytes must be > 0")
	}
	if s.FramesPerSecond <= 0 {
		errs = append(errs, "session.framesPerSecond must be > 0")
	}
	if s.FrameBurst <= 0 {
		errs = append(errs, "session.frameBurst must be > 0")
	}

	cfg.Observability = ObservabilityConfig{
		ListenAddress: strings.TrimSpace(raw.Observability.ListenAddress),
		Metrics:       raw.Observability.Metrics,
		Healthz:       raw.Observability.Healthz,
	}
	if (cfg.Observability.Metrics || cfg.Observability.Healthz) && cfg.Observability.ListenAddress != "" {
		if err := checkListenAddress(cfg.Observability.ListenAddress); err != nil {
			errs = append(errs, "observability.listenAddress "+err.Error())
		}
	}

	l := raw.Logging
	cfg.Logging = LoggingConfig{
		Level:  strings.ToLower(strings.TrimSpace(l.Level)),
		Format: strings.ToLower(strings.TrimSpace(l.Format)),
		File: LogFileConfig{
			Path:       strings.TrimSpace(l.File.Path),
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, "logging.level "+err.Error())
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		errs = append(errs, "logging.format must be json or console")
	}
	if cfg.Logging.File.Path != "" && cfg.Logging.File.MaxSizeMB <= 0 {
		errs = append(errs, "logging.file.maxSizeMB must be > 0")
	}
	return cfg, errs
}

func checkListenAddress(addr string) error {
	if addr == "" {
		return errors.New("is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("is invalid: %w", err)
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
