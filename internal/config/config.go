package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       int    `yaml:"port"`
	LogLevel   string `yaml:"log_level"`
	CDNBaseURL string `yaml:"cdn_base_url"`

	CacheDir      string `yaml:"cache_dir"`
	DiskCache     string `yaml:"disk_cache"`
	MemoryEntries int    `yaml:"memory_entries"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`

	Workers       int           `yaml:"workers"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	MaxFetchBytes int64         `yaml:"max_fetch_bytes"`
	UserAgent     string        `yaml:"user_agent"`

	UseVips         bool `yaml:"use_vips"`
	VipsMaxCacheMB  int  `yaml:"vips_max_cache_mb"`
	VipsConcurrency int  `yaml:"vips_concurrency"`

	AdminToken    string `yaml:"admin_token"`
	AllowedOrigin string `yaml:"allowed_origin"`

	WarmupManifest string `yaml:"warmup_manifest"`
	WarmupWorkers  int    `yaml:"warmup_workers"`
}

func Default() *Config {
	return &Config{
		Port:            8080,
		LogLevel:        "info",
		CDNBaseURL:      "https://cdn.discordapp.com",
		CacheDir:        defaultCacheDir(),
		DiskCache:       "file",
		MemoryEntries:   512,
		RedisAddr:       "localhost:6379",
		RedisPrefix:     "media",
		Workers:         8,
		FetchTimeout:    15 * time.Second,
		MaxFetchBytes:   8 << 20, // 8MB
		UserAgent:       "neocord-media-cache/1.0",
		UseVips:         true,
		VipsMaxCacheMB:  64,
		VipsConcurrency: 1,
		WarmupWorkers:   2,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then individual environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvInt("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.CDNBaseURL = getEnv("CDN_BASE_URL", c.CDNBaseURL)
	c.CacheDir = getEnv("CACHE_DIR", c.CacheDir)
	c.DiskCache = getEnv("DISK_CACHE", c.DiskCache)
	c.MemoryEntries = getEnvInt("CACHE_MEMORY_ENTRIES", c.MemoryEntries)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RedisPrefix = getEnv("REDIS_PREFIX", c.RedisPrefix)
	c.RedisTTL = getEnvDuration("REDIS_TTL", c.RedisTTL)
	c.Workers = getEnvInt("WORKERS", c.Workers)
	c.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", c.FetchTimeout)
	c.MaxFetchBytes = getEnvInt64("MAX_FETCH_BYTES", c.MaxFetchBytes)
	c.UserAgent = getEnv("USER_AGENT", c.UserAgent)
	c.UseVips = getEnvBool("USE_VIPS", c.UseVips)
	c.VipsMaxCacheMB = getEnvInt("VIPS_MAX_CACHE_MB", c.VipsMaxCacheMB)
	c.VipsConcurrency = getEnvInt("VIPS_CONCURRENCY", c.VipsConcurrency)
	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)
	c.AllowedOrigin = getEnv("ALLOWED_ORIGIN", c.AllowedOrigin)
	c.WarmupManifest = getEnv("WARMUP_MANIFEST", c.WarmupManifest)
	c.WarmupWorkers = getEnvInt("WARMUP_WORKERS", c.WarmupWorkers)
}

func (c *Config) Validate() error {
	switch c.DiskCache {
	case "file", "redis", "disabled":
	default:
		return fmt.Errorf("unknown disk cache type: %s (supported: file, redis, disabled)", c.DiskCache)
	}
	if c.MemoryEntries <= 0 {
		return fmt.Errorf("memory_entries must be greater than 0, got %d", c.MemoryEntries)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0, got %d", c.Workers)
	}
	if c.CacheDir == "" && c.DiskCache == "file" {
		return fmt.Errorf("cache_dir is required for the file disk cache")
	}
	return nil
}

func (c *Config) IsAdminPublic() bool {
	return strings.TrimSpace(c.AdminToken) == ""
}

// defaultCacheDir follows the platform cache directory convention; contents
// are disposable.
func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "neocord", "media")
	}
	return filepath.Join(os.TempDir(), "neocord-media")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
