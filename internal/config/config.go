// Package config loads application settings from an optional YAML
// file, a .env file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// UpstreamURL is the openf1 API root. Empty means the built-in
	// public endpoint.
	UpstreamURL string `yaml:"upstreamUrl"`
	// UpstreamTimeoutSeconds bounds a single upstream request.
	UpstreamTimeoutSeconds int `yaml:"upstreamTimeoutSeconds"`
	// CacheTTLSeconds is the freshness lifetime for cached responses.
	CacheTTLSeconds int `yaml:"cacheTtlSeconds"`
	// SweepIntervalSeconds is how often expired entries are evicted.
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`

	Cache CacheConfig `yaml:"cache"`
	Auth  AuthConfig  `yaml:"auth"`
	Log   LogConfig   `yaml:"log"`
}

type CacheConfig struct {
	// Backend selects the store: sqlite, leveldb, redis or memory.
	Backend string `yaml:"backend"`
	// Path is the SQLite file or the LevelDB directory.
	Path string `yaml:"path"`
	// Redis connection settings, used when backend is redis.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
}

type AuthConfig struct {
	// DBPath is the SQLite file holding users and page history.
	DBPath string `yaml:"dbPath"`
	// JWTSecret signs session cookies.
	JWTSecret string `yaml:"jwtSecret"`
	// SessionTTLHours is how long a login stays valid.
	SessionTTLHours int `yaml:"sessionTtlHours"`
}

type LogConfig struct {
	// Level is a zerolog level name. Empty means info.
	Level string `yaml:"level"`
	// File receives rotated JSON logs in addition to console output.
	File string `yaml:"file"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Addr:                   ":8080",
		UpstreamTimeoutSeconds: 10,
		CacheTTLSeconds:        300,
		SweepIntervalSeconds:   3600,
		Cache: CacheConfig{
			Backend: "sqlite",
			Path:    "cache.db",
		},
		Auth: AuthConfig{
			DBPath:          "auth.db",
			SessionTTLHours: 24,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from filename (skipped if empty), a
// .env file if one exists, and the process environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	godotenv.Load()
	applyEnv(&config)
	return config, nil
}

func applyEnv(config *Config) {
	setString(&config.Addr, "PITWALL_ADDR")
	// PORT alone is the convention most deploy platforms use.
	if port := os.Getenv("PORT"); port != "" {
		config.Addr = ":" + port
	}
	setString(&config.UpstreamURL, "PITWALL_UPSTREAM_URL")
	setInt(&config.CacheTTLSeconds, "PITWALL_CACHE_TTL")
	setString(&config.Cache.Backend, "PITWALL_CACHE_BACKEND")
	setString(&config.Cache.Path, "PITWALL_CACHE_DB")
	setString(&config.Cache.RedisAddr, "PITWALL_REDIS_ADDR")
	setString(&config.Cache.RedisPassword, "PITWALL_REDIS_PASSWORD")
	setInt(&config.Cache.RedisDB, "PITWALL_REDIS_DB")
	setString(&config.Auth.DBPath, "PITWALL_AUTH_DB")
	setString(&config.Auth.JWTSecret, "PITWALL_SESSION_SECRET")
	setString(&config.Log.Level, "PITWALL_LOG_LEVEL")
	setString(&config.Log.File, "PITWALL_LOG_FILE")
}

func setString(dst *string, name string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func setInt(dst *int, name string) {
	if value := os.Getenv(name); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			*dst = n
		}
	}
}

func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (a AuthConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionTTLHours) * time.Hour
}
