/*
Package config loads postboard settings.

SOURCES (later wins):
  1. Defaults()
  2. YAML file (--config)
  3. .env file in the working directory (or DotEnvPath)
  4. POSTBOARD_* environment variables
  5. Command-line flags (applied by cmd/server)

ENVIRONMENT KEYS:
  POSTBOARD_ADDR, POSTBOARD_CORS_ORIGINS (comma separated),
  POSTBOARD_STORAGE_DRIVER, POSTBOARD_SQLITE_PATH, POSTBOARD_BADGER_PATH,
  POSTBOARD_JWT_SECRET, POSTBOARD_TOKEN_TTL, POSTBOARD_ADMIN_EMAIL,
  POSTBOARD_REDIS_ADDR, POSTBOARD_REDIS_PASSWORD, POSTBOARD_REDIS_DB,
  POSTBOARD_LISTING_ORPHANS, POSTBOARD_RATE_LIMIT_RPS,
  POSTBOARD_RATE_LIMIT_BURST, POSTBOARD_AUDIT_INTERVAL, POSTBOARD_LOG_LEVEL,
  POSTBOARD_LOG_DEVELOPMENT
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/postboard/posts"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Listing   ListingConfig   `yaml:"listing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	BadgerPath string `yaml:"badger_path"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	AdminEmail string        `yaml:"admin_email"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig enables session revocation when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ListingConfig struct {
	Orphans string `yaml:"orphans"`
}

// RateLimitConfig applies per client IP. RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuditConfig schedules the background ledger audit. Interval 0 disables it.
type AuditConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "./data/postboard.db",
			BadgerPath: "./data/badger",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Listing: ListingConfig{
			Orphans: string(posts.OrphanFail),
		},
		RateLimit: RateLimitConfig{
			RPS:   20,
			Burst: 40,
		},
		Audit: AuditConfig{
			Interval: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Options tells Load where to look.
type Options struct {
	// Path is the YAML file. Empty skips it.
	Path string

	// DotEnvPath defaults to ".env". A missing file is not an error.
	DotEnvPath string

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds a Config from defaults, file and environment. Validate is
// left to the caller so flags can be applied first.
func Load(opts Options) (Config, error) {
	cfg := Defaults()

	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", opts.Path, err)
		}
	}

	dotenvPath := opts.DotEnvPath
	if dotenvPath == "" {
		dotenvPath = ".env"
	}
	dotenv, err := godotenv.Read(dotenvPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read %s: %w", dotenvPath, err)
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	str("POSTBOARD_ADDR", &cfg.Server.Addr)
	str("POSTBOARD_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("POSTBOARD_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("POSTBOARD_BADGER_PATH", &cfg.Storage.BadgerPath)
	str("POSTBOARD_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("POSTBOARD_ADMIN_EMAIL", &cfg.Auth.AdminEmail)
	str("POSTBOARD_REDIS_ADDR", &cfg.Auth.Redis.Addr)
	str("POSTBOARD_REDIS_PASSWORD", &cfg.Auth.Redis.Password)
	str("POSTBOARD_LISTING_ORPHANS", &cfg.Listing.Orphans)
	str("POSTBOARD_LOG_LEVEL", &cfg.Log.Level)

	if v, ok := env("POSTBOARD_CORS_ORIGINS"); ok {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v, ok := env("POSTBOARD_TOKEN_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POSTBOARD_TOKEN_TTL: %w", err)
		}
		cfg.Auth.TokenTTL = d
	}
	if v, ok := env("POSTBOARD_AUDIT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POSTBOARD_AUDIT_INTERVAL: %w", err)
		}
		cfg.Audit.Interval = d
	}
	if v, ok := env("POSTBOARD_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POSTBOARD_REDIS_DB: %w", err)
		}
		cfg.Auth.Redis.DB = n
	}
	if v, ok := env("POSTBOARD_RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POSTBOARD_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RPS = f
	}
	if v, ok := env("POSTBOARD_RATE_LIMIT_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POSTBOARD_RATE_LIMIT_BURST: %w", err)
		}
		cfg.RateLimit.Burst = n
	}
	if v, ok := env("POSTBOARD_LOG_DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POSTBOARD_LOG_DEVELOPMENT: %w", err)
		}
		cfg.Log.Development = b
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	errs := []error{c.ValidateStorage()}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if _, err := posts.ParseOrphanPolicy(c.Listing.Orphans); err != nil {
		errs = append(errs, err)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.IdleTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if c.Audit.Interval < 0 {
		errs = append(errs, errors.New("audit.interval must not be negative"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when rps is set"))
	}

	return errors.Join(errs...)
}

// ValidateStorage checks only the storage section. The audit command needs
// nothing else.
func (c Config) ValidateStorage() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case DriverBadger:
		if c.Storage.BadgerPath == "" {
			errs = append(errs, errors.New("storage.badger_path is required for the badger driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory, sqlite or badger, got %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// OrphanPolicy returns the parsed listing policy. Call after Validate.
func (c Config) OrphanPolicy() posts.OrphanPolicy {
	p, err := posts.ParseOrphanPolicy(c.Listing.Orphans)
	if err != nil {
		return posts.OrphanFail
	}
	return p
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
