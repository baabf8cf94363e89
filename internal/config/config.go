package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置
type Config struct {
	Port         string
	DBPath       string
	JWTSecret    string
	AuthDisabled bool
	ZoneCatalog  string // optional YAML/JSON catalog used to seed an empty database
	Timezone     string // IANA zone used to evaluate daily activity windows

	LogLevel  string
	LogFormat string

	RateLimitRPS   float64
	RateLimitBurst int

	AcquireTimeout       time.Duration
	AcquireMaxAttempts   uint
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	CachedPositionMaxAge time.Duration
}

// Load reads configuration from the environment. Variables from an optional
// .env file in the working directory are loaded first and never override
// variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:         p.str("PORT", ":8080"),
		DBPath:       p.str("DB_PATH", "./data/geofence.db"),
		JWTSecret:    getenv("JWT_SECRET"),
		AuthDisabled: p.boolean("AUTH_DISABLED", false),
		ZoneCatalog:  p.str("ZONE_CATALOG", "./data/zones.yaml"),
		Timezone:     p.str("TIMEZONE", "UTC"),

		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogFormat: p.str("LOG_FORMAT", "text"),

		RateLimitRPS:   p.float("RATE_LIMIT_RPS", 20),
		RateLimitBurst: p.integer("RATE_LIMIT_BURST", 40),

		AcquireTimeout:       p.duration("ACQUIRE_TIMEOUT", 10*time.Second),
		AcquireMaxAttempts:   uint(p.integer("ACQUIRE_MAX_ATTEMPTS", 3)),
		RetryInitialInterval: p.duration("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
		RetryMaxInterval:     p.duration("RETRY_MAX_INTERVAL", 5*time.Second),
		CachedPositionMaxAge: p.duration("CACHED_POSITION_MAX_AGE", time.Minute),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that parsed but make no sense.
func (c *Config) Validate() error {
	if c.JWTSecret == "" && !c.AuthDisabled {
		return errors.New("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.AcquireMaxAttempts == 0 {
		return errors.New("ACQUIRE_MAX_ATTEMPTS must be at least 1")
	}
	if c.AcquireTimeout <= 0 {
		return errors.New("ACQUIRE_TIMEOUT must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// parser records the first malformed variable.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s=%q: %w", key, v, err)
	}
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.fail(key, v, errors.New("expected a non-negative integer"))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
