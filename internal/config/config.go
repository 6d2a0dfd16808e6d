// Package config loads the service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env is a namespaced view over environment variables (e.g. "DB_", "LOG_").
type Env struct{ prefix string }

// NewEnv returns a root Env with no prefix.
func NewEnv() Env { return Env{} }

// Prefix returns a child Env with an additional prefix.
func (e Env) Prefix(p string) Env { return Env{prefix: e.prefix + p} }

func (e Env) key(k string) string { return e.prefix + k }

// Get returns the trimmed variable, or def when it is unset or empty.
func (e Env) Get(key, def string) string {
	v := strings.TrimSpace(os.Getenv(e.key(key)))
	if v == "" {
		return def
	}
	return v
}

// First returns the value of the first non-empty key, or def.
func (e Env) First(def string, keys ...string) string {
	for _, k := range keys {
		if v := e.Get(k, ""); v != "" {
			return v
		}
	}
	return def
}

// GetBool parses "1|true|yes" as true; anything else non-empty is false.
func (e Env) GetBool(key string, def bool) bool {
	v := strings.ToLower(e.Get(key, ""))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

// GetInt parses an integer, falling back to def on empty or invalid input.
func (e Env) GetInt(key string, def int) int {
	n, err := strconv.Atoi(e.Get(key, ""))
	if err != nil {
		return def
	}
	return n
}

// GetFloat parses a float, falling back to def on empty or invalid input.
func (e Env) GetFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(e.Get(key, ""), 64)
	if err != nil {
		return def
	}
	return f
}

// GetDuration parses a Go duration ("90s", "5m"), falling back to def.
func (e Env) GetDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(e.Get(key, ""))
	if err != nil {
		return def
	}
	return d
}

// Quota backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the fully resolved service configuration.
type Config struct {
	Port string

	Database Database
	Auth     Auth
	Quota    Quota
	Pipeline Pipeline
	HTTP     HTTP
	Log      Log
}

// Database holds the PostgreSQL connection settings.
type Database struct {
	// URL is a libpq connection string or URL. Empty means build it from DB_* parts.
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Auth holds the token-verification settings.
type Auth struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// Quota holds the usage-ledger settings.
type Quota struct {
	PerHour  int64
	Backend  string
	RedisURL string
}

// Pipeline holds the external-tool settings.
type Pipeline struct {
	DownloaderBin    string
	TranscoderBin    string
	DownloadTimeout  time.Duration
	TranscodeTimeout time.Duration
	MinArtifactBytes int64
	WorkDir          string
	ArtifactName     string
}

// HTTP holds the router-level settings.
type HTTP struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	HealthToken    string
}

// Log holds the logger settings.
type Log struct {
	Level  string
	Format string
	Caller bool
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	env := NewEnv()

	cfg := Config{
		Port:     env.Get("PORT", "8080"),
		Database: DatabaseFromEnv(env),
		Auth: Auth{
			JWKSURL:         env.First("", "JWKS_URL", "SUPABASE_JWKS_URL"),
			Issuer:          env.First("", "JWT_ISSUER", "SUPABASE_JWT_ISSUER"),
			Audience:        env.First("authenticated", "JWT_AUDIENCE", "SUPABASE_JWT_AUDIENCE"),
			RefreshInterval: env.GetDuration("JWKS_REFRESH_INTERVAL", time.Hour),
		},
		Quota: Quota{
			PerHour:  int64(env.GetInt("QUOTA_PER_HOUR", 30)),
			Backend:  strings.ToLower(env.Get("QUOTA_BACKEND", BackendPostgres)),
			RedisURL: env.Get("REDIS_URL", "redis://localhost:6379/0"),
		},
		Pipeline: PipelineFromEnv(env),
		HTTP: HTTP{
			AllowedOrigins: splitList(env.Get("CORS_ALLOWED_ORIGINS", "*")),
			RateLimitRPS:   env.GetFloat("RATE_LIMIT_RPS", 0),
			RateLimitBurst: env.GetInt("RATE_LIMIT_BURST", 10),
			HealthToken:    env.Get("HEALTH_TOKEN", ""),
		},
		Log: LogFromEnv(env),
	}

	return cfg, cfg.Validate()
}

// DatabaseFromEnv reads the PostgreSQL settings. The migrate command uses it
// on its own.
func DatabaseFromEnv(env Env) Database {
	db := env.Prefix("DB_")
	return Database{
		URL:             env.First("", "DATABASE_URL", "SUPABASE_DB_URL"),
		MaxOpenConns:    db.GetInt("MAX_OPEN_CONNS", 20),
		MaxIdleConns:    db.GetInt("MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: db.GetDuration("CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// LogFromEnv reads the LOG_* settings.
func LogFromEnv(env Env) Log {
	l := env.Prefix("LOG_")
	return Log{
		Level:  l.Get("LEVEL", "info"),
		Format: l.Get("FORMAT", "json"),
		Caller: l.GetBool("CALLER", false),
	}
}

// PipelineFromEnv reads only the external-tool settings. It is shared by the
// server and the one-shot convert command, which needs no auth or quota.
func PipelineFromEnv(env Env) Pipeline {
	return Pipeline{
		DownloaderBin:    env.Get("DOWNLOADER_BIN", "yt-dlp"),
		TranscoderBin:    env.Get("TRANSCODER_BIN", "ffmpeg"),
		DownloadTimeout:  env.GetDuration("DOWNLOAD_TIMEOUT", 5*time.Minute),
		TranscodeTimeout: env.GetDuration("TRANSCODE_TIMEOUT", 5*time.Minute),
		MinArtifactBytes: int64(env.GetInt("MIN_ARTIFACT_BYTES", 1024)),
		WorkDir:          env.Get("WORK_DIR", os.TempDir()),
		ArtifactName:     env.Get("ARTIFACT_NAME", "tiktok_audio"),
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("JWKS_URL is not set"))
	}
	if c.Auth.Issuer == "" {
		errs = append(errs, errors.New("JWT_ISSUER is not set"))
	}
	if c.Quota.PerHour <= 0 {
		errs = append(errs, fmt.Errorf("QUOTA_PER_HOUR must be positive, got %d", c.Quota.PerHour))
	}
	switch c.Quota.Backend {
	case BackendPostgres, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("QUOTA_BACKEND %q is not one of postgres, redis", c.Quota.Backend))
	}
	if c.Pipeline.DownloadTimeout <= 0 || c.Pipeline.TranscodeTimeout <= 0 {
		errs = append(errs, errors.New("DOWNLOAD_TIMEOUT and TRANSCODE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
