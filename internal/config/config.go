// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int

	// Auth provider (GoTrue)
	AuthURL         string
	AuthAnonKey     string
	AuthJWTSecret   string
	AuthRedirectURL string

	// Token storage
	RedisAddr     string
	RedisPassword string
	TokenTTL      time.Duration

	// Profile resolution
	ProfileRetryBudget  int
	ProfileRetryBackoff time.Duration

	// Session
	SessionMaxAge      int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load はカレントディレクトリの.envを読み込んだうえで、環境変数からConfigを読み込む。
// 既に設定済みの環境変数は.envで上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.AuthURL = required("AUTH_URL")
	cfg.AuthAnonKey = required("AUTH_ANON_KEY")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.AuthJWTSecret = getEnvString("AUTH_JWT_SECRET", "")
	cfg.AuthRedirectURL = getEnvString("AUTH_REDIRECT_URL", cfg.BaseURL)
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", 30*24*time.Hour)
	cfg.ProfileRetryBudget = getEnvInt("PROFILE_RETRY_BUDGET", 5)
	cfg.ProfileRetryBackoff = getEnvDuration("PROFILE_RETRY_BACKOFF", 1500*time.Millisecond)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	cfg.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.ProfileRetryBudget < 0 {
		return nil, fmt.Errorf("PROFILE_RETRY_BUDGET must not be negative: %d", cfg.ProfileRetryBudget)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
