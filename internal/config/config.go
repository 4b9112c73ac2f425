package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LookupDelivery はメールアドレスによるライセンス照会の応答方式を表す。
type LookupDelivery string

const (
	// LookupDirect は照会結果のライセンスキーをレスポンスで直接返す。
	LookupDirect LookupDelivery = "direct"
	// LookupEmail はライセンスキーを登録メールアドレス宛てに送信し、レスポンスには含めない。
	LookupEmail LookupDelivery = "email"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// LLM
	OpenAIAPIKey  string
	OpenAIBaseURL string
	LLMTimeout    time.Duration
	FreeModel     string
	ProModel      string

	// License
	WebhookSecret  string
	ProductID      string
	LookupDelivery LookupDelivery

	// Usage
	DailyFreeLimit int
	MaxPromptChars int
	RedisURL       string

	// Mail
	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	// Rate Limit
	RateLimitPerMinute int
	TrustProxy         bool

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string
	AppEnv     string

	// CORS
	CORSAllowedOrigin string
}

// IsDevelopment は開発モードで起動しているかどうかを返す。
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// LoadDotEnv はカレントディレクトリの.envファイルを読み込む。
// 既に設定されている環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は未設定の変数をすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OpenAIBaseURL = strings.TrimRight(getEnvString("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", 30*time.Second)
	cfg.FreeModel = getEnvString("LLM_FREE_MODEL", "gpt-3.5-turbo")
	cfg.ProModel = getEnvString("LLM_PRO_MODEL", "gpt-4")

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.ProductID = os.Getenv("PRODUCT_ID")

	switch d := LookupDelivery(strings.ToLower(getEnvString("LOOKUP_DELIVERY", string(LookupDirect)))); d {
	case LookupDirect, LookupEmail:
		cfg.LookupDelivery = d
	default:
		return nil, fmt.Errorf("LOOKUP_DELIVERY must be %q or %q, got %q", LookupDirect, LookupEmail, d)
	}

	cfg.DailyFreeLimit = getEnvInt("DAILY_FREE_LIMIT", 3)
	cfg.MaxPromptChars = getEnvInt("MAX_PROMPT_CHARS", 10000)
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.SMTPAddr = os.Getenv("SMTP_ADDR")
	cfg.SMTPFrom = getEnvString("SMTP_FROM", "no-reply@promptcleaner.local")
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")

	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", 60)
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)

	cfg.LogLevel = getEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	cfg.ServerPort = getEnvString("SERVER_PORT", getEnvString("PORT", "3001"))
	cfg.AppEnv = getEnvString("APP_ENV", "production")

	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")

	return cfg, nil
}

// ClientConfig はCLIクライアントの設定を保持する。
// サーバーの必須設定とは独立して読み込む。
type ClientConfig struct {
	ServerURL      string
	StatePath      string
	DailyFreeLimit int
	RequestTimeout time.Duration
}

// LoadClient は環境変数からClientConfigを読み込む。
// 状態ファイルのパスが未指定の場合はユーザー設定ディレクトリ配下を使用する。
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:      strings.TrimRight(getEnvString("PROMPTCLEANER_URL", "http://localhost:3001"), "/"),
		StatePath:      os.Getenv("PROMPTCLEANER_STATE"),
		DailyFreeLimit: getEnvInt("DAILY_FREE_LIMIT", 3),
		RequestTimeout: getEnvDuration("PROMPTCLEANER_TIMEOUT", 60*time.Second),
	}

	if cfg.StatePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		cfg.StatePath = filepath.Join(dir, "promptcleaner", "state.json")
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

func getEnvLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
