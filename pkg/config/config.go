package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the settlement core.
type Config struct {
	Port string

	// Logging
	LogFormat string
	LogLevel  string

	// Database
	DBPath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Markets and price feed
	Symbols          []string
	UseMockFeed      bool
	EnableKrakenFeed bool
	KrakenWSURL      string
	PriceFreshness   time.Duration

	// Kraken REST (live trading); key/secret are the fallback when a user stored none
	KrakenAPIURL    string
	KrakenAPIKey    string
	KrakenAPISecret string
	KrakenTimeout   time.Duration

	// Rules and the command agent
	RuleMonitorInterval time.Duration
	RulesSeedPath       string
	PendingTTL          time.Duration
	OpenAIAPIKey        string
	OpenAIAPIURL        string
	OpenAIModel         string

	// Auth and credentials
	JWTSecret      string
	MasterKeys     map[int]string // MASTER_ENCRYPTION_KEY[_Vn], by version
	InitialBalance decimal.Decimal

	// HTTP limits
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	initial, err := decimal.NewFromString(getEnv("INITIAL_BALANCE", "10000.00"))
	if err != nil {
		return nil, fmt.Errorf("parse INITIAL_BALANCE: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DBPath:              getEnv("DB_PATH", "./data/settlement.db"),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		Symbols:             splitAndTrim(getEnv("SYMBOLS", "BTC-USD,ETH-USD")),
		UseMockFeed:         getEnvBool("USE_MOCK_FEED", false),
		EnableKrakenFeed:    getEnvBool("ENABLE_KRAKEN_FEED", true),
		KrakenWSURL:         getEnv("KRAKEN_WS_URL", "wss://ws.kraken.com/v2"),
		PriceFreshness:      getEnvDuration("PRICE_FRESHNESS", 5*time.Second),
		KrakenAPIURL:        getEnv("KRAKEN_API_URL", "https://api.kraken.com"),
		KrakenAPIKey:        os.Getenv("KRAKEN_API_KEY"),
		KrakenAPISecret:     os.Getenv("KRAKEN_API_SECRET"),
		KrakenTimeout:       getEnvDuration("KRAKEN_TIMEOUT", 10*time.Second),
		RuleMonitorInterval: getEnvDuration("RULE_MONITOR_INTERVAL", 10*time.Second),
		RulesSeedPath:       getEnv("RULES_SEED_PATH", ""),
		PendingTTL:          getEnvDuration("PENDING_TTL", 5*time.Minute),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIAPIURL:        getEnv("OPENAI_API_URL", "https://api.openai.com/v1/chat/completions"),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		MasterKeys:          masterKeys(os.Environ()),
		InitialBalance:      initial,
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 40),
		AllowedOrigins:      splitAndTrim(getEnv("CORS_ORIGINS", "*")),
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(s)
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("SYMBOLS must list at least one market"))
	}
	for name, d := range map[string]time.Duration{
		"RULE_MONITOR_INTERVAL": c.RuleMonitorInterval,
		"PENDING_TTL":           c.PendingTTL,
		"PRICE_FRESHNESS":       c.PriceFreshness,
		"KRAKEN_TIMEOUT":        c.KrakenTimeout,
		"REQUEST_TIMEOUT":       c.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.InitialBalance.IsNegative() {
		errs = append(errs, errors.New("INITIAL_BALANCE must not be negative"))
	}
	return errors.Join(errs...)
}

var masterKeyVar = regexp.MustCompile(`^MASTER_ENCRYPTION_KEY(?:_V(\d+))?$`)

// masterKeys collects MASTER_ENCRYPTION_KEY (version 1) and MASTER_ENCRYPTION_KEY_Vn.
func masterKeys(environ []string) map[int]string {
	keys := make(map[int]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		m := masterKeyVar.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		version := 1
		if m[1] != "" {
			v, err := strconv.Atoi(m[1])
			if err != nil || v <= 0 {
				continue
			}
			version = v
		}
		keys[version] = value
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("10s") or plain seconds ("10").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
