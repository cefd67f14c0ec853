package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultLoginKeyword = "登录"
	DefaultSessionTTL   = time.Hour

	devSessionSecret = "rosterboard-development-session-secret"
)

var (
	ErrParse   = errors.New("parse")
	ErrInvalid = errors.New("validate config")
)

type Config struct {
	AppEnv   string
	HTTPAddr string
	LogLevel string
	DataDir  string

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionStore         string
	SessionSecret        string
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	PairingTTL           time.Duration

	WeChatAppID              string
	WeChatAppSecret          string
	WeChatToken              string
	WeChatLoginKeyword       string
	WeChatAPIBaseURL         string
	WeChatHTTPTimeout        time.Duration
	WeChatVerifyFile         string
	WeChatManualLoginEnabled bool
	WeChatNonFollowerTTL     time.Duration
	WeChatMenuURL            string
	WeChatRedirectURI        string

	SMTPServer      string
	SMTPPort        int
	SMTPUser        string
	SMTPPassword    string
	SenderEmail     string
	EmailRecipients []string

	UploadMaxBytes int64
	CORSOrigins    []string

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	OTELTraceSampleRatio      float64
}

// LoadEnvFile loads KEY=VALUE pairs from path without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

func Load() (*Config, error) {
	cfg, err := load()
	profile := getEnv("APP_ENV", "development")
	if err != nil {
		recordConfigValidationEvent(context.Background(), profile, "failure", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(context.Background(), profile, "success", "none")
	return cfg, nil
}

func load() (*Config, error) {
	cfg := &Config{
		AppEnv:                   strings.ToLower(getEnv("APP_ENV", "development")),
		HTTPAddr:                 getEnv("HTTP_ADDR", ":8000"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		DataDir:                  getEnv("DATA_DIR", "data"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		SessionStore:             strings.ToLower(getEnv("SESSION_STORE", "memory")),
		SessionSecret:            os.Getenv("SESSION_SECRET"),
		WeChatAppID:              os.Getenv("WECHAT_APP_ID"),
		WeChatAppSecret:          os.Getenv("WECHAT_APP_SECRET"),
		WeChatToken:              os.Getenv("WECHAT_TOKEN"),
		WeChatLoginKeyword:       strings.TrimSpace(getEnv("WECHAT_LOGIN_KEYWORD", DefaultLoginKeyword)),
		WeChatAPIBaseURL:         getEnv("WECHAT_API_BASE_URL", "https://api.weixin.qq.com"),
		WeChatVerifyFile:         os.Getenv("WECHAT_VERIFY_FILE"),
		WeChatMenuURL:            os.Getenv("WECHAT_MENU_URL"),
		WeChatRedirectURI:        os.Getenv("WECHAT_REDIRECT_URI"),
		SMTPServer:               getEnv("SMTP_SERVER", "smtp.gmail.com"),
		SMTPUser:                 os.Getenv("SMTP_USER"),
		SMTPPassword:             os.Getenv("SMTP_PASSWORD"),
		EmailRecipients:          splitCSV(os.Getenv("EMAIL_RECIPIENTS")),
		CORSOrigins:              splitCSV(os.Getenv("CORS_ORIGINS")),
		OTELServiceName:          getEnv("OTEL_SERVICE_NAME", "rosterboard"),
		OTELEnvironment:          getEnv("OTEL_ENVIRONMENT", getEnv("APP_ENV", "development")),
		OTELExporterOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
	cfg.SenderEmail = getEnv("SENDER_EMAIL", cfg.SMTPUser)

	var err error
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownHTTPDrainTimeout, err = getEnvDuration("SHUTDOWN_HTTP_DRAIN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownObservabilityTimeout, err = getEnvDuration("SHUTDOWN_OBSERVABILITY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	ttlSeconds, err := getEnvInt("SESSION_TTL", int(DefaultSessionTTL/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.SessionTTL = time.Duration(ttlSeconds) * time.Second
	if cfg.SessionSweepInterval, err = getEnvDuration("SESSION_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PairingTTL, err = getEnvDuration("PAIRING_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.WeChatNonFollowerTTL, err = getEnvDuration("WECHAT_NON_FOLLOWER_TTL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.WeChatHTTPTimeout, err = getEnvDuration("WECHAT_HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WeChatManualLoginEnabled, err = getEnvBool("WECHAT_MANUAL_LOGIN_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	uploadMax, err := getEnvInt("UPLOAD_MAX_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}
	cfg.UploadMaxBytes = int64(uploadMax)
	if cfg.OTELExporterOTLPInsecure, err = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true); err != nil {
		return nil, err
	}
	if cfg.OTELMetricsEnabled, err = getEnvBool("OTEL_METRICS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELTracingEnabled, err = getEnvBool("OTEL_TRACING_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELLogsEnabled, err = getEnvBool("OTEL_LOGS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OTELMetricsExportInterval, err = getEnvDuration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.OTELTraceSampleRatio, err = getEnvFloat("OTEL_TRACE_SAMPLE_RATIO", 1.0); err != nil {
		return nil, err
	}

	if cfg.SessionSecret == "" && !cfg.IsProduction() {
		cfg.SessionSecret = devSessionSecret
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

// DatabaseDSN falls back to a sqlite file under DataDir.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return strings.TrimRight(c.DataDir, "/") + "/app.db"
}

// SessionDBPath is the bbolt file used when SESSION_STORE=bolt.
func (c *Config) SessionDBPath() string {
	return strings.TrimRight(c.DataDir, "/") + "/sessions.db"
}

func (c *Config) WeChatConfigured() bool {
	return c.WeChatAppID != "" && c.WeChatAppSecret != ""
}

func (c *Config) validate() error {
	var errs []error
	switch c.SessionStore {
	case "memory", "redis", "bolt":
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be memory, redis or bolt, got %q", c.SessionStore))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.PairingTTL <= 0 {
		errs = append(errs, errors.New("PAIRING_TTL must be positive"))
	}
	if c.SessionSweepInterval < 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL must not be negative"))
	}
	if c.WeChatLoginKeyword == "" {
		errs = append(errs, errors.New("WECHAT_LOGIN_KEYWORD must not be empty"))
	}
	if c.UploadMaxBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.OTELTraceSampleRatio < 0 || c.OTELTraceSampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACE_SAMPLE_RATIO must be within [0,1]"))
	}
	if c.IsProduction() {
		if len(c.SessionSecret) < 32 {
			errs = append(errs, errors.New("SESSION_SECRET must be at least 32 characters in production"))
		}
		if c.WeChatToken == "" {
			errs = append(errs, errors.New("WECHAT_TOKEN is required in production"))
		}
		if !c.WeChatConfigured() {
			errs = append(errs, errors.New("WECHAT_APP_ID and WECHAT_APP_SECRET are required in production"))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", ErrParse, key, err)
	}
	return v, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", ErrParse, key, err)
	}
	return v, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrParse, key, err)
	}
	return v, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", ErrParse, key, err)
	}
	return v, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
