package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

	OtelEnabled  bool
	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisUsername string
	RedisPassword string

	GeminiAPIKeys     []string
	GeminiTextModel   string
	GeminiVisionModel string

	DiffusionEndpoint string
	DiffusionAPIKey   string

	TextOpTimeoutSec    int
	VisionOpTimeoutSec  int
	SubmitOpTimeoutSec  int
	PollOpTimeoutSec    int
	PollIntervalMillis  int
	SynthesisBudgetSec  int
	RecoveryTimeoutMins int

	SchedulerIntervalSec int
	SchedulerJobs        []string
	SystemOwnerID        int64

	RateLimitEnabled bool
	AdmitRatePerSec  float64
	AdmitBurst       int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "loreline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OtelEnabled:  getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "loreline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisUsername: getenv("REDIS_USERNAME", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		GeminiAPIKeys:     splitList(getenv("GEMINI_API_KEYS", "")),
		GeminiTextModel:   getenv("GEMINI_TEXT_MODEL", "gemini-2.0-flash"),
		GeminiVisionModel: getenv("GEMINI_VISION_MODEL", "gemini-2.0-flash"),

		DiffusionEndpoint: getenv("DIFFUSION_ENDPOINT", ""),
		DiffusionAPIKey:   getenv("DIFFUSION_API_KEY", ""),

		TextOpTimeoutSec:    getenvInt("GATEWAY_TEXT_TIMEOUT_SEC", 30),
		VisionOpTimeoutSec:  getenvInt("GATEWAY_VISION_TIMEOUT_SEC", 30),
		SubmitOpTimeoutSec:  getenvInt("GATEWAY_SUBMIT_TIMEOUT_SEC", 15),
		PollOpTimeoutSec:    getenvInt("GATEWAY_POLL_TIMEOUT_SEC", 10),
		PollIntervalMillis:  getenvInt("GATEWAY_POLL_INTERVAL_MS", 2000),
		SynthesisBudgetSec:  getenvInt("GATEWAY_SYNTHESIS_BUDGET_SEC", 120),
		RecoveryTimeoutMins: getenvInt("SESSION_RECOVERY_TIMEOUT_MIN", 30),

		SchedulerIntervalSec: getenvInt("SCHEDULER_INTERVAL_SEC", 60),
		SchedulerJobs:        splitList(getenv("SCHEDULER_JOBS", "")),
		SystemOwnerID:        int64(getenvInt("SYSTEM_OWNER_ID", 1)),

		RateLimitEnabled: getenvBool("RATE_LIMIT_ENABLED", false),
		AdmitRatePerSec:  getenvFloat("ADMIT_RATE_PER_SEC", 1),
		AdmitBurst:       getenvInt("ADMIT_BURST", 5),
	}

	return cfg
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewQuotaHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
