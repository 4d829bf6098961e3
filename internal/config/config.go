package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	OperatorsFile string
	PollInterval  time.Duration
	PollTimeout   time.Duration
	FetchRetryFor time.Duration

	RealtimeTTL        time.Duration
	RealtimeStaleAfter time.Duration
	SweepInterval      time.Duration

	GTFSEnabled            bool
	GTFSUpdateInterval     time.Duration
	GTFSDatabaseURL        string
	StationTransferSeconds int
	WalkRadiusMeters       float64
	WalkSpeedMPS           float64

	DeparturesLookahead time.Duration
	PlanMaxRounds       int

	RedisEnabled     bool
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	CacheTTL         time.Duration
	CacheWarmOnStart bool

	NATSEnabled       bool
	NATSURL           string
	NATSSubjectPrefix string

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string
}

// Load reads the environment, after a .env file when one exists
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		OperatorsFile: getEnv("OPERATORS_FILE", "operators.yml"),
		PollInterval:  getDurationEnv("POLL_INTERVAL", 30*time.Second),
		PollTimeout:   getDurationEnv("POLL_TIMEOUT", 20*time.Second),
		FetchRetryFor: getDurationEnv("FETCH_RETRY_FOR", 10*time.Second),

		RealtimeTTL:        getDurationEnv("REALTIME_TTL", 10*time.Minute),
		RealtimeStaleAfter: getDurationEnv("REALTIME_STALE_AFTER", 3*time.Minute),
		SweepInterval:      getDurationEnv("SWEEP_INTERVAL", 5*time.Minute),

		GTFSEnabled:            getBoolEnv("GTFS_ENABLED", true),
		GTFSUpdateInterval:     getDurationEnv("GTFS_UPDATE_INTERVAL", 24*time.Hour),
		GTFSDatabaseURL:        getEnv("GTFS_DATABASE_URL", ""),
		StationTransferSeconds: getIntEnv("STATION_TRANSFER_SECONDS", 120),
		WalkRadiusMeters:       getFloatEnv("WALK_RADIUS_METERS", 300),
		WalkSpeedMPS:           getFloatEnv("WALK_SPEED_MPS", 1.2),

		DeparturesLookahead: getDurationEnv("DEPARTURES_LOOKAHEAD", 2*time.Hour),
		PlanMaxRounds:       getIntEnv("PLAN_MAX_ROUNDS", 4),

		RedisEnabled:     getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		CacheTTL:         getDurationEnv("CACHE_TTL", 24*time.Hour),
		CacheWarmOnStart: getBoolEnv("CACHE_WARM_ON_START", true),

		NATSEnabled:       getBoolEnv("NATS_ENABLED", false),
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "transitfuse.rt"),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.PollTimeout <= 0 || cfg.PollTimeout > cfg.PollInterval {
		cfg.PollTimeout = cfg.PollInterval
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	switch strings.ToLower(os.Getenv(key)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return defaultVal
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	var result []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
