package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"study-rooms/internal/infra/setup"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	AppEnv     string // development/production
	ServerPort string
	LogLevel   string

	DBDriver   string // mysql/postgres/memory
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // Redis Key 前缀

	JWTSecret         string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	CORSAllowedOrigin string

	PropagationMaxRetry int
	SessionHistoryCap   int
	ReconcileSchedule   string
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load() // 忽略错误，允许只使用环境变量

	cfg := &Config{
		AppEnv:            envOr("APP_ENV", "development"),
		ServerPort:        envOr("SERVER_PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		DBDriver:          envOr("DB_DRIVER", setup.DriverMySQL),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            envOr("DB_HOST", "127.0.0.1"),
		DBName:            envOr("DB_NAME", "study_rooms"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:         envOr("REDIS_KEY_PREFIX", "sr:"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		CORSAllowedOrigin: envOr("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		ReconcileSchedule: envOr("RECONCILE_SCHEDULE", "@every 10m"),
	}

	// 端口默认值取决于驱动
	defaultPort := "3306"
	if cfg.DBDriver == setup.DriverPostgres {
		defaultPort = "5432"
	}
	cfg.DBPort = envOr("DB_PORT", defaultPort)

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = envInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	windowSeconds, err := envInt("RATE_LIMIT_WINDOW_SECONDS", 1)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSeconds) * time.Second
	if cfg.PropagationMaxRetry, err = envInt("PROPAGATION_MAX_RETRY", 8); err != nil {
		return nil, err
	}
	if cfg.SessionHistoryCap, err = envInt("SESSION_HISTORY_CAP", 50); err != nil {
		return nil, err
	}

	// --- 必要检查 ---
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	switch cfg.DBDriver {
	case setup.DriverMySQL, setup.DriverPostgres, setup.DriverMemory:
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if cfg.SessionHistoryCap <= 0 {
		return nil, fmt.Errorf("SESSION_HISTORY_CAP must be positive")
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info" // 修正配置值
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	return n, nil
}
