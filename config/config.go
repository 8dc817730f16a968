package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Exam     ExamConfig
	Worker   WorkerConfig
	Client   ClientConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the bucket holding question images.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	QuestionImagesBucket string
	PresignExpireMinutes int
}

// ExamConfig holds server-side attempt settings.
type ExamConfig struct {
	ResultCacheTTL  time.Duration // replay cache for finalize results
	LateSubmitGrace time.Duration // submissions later than deadline+grace are scored as timeout
}

// WorkerConfig holds the overdue-attempt sweeper settings.
type WorkerConfig struct {
	SweepInterval time.Duration
	OverdueGrace  time.Duration // extra time granted past the deadline before the server finalizes
	BatchSize     int
}

// ClientConfig holds settings of the taker-side client (examcli).
type ClientConfig struct {
	APIBaseURL      string
	RequestTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	TickInterval    time.Duration
	ExpiringSoon    time.Duration
	FinalizeBlockAt int // failed timeout-finalize attempts before the UI is told to block
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "trainhub"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			QuestionImagesBucket: getEnv("AWS_S3_QUESTION_IMAGES_BUCKET", "trainhub-question-images"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Exam: ExamConfig{
			ResultCacheTTL:  getEnvSeconds("RESULT_CACHE_TTL_SEC", 24*60*60),
			LateSubmitGrace: getEnvSeconds("LATE_SUBMIT_GRACE_SEC", 30),
		},
		Worker: WorkerConfig{
			SweepInterval: getEnvSeconds("SWEEP_INTERVAL_SEC", 15),
			OverdueGrace:  getEnvSeconds("OVERDUE_GRACE_SEC", 30),
			BatchSize:     getEnvInt("SWEEP_BATCH_SIZE", 100),
		},
		Client: ClientConfig{
			APIBaseURL:      getEnv("API_BASE_URL", "http://localhost:8080"),
			RequestTimeout:  getEnvSeconds("API_TIMEOUT_SEC", 10),
			MaxRetries:      getEnvInt("API_MAX_RETRIES", 3),
			RetryBackoff:    time.Duration(getEnvInt("API_RETRY_BACKOFF_MS", 500)) * time.Millisecond,
			TickInterval:    time.Duration(getEnvInt("TIMER_TICK_MS", 1000)) * time.Millisecond,
			ExpiringSoon:    getEnvSeconds("EXPIRING_SOON_SEC", 60),
			FinalizeBlockAt: getEnvInt("FINALIZE_BLOCK_AFTER", 5),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
