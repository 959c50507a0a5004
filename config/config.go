package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Sweep     SweepConfig
	Providers ProvidersConfig
	Agent     AgentConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	MaxSegmentBytes    int64  // reject segment uploads larger than this (413)
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

// AWSConfig holds AWS credentials and the artifacts bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArtifactsBucket      string
	PresignExpireMinutes int
}

// RecordingConfig holds ingest and assembly settings.
type RecordingConfig struct {
	SegmentDir string // directory for uploaded segments; empty = os.TempDir()
	WorkDir    string // directory for assembled artifacts before upload; empty = os.TempDir()
	FFmpegPath string // ffmpeg binary; empty = "ffmpeg" from PATH
}

// SweepConfig holds the stale-session sweep settings.
type SweepConfig struct {
	IntervalSec   int // how often the sweep runs
	InactivitySec int // a session is stale when its newest segment is older than this
}

// ProvidersConfig holds the external question and grading provider endpoints.
type ProvidersConfig struct {
	QuestionURL string
	GradingURL  string
	APIKey      string
	TimeoutSec  int
}

// AgentConfig holds the recording agent (client pipeline) settings.
type AgentConfig struct {
	ServerURL      string
	SliceMillis    int    // segment duration produced by the chunk recorder
	MaxDurationSec int    // wall-clock session limit; reaching it equals a user stop
	CameraDevice   string // e.g. /dev/video0
	ScreenDisplay  string // e.g. :0.0
	AudioDevice    string // e.g. default
	LockFile       string // written once a session completes; blocks a restart
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
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "60"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			MaxSegmentBytes:    int64(getEnvInt("MAX_SEGMENT_BYTES", 25*1024*1024)),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/hireloop?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "hireloop"),
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
			ArtifactsBucket:      getEnv("AWS_S3_ARTIFACTS_BUCKET", "hireloop-artifacts"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			SegmentDir: getEnv("SEGMENT_DIR", ""),
			WorkDir:    getEnv("ASSEMBLY_WORK_DIR", ""),
			FFmpegPath: getEnv("FFMPEG_PATH", ""),
		},
		Sweep: SweepConfig{
			IntervalSec:   getEnvInt("SWEEP_INTERVAL_SEC", 15),
			InactivitySec: getEnvInt("SWEEP_INACTIVITY_SEC", 30),
		},
		Providers: ProvidersConfig{
			QuestionURL: getEnv("QUESTION_PROVIDER_URL", ""),
			GradingURL:  getEnv("GRADING_PROVIDER_URL", ""),
			APIKey:      getEnv("PROVIDER_API_KEY", ""),
			TimeoutSec:  getEnvInt("PROVIDER_TIMEOUT_SEC", 60),
		},
		Agent: AgentConfig{
			ServerURL:      getEnv("AGENT_SERVER_URL", "http://localhost:8080"),
			SliceMillis:    getEnvInt("AGENT_SLICE_MILLIS", 2000),
			MaxDurationSec: getEnvInt("AGENT_MAX_DURATION_SEC", 900),
			CameraDevice:   getEnv("AGENT_CAMERA_DEVICE", "/dev/video0"),
			ScreenDisplay:  getEnv("AGENT_SCREEN_DISPLAY", ":0.0"),
			AudioDevice:    getEnv("AGENT_AUDIO_DEVICE", "default"),
			LockFile:       getEnv("AGENT_LOCK_FILE", ""),
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
