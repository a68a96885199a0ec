package config

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres      = "postgres"
	BackendRedisDispatch = "redis_dispatch"
)

type Config struct {
	APIPort  string
	LogLevel string
	JWTKey   []byte
	JWTExp   time.Duration

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSslMode  string
	DBConnStr  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Queue    QueueConfig
	Worker   WorkerConfig
	SLO      SLOConfig
	Research ResearchConfig

	FetchTimeout time.Duration
}

type QueueConfig struct {
	Backend            string
	EventsKey          string
	PendingKey         string
	EventsMaxLen       int
	AcceleratorTimeout time.Duration
}

type WorkerConfig struct {
	// Concurrency is NaN when WORKER_CONCURRENCY is unset or unparsable.
	Concurrency        float64
	JobTypeConcurrency string
	JobTypeDefaults    map[string]int
	PollInterval       time.Duration
	BatchSize          int
}

type SLOConfig struct {
	PendingAgeMs   float64 `yaml:"pendingAgeMs"`
	ErrorRatePct   float64 `yaml:"errorRatePct"`
	WorkerIdleMs   float64 `yaml:"workerIdleMs"`
	PendingBacklog int     `yaml:"pendingBacklog"`
}

type ResearchConfig struct {
	StalenessHours int
	TTLHours       int
	TopN           int
	AnthropicKey   string
	Model          string
	MaxTokens      int
}

// fileOverlay is the optional YAML document at $QUEUE_CONFIG_FILE.
type fileOverlay struct {
	Worker struct {
		JobTypeDefaults map[string]int `yaml:"jobTypeDefaults"`
	} `yaml:"worker"`
	SLO *SLOConfig `yaml:"slo"`
}

// Load reads .env (if present), the optional YAML overlay, then environment
// variables. Environment values always win over the overlay.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		APIPort:       getEnv("API_PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		JWTKey:        []byte(getEnv("JWT_SECRET", "defaultsecret")),
		JWTExp:        time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 72)) * time.Hour,
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "user"),
		DBPassword:    getEnv("DB_PASSWORD", "password"),
		DBName:        getEnv("DB_NAME", "siteops"),
		DBSslMode:     getEnv("DB_SSLMODE", "disable"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		Queue: QueueConfig{
			Backend:            getEnv("QUEUE_BACKEND", BackendPostgres),
			EventsKey:          getEnv("QUEUE_REDIS_EVENTS_KEY", "content_queue:events"),
			PendingKey:         getEnv("QUEUE_REDIS_PENDING_KEY", "content_queue:pending"),
			EventsMaxLen:       getEnvAsInt("QUEUE_REDIS_EVENTS_MAXLEN", 1000),
			AcceleratorTimeout: getEnvAsDuration("QUEUE_REDIS_TIMEOUT_MS", 1500*time.Millisecond),
		},
		Worker: WorkerConfig{
			Concurrency:        getEnvAsFloat("WORKER_CONCURRENCY"),
			JobTypeConcurrency: getEnv("WORKER_JOB_TYPE_CONCURRENCY", ""),
			JobTypeDefaults:    map[string]int{},
			PollInterval:       getEnvAsDuration("WORKER_POLL_INTERVAL_MS", 2*time.Second),
			BatchSize:          getEnvAsInt("WORKER_BATCH_SIZE", 10),
		},
		SLO: SLOConfig{
			PendingAgeMs:   10 * 60 * 1000,
			ErrorRatePct:   5,
			WorkerIdleMs:   5 * 60 * 1000,
			PendingBacklog: 500,
		},
		Research: ResearchConfig{
			StalenessHours: getEnvAsInt("RESEARCH_STALENESS_HOURS", 24*14),
			TTLHours:       getEnvAsInt("RESEARCH_TTL_HOURS", 24*7),
			TopN:           getEnvAsInt("RESEARCH_TOP_N", 5),
			AnthropicKey:   getEnv("ANTHROPIC_API_KEY", ""),
			Model:          getEnv("RESEARCH_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:      getEnvAsInt("RESEARCH_MAX_TOKENS", 4096),
		},
		FetchTimeout: getEnvAsDuration("FETCH_TIMEOUT_MS", 10*time.Second),
	}

	if path := getEnv("QUEUE_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applySLOEnv()

	if cfg.Queue.Backend != BackendPostgres && cfg.Queue.Backend != BackendRedisDispatch {
		return nil, fmt.Errorf("config: unknown QUEUE_BACKEND %q", cfg.Queue.Backend)
	}

	cfg.DBConnStr = "host=" + cfg.DBHost +
		" port=" + cfg.DBPort +
		" user=" + cfg.DBUser +
		" password=" + cfg.DBPassword +
		" dbname=" + cfg.DBName +
		" sslmode=" + cfg.DBSslMode
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for jobType, limit := range overlay.Worker.JobTypeDefaults {
		c.Worker.JobTypeDefaults[jobType] = limit
	}
	if overlay.SLO != nil {
		if overlay.SLO.PendingAgeMs > 0 {
			c.SLO.PendingAgeMs = overlay.SLO.PendingAgeMs
		}
		if overlay.SLO.ErrorRatePct > 0 {
			c.SLO.ErrorRatePct = overlay.SLO.ErrorRatePct
		}
		if overlay.SLO.WorkerIdleMs > 0 {
			c.SLO.WorkerIdleMs = overlay.SLO.WorkerIdleMs
		}
		if overlay.SLO.PendingBacklog > 0 {
			c.SLO.PendingBacklog = overlay.SLO.PendingBacklog
		}
	}
	return nil
}

func (c *Config) applySLOEnv() {
	if v := getEnvAsFloat("SLO_PENDING_AGE_MS"); !math.IsNaN(v) {
		c.SLO.PendingAgeMs = v
	}
	if v := getEnvAsFloat("SLO_ERROR_RATE_PCT"); !math.IsNaN(v) {
		c.SLO.ErrorRatePct = v
	}
	if v := getEnvAsFloat("SLO_WORKER_IDLE_MS"); !math.IsNaN(v) {
		c.SLO.WorkerIdleMs = v
	}
	c.SLO.PendingBacklog = getEnvAsInt("SLO_PENDING_BACKLOG", c.SLO.PendingBacklog)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsFloat returns NaN when the variable is missing or unparsable.
func getEnvAsFloat(key string) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return math.NaN()
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	ms := getEnvAsInt(key, -1)
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
