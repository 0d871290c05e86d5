package app

import (
	"time"

	"github.com/yungbote/threadline-backend/internal/data/db"
	httpMW "github.com/yungbote/threadline-backend/internal/http/middleware"
	"github.com/yungbote/threadline-backend/internal/jobs/maintenance"
	"github.com/yungbote/threadline-backend/internal/jobs/runtime"
	"github.com/yungbote/threadline-backend/internal/platform/envutil"
	"github.com/yungbote/threadline-backend/internal/platform/llm"
	"github.com/yungbote/threadline-backend/internal/temporalx"
)

type Config struct {
	Port        string
	Environment string

	// RunServer serves HTTP and live readers. RunWorker executes deferred tasks.
	RunServer bool
	RunWorker bool

	DB db.Config

	JWTSecretKey string
	AllowOrigins []string

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	JobPolicy          runtime.Policy

	StreamTimeout time.Duration
	TitleTimeout  time.Duration
	HistoryLimit  int
	ModelsYAML    string
	Genkit        llm.GenkitConfig

	RedisAddr    string
	RedisChannel string

	Temporal    temporalx.Config
	Maintenance maintenance.Config
}

func LoadConfig() Config {
	gemini := envutil.String("GEMINI_API_KEY", "")
	if gemini == "" {
		gemini = envutil.String("GOOGLE_API_KEY", "")
	}
	return Config{
		Port:        envutil.String("PORT", "8080"),
		Environment: envutil.String("ENVIRONMENT", "development"),

		RunServer: envutil.Bool("RUN_SERVER", true),
		RunWorker: envutil.Bool("RUN_WORKER", true),

		DB: db.Config{
			Driver:           envutil.String("DB_DRIVER", db.DriverPostgres),
			PostgresHost:     envutil.String("POSTGRES_HOST", "localhost"),
			PostgresPort:     envutil.String("POSTGRES_PORT", "5432"),
			PostgresUser:     envutil.String("POSTGRES_USER", "postgres"),
			PostgresPassword: envutil.String("POSTGRES_PASSWORD", ""),
			PostgresName:     envutil.String("POSTGRES_NAME", "threadline"),
			PostgresSSLMode:  envutil.String("POSTGRES_SSLMODE", "disable"),
			SQLitePath:       envutil.String("SQLITE_PATH", "threadline.db"),
		},

		JWTSecretKey: envutil.String("JWT_SECRET_KEY", "defaultsecret"),
		AllowOrigins: envutil.List("CORS_ALLOW_ORIGINS", httpMW.DefaultAllowOrigins),

		WorkerConcurrency:  envutil.Int("WORKER_CONCURRENCY", 4),
		WorkerPollInterval: envutil.Millis("WORKER_POLL_INTERVAL_MS", 1000),
		JobPolicy: runtime.Policy{
			MaxAttempts:  envutil.Int("JOB_MAX_ATTEMPTS", 5),
			RetryDelay:   envutil.Seconds("JOB_RETRY_DELAY_SECONDS", 30),
			StaleRunning: envutil.Seconds("JOB_STALE_RUNNING_SECONDS", 1800),
		},

		StreamTimeout: envutil.Seconds("CHAT_STREAM_TIMEOUT_SECONDS", 300),
		TitleTimeout:  envutil.Seconds("CHAT_TITLE_TIMEOUT_SECONDS", 60),
		HistoryLimit:  envutil.Int("CHAT_HISTORY_LIMIT", 50),
		ModelsYAML:    envutil.String("CHAT_MODELS_YAML", ""),
		Genkit: llm.GenkitConfig{
			GeminiAPIKey:      gemini,
			OpenRouterAPIKey:  envutil.String("OPENROUTER_API_KEY", ""),
			OpenRouterBaseURL: envutil.String("OPENROUTER_BASE_URL", llm.DefaultOpenRouterBaseURL),
		},

		RedisAddr:    envutil.String("REDIS_ADDR", ""),
		RedisChannel: envutil.String("REDIS_CHANNEL", "sse"),

		Temporal: temporalx.LoadConfig(),
		Maintenance: maintenance.Config{
			Schedule:       envutil.String("MAINTENANCE_CRON", maintenance.DefaultSchedule),
			StreamStale:    envutil.Seconds("CHAT_STREAM_STALE_SECONDS", 600),
			DeltaRetention: time.Duration(envutil.Int("CHAT_DELTA_RETENTION_HOURS", 24)) * time.Hour,
			JobRetention:   time.Duration(envutil.Int("JOB_RETENTION_HOURS", 168)) * time.Hour,
		},
	}
}
