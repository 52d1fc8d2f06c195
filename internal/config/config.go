package config

import (
	"time"

	"speechlab/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"30s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"330s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	} `yaml:"http"`

	Upload struct {
		MaxSizeBytes      int64    `yaml:"max_size_bytes" env:"UPLOAD_MAX_SIZE_BYTES" env-default:"10485760"`
		AllowedExtensions []string `yaml:"allowed_extensions" env:"UPLOAD_ALLOWED_EXTENSIONS" env-default:".wav,.mp3,.m4a,.webm,.ogg"`
		MaxRecordSeconds  int      `yaml:"max_record_seconds" env:"UPLOAD_MAX_RECORD_SECONDS" env-default:"120"`
		ClientTimeout     int      `yaml:"client_timeout_seconds" env:"UPLOAD_CLIENT_TIMEOUT_SECONDS" env-default:"300"`
	} `yaml:"upload"`

	Poll struct {
		IntervalSeconds int `yaml:"interval_seconds" env:"POLL_INTERVAL_SECONDS" env-default:"2"`
		MaxAttempts     int `yaml:"max_attempts" env:"POLL_MAX_ATTEMPTS" env-default:"60"`
	} `yaml:"poll"`

	Analysis struct {
		URL             string        `yaml:"url" env:"ANALYSIS_API_URL"`
		Timeout         time.Duration `yaml:"timeout" env:"ANALYSIS_API_TIMEOUT" env-default:"300s"`
		MaxRetries      int           `yaml:"max_retries" env:"ANALYSIS_API_MAX_RETRIES" env-default:"3"`
		RetryDelay      time.Duration `yaml:"retry_delay" env:"ANALYSIS_API_RETRY_DELAY" env-default:"5s"`
		DefaultLanguage string        `yaml:"default_language" env:"ANALYSIS_DEFAULT_LANGUAGE" env-default:"english"`
	} `yaml:"analysis"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	Postgres struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"postgres"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	} `yaml:"s3"`

	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	} `yaml:"redis"`

	Worker struct {
		StuckJobDeadline  time.Duration `yaml:"stuck_job_deadline" env:"WORKER_STUCK_JOB_DEADLINE" env-default:"30m"`
		ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"WORKER_RECONCILE_INTERVAL" env-default:"5m"`
		MetricsAddr       string        `yaml:"metrics_addr" env:"WORKER_METRICS_ADDR" env-default:":9091"`
	} `yaml:"worker"`
}

func LoadConfig() (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadConfig("configs/config.yaml", &cfg); err != nil {
		return nil, err
	}

	if err := cleanenv.UpdateEnv(&cfg); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}
