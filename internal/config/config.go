package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type TableConfig struct {
	Users         string `validate:"required"`
	Thumbnails    string `validate:"required"`
	Templates     string `validate:"required"`
	Subscriptions string `validate:"required"`
	Transactions  string `validate:"required"`
	Reservations  string `validate:"required"`
}

type RetryConfig struct {
	MaxAttempts int           `validate:"min=1,max=10"`
	CallTimeout time.Duration `validate:"gt=0"`
	BaseDelay   time.Duration `validate:"gt=0"`
}

type Config struct {
	Stage            string `validate:"required"`
	Region           string
	UserPoolID       string
	UserPoolClientID string
	ThumbnailBucket  string `validate:"required"`
	Tables           TableConfig
	StripeKey        string
	// InferenceEndpoint is the SageMaker endpoint that renders thumbnails.
	InferenceEndpoint string `validate:"required"`
	// DatabaseURL enables the River job queue. Empty means generation jobs
	// run in-process.
	DatabaseURL string
	// JobTimeout bounds one run of a queued generation job.
	JobTimeout time.Duration `validate:"gt=0"`
	// StaleReservationAfter is how long a reservation may stay held before
	// the scheduled run refunds it. It must outlast a job's retries.
	StaleReservationAfter time.Duration `validate:"gtfield=JobTimeout"`
	Retry                 RetryConfig
	PresignTTL            time.Duration `validate:"gt=0"`
	LogLevel              string        `validate:"oneof=debug info warn error"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when it exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	stage := getenv("STAGE", "dev")
	cfg := &Config{
		Stage:            stage,
		Region:           os.Getenv("AWS_REGION"),
		UserPoolID:       os.Getenv("USER_POOL_ID"),
		UserPoolClientID: os.Getenv("USER_POOL_CLIENT_ID"),
		ThumbnailBucket:  getenv("THUMBNAIL_BUCKET", stage+"-thumbnails-bucket"),
		Tables: TableConfig{
			Users:         getenv("USERS_TABLE", stage+"-users-table"),
			Thumbnails:    getenv("THUMBNAILS_TABLE", stage+"-thumbnails-table"),
			Templates:     getenv("TEMPLATES_TABLE", stage+"-templates-table"),
			Subscriptions: getenv("SUBSCRIPTIONS_TABLE", stage+"-subscriptions-table"),
			Transactions:  getenv("TRANSACTIONS_TABLE", stage+"-transactions-table"),
			Reservations:  getenv("RESERVATIONS_TABLE", stage+"-reservations-table"),
		},
		StripeKey:         os.Getenv("STRIPE_SECRET_KEY"),
		InferenceEndpoint: os.Getenv("INFERENCE_ENDPOINT"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.Retry.MaxAttempts, err = intEnv("EXTERNAL_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Retry.CallTimeout, err = durationEnv("EXTERNAL_CALL_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Retry.BaseDelay, err = durationEnv("RETRY_BASE_DELAY", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.PresignTTL, err = durationEnv("PRESIGN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = durationEnv("JOB_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StaleReservationAfter, err = durationEnv("STALE_RESERVATION_AFTER", 24*time.Hour); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
