package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	StorageDriverS3    = "s3"
	StorageDriverLocal = "local"

	StoreDriverPostgres = "postgres"
	StoreDriverDynamoDB = "dynamodb"
)

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `toml:"addr"`
	PublicURL       string        `toml:"public_url"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// StorageConfig configures the object store that receives uploads.
type StorageConfig struct {
	Driver         string        `toml:"driver"`
	Bucket         string        `toml:"bucket"`
	Region         string        `toml:"region"`
	Endpoint       string        `toml:"endpoint"`
	LocalDir       string        `toml:"local_dir"`
	PresignTTL     time.Duration `toml:"presign_ttl"`
	UploadSecret   string        `toml:"upload_secret"`
	MaxUploadBytes int64         `toml:"max_upload_bytes"`
}

// StoreConfig configures the record store.
type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	Table  string `toml:"table"`
}

// RedisConfig configures the result cache.
type RedisConfig struct {
	Addr      string        `toml:"addr"`
	ResultTTL time.Duration `toml:"result_ttl"`
}

// DetectorConfig configures the label detection client.
type DetectorConfig struct {
	Addr          string  `toml:"addr"`
	MaxLabels     int     `toml:"max_labels"`
	MinConfidence float64 `toml:"min_confidence"`
	MaxImageBytes int64   `toml:"max_image_bytes"`
	MaxPixels     int     `toml:"max_pixels"`
}

// CallbackConfig configures callback delivery.
type CallbackConfig struct {
	Timeout time.Duration `toml:"timeout"`
}

// WorkflowConfig configures the durable workflow engine.
type WorkflowConfig struct {
	DatabaseURL       string        `toml:"database_url"`
	AppName           string        `toml:"app_name"`
	Queue             string        `toml:"queue"`
	Concurrency       int           `toml:"concurrency"`
	UploadWaitingTime time.Duration `toml:"upload_waiting_time"`
	StepMaxRetries    int           `toml:"step_max_retries"`
}

// Config is the full runtime configuration of the service.
type Config struct {
	LogLevel string         `toml:"log_level"`
	HTTP     HTTPConfig     `toml:"http"`
	Storage  StorageConfig  `toml:"storage"`
	Store    StoreConfig    `toml:"store"`
	Redis    RedisConfig    `toml:"redis"`
	Detector DetectorConfig `toml:"detector"`
	Callback CallbackConfig `toml:"callback"`
	Workflow WorkflowConfig `toml:"workflow"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			PublicURL:       "http://localhost:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver:         StorageDriverS3,
			Region:         "us-east-1",
			LocalDir:       "./data/blobs",
			PresignTTL:     30 * time.Second,
			MaxUploadBytes: 15 * 1024 * 1024,
		},
		Store: StoreConfig{
			Driver: StoreDriverPostgres,
			DSN:    "host=postgres user=postgres password=postgres dbname=recognition port=5432 sslmode=disable",
			Table:  "blobs",
		},
		Redis: RedisConfig{
			Addr:      "redis:6379",
			ResultTTL: 10 * time.Minute,
		},
		Detector: DetectorConfig{
			Addr:          "label-detector:50051",
			MaxLabels:     10,
			MinConfidence: 50,
			MaxImageBytes: 15 * 1024 * 1024,
			MaxPixels:     80_000_000,
		},
		Callback: CallbackConfig{
			Timeout: 10 * time.Second,
		},
		Workflow: WorkflowConfig{
			AppName:           "blob-recognition",
			Queue:             "recognition",
			Concurrency:       4,
			UploadWaitingTime: time.Minute,
			StepMaxRetries:    3,
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file at path
// and the environment, in increasing precedence. A .env file in the working
// directory is loaded into the environment first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot fall back to a usable default.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the %s driver", StorageDriverS3)
		}
	case StorageDriverLocal:
		if c.Storage.UploadSecret == "" {
			return fmt.Errorf("storage.upload_secret is required for the %s driver", StorageDriverLocal)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverDynamoDB:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Workflow.DatabaseURL == "" {
		return fmt.Errorf("workflow.database_url is required")
	}
	if c.Storage.PresignTTL <= 0 || c.Callback.Timeout <= 0 || c.Workflow.UploadWaitingTime <= 0 {
		return fmt.Errorf("presign_ttl, callback timeout and upload_waiting_time must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.HTTP.PublicURL, "PUBLIC_URL")
	setString(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setString(&cfg.Storage.Bucket, "BLOBS_BUCKET_NAME")
	setString(&cfg.Storage.Region, "AWS_REGION")
	setString(&cfg.Storage.Endpoint, "S3_ENDPOINT")
	setString(&cfg.Storage.LocalDir, "LOCAL_BLOB_DIR")
	setString(&cfg.Storage.UploadSecret, "UPLOAD_TOKEN_SECRET")
	setString(&cfg.Store.Driver, "STORE_DRIVER")
	setString(&cfg.Store.DSN, "DATABASE_DSN")
	setString(&cfg.Store.Table, "BLOBS_TABLE_NAME")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Detector.Addr, "LABEL_DETECTOR_ADDR")
	setString(&cfg.Workflow.DatabaseURL, "DBOS_SYSTEM_DATABASE_URL")
	setString(&cfg.Workflow.AppName, "DBOS_APP_NAME")
	setString(&cfg.Workflow.Queue, "DBOS_QUEUE_NAME")

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"PRESIGNED_URL_TTL", &cfg.Storage.PresignTTL},
		{"RESULT_CACHE_TTL", &cfg.Redis.ResultTTL},
		{"CALLBACK_TIMEOUT", &cfg.Callback.Timeout},
		{"UPLOADING_WAITING_TIME", &cfg.Workflow.UploadWaitingTime},
	}
	for _, d := range durations {
		if err := setDuration(d.target, d.key); err != nil {
			return err
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"MAX_LABELS", &cfg.Detector.MaxLabels},
		{"MAX_IMAGE_PIXELS", &cfg.Detector.MaxPixels},
		{"DBOS_CONCURRENCY", &cfg.Workflow.Concurrency},
		{"STEP_MAX_RETRIES", &cfg.Workflow.StepMaxRetries},
	}
	for _, i := range ints {
		if err := setInt(i.target, i.key); err != nil {
			return err
		}
	}

	if value := getEnv("MIN_CONFIDENCE"); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("MIN_CONFIDENCE: %w", err)
		}
		cfg.Detector.MinConfidence = parsed
	}
	for key, target := range map[string]*int64{
		"MAX_UPLOAD_BYTES": &cfg.Storage.MaxUploadBytes,
		"MAX_IMAGE_BYTES":  &cfg.Detector.MaxImageBytes,
	} {
		if value := getEnv(key); value != "" {
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = parsed
		}
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(target *string, key string) {
	if value := getEnv(key); value != "" {
		*target = value
	}
}

// setDuration accepts Go duration strings or a bare number of seconds.
func setDuration(target *time.Duration, key string) error {
	value := getEnv(key)
	if value == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		*target = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = parsed
	return nil
}

func setInt(target *int, key string) error {
	value := getEnv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = parsed
	return nil
}
