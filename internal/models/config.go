package models

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr string           `yaml:"server_addr" validate:"required"`
	PublicURL  string           `yaml:"public_url"`
	LogLevel   string           `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat  string           `yaml:"log_format" validate:"oneof=text json"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Processing ProcessingConfig `yaml:"processing"`
	Caption    CaptionConfig    `yaml:"caption"`
	Cache      CacheConfig      `yaml:"cache"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=postgres sqlite"`
	URL      string `yaml:"url" validate:"required"`
	MaxConns int    `yaml:"max_conns" validate:"min=1"`
	MinConns int    `yaml:"min_conns" validate:"min=0,ltefield=MaxConns"`
}

type StorageConfig struct {
	Backend string   `yaml:"backend" validate:"oneof=local s3"`
	Path    string   `yaml:"path" validate:"required_if=Backend local"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

type QueueConfig struct {
	Type         string   `yaml:"type" validate:"oneof=memory kafka"`
	Workers      int      `yaml:"workers" validate:"min=1"`
	Capacity     int      `yaml:"capacity" validate:"min=1"`
	KafkaBrokers []string `yaml:"kafka_brokers" validate:"required_if=Type kafka"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required_if=Type kafka"`
	KafkaGroupID string   `yaml:"kafka_group_id"`
}

type ProcessingConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
	JPEGQuality  int           `yaml:"jpeg_quality" validate:"min=1,max=100"`
	MaxUploadMB  int64         `yaml:"max_upload_mb" validate:"min=1"`
	MaxPixels    int64         `yaml:"max_pixels" validate:"min=0"`
	SmallSize    int           `yaml:"small_size" validate:"min=1"`
	MediumSize   int           `yaml:"medium_size" validate:"min=1"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

type CaptionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint" validate:"required_if=Enabled true"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Type          string        `yaml:"type" validate:"oneof=none memory redis"`
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Type redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

const defaultCaptionEndpoint = "https://api-inference.huggingface.co/models/Salesforce/blip-image-captioning-large"

// DefaultConfig returns a config usable for a single-node setup with SQLite and local files.
func DefaultConfig() *Config {
	return &Config{
		ServerAddr: ":8000",
		LogLevel:   "info",
		LogFormat:  "text",
		Database: DatabaseConfig{
			Driver:   "sqlite",
			URL:      "images.db",
			MaxConns: 10,
			MinConns: 1,
		},
		Storage: StorageConfig{
			Backend: "local",
			Path:    "./data",
		},
		Queue: QueueConfig{
			Type:         "memory",
			Workers:      4,
			Capacity:     100,
			KafkaTopic:   "images",
			KafkaGroupID: "image-processor-group",
		},
		Processing: ProcessingConfig{
			Timeout:      2 * time.Minute,
			JPEGQuality:  85,
			MaxUploadMB:  32,
			MaxPixels:    50_000_000,
			SmallSize:    128,
			MediumSize:   512,
			ShutdownWait: 30 * time.Second,
		},
		Caption: CaptionConfig{
			Endpoint: defaultCaptionEndpoint,
			Timeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			Type:     "memory",
			Capacity: 256,
			TTL:      30 * time.Minute,
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, applies
// .env and environment overrides and validates the result. A missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// .env is optional
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func applyEnv(cfg *Config) {
	cfg.ServerAddr = getEnv("SERVER_ADDR", cfg.ServerAddr)
	cfg.PublicURL = getEnv("PUBLIC_URL", cfg.PublicURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)

	cfg.Storage.Backend = getEnv("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Path = getEnv("STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.S3.Bucket = getEnv("S3_BUCKET", cfg.Storage.S3.Bucket)
	cfg.Storage.S3.Endpoint = getEnv("S3_ENDPOINT", cfg.Storage.S3.Endpoint)
	cfg.Storage.S3.AccessKey = getEnv("S3_ACCESS_KEY", cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = getEnv("S3_SECRET_KEY", cfg.Storage.S3.SecretKey)

	cfg.Queue.Type = getEnv("QUEUE_TYPE", cfg.Queue.Type)
	cfg.Queue.Workers = getEnvInt("QUEUE_WORKERS", cfg.Queue.Workers)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Queue.KafkaBrokers = strings.Split(v, ",")
	}
	cfg.Queue.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Queue.KafkaTopic)

	cfg.Caption.Enabled = getEnvBool("CAPTION_ENABLED", cfg.Caption.Enabled)
	cfg.Caption.Endpoint = getEnv("CAPTION_ENDPOINT", cfg.Caption.Endpoint)
	cfg.Caption.APIKey = getEnv("CAPTION_API_KEY", cfg.Caption.APIKey)

	cfg.Cache.Type = getEnv("CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
