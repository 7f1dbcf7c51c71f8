package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendS3     = "s3"
	BackendRedis  = "redis"
	BackendMemory = "memory"

	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// app config, loaded from an optional YAML file and then the environment
type Config struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwtSecret"`

	// Permission store. DatabaseURL selects postgres; otherwise SQLitePath is used.
	DatabaseURL string `yaml:"databaseUrl"`
	SQLitePath  string `yaml:"sqlitePath"`

	StoreBackend   string `yaml:"storeBackend"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3Prefix       string `yaml:"s3Prefix"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	AWSRegion      string `yaml:"awsRegion"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisKeyPrefix string `yaml:"redisKeyPrefix"`

	SnapshotCompression string        `yaml:"snapshotCompression"`
	MaxUpdateBytes      int           `yaml:"maxUpdateBytes"`
	SendQueueSize       int           `yaml:"sendQueueSize"`
	LoadTimeout         time.Duration `yaml:"loadTimeout"`
	SaveTimeout         time.Duration `yaml:"saveTimeout"`

	AllowedOrigins []string `yaml:"allowedOrigins"`
}

func defaults() *Config {
	return &Config{
		Port:                "8080",
		SQLitePath:          "coedit.db",
		StoreBackend:        BackendS3,
		AWSRegion:           "us-east-1",
		RedisAddr:           "redis:6379",
		RedisKeyPrefix:      "coedit:doc:",
		SnapshotCompression: CompressionZstd,
		MaxUpdateBytes:      1 << 20,
		SendQueueSize:       256,
		LoadTimeout:         10 * time.Second,
		SaveTimeout:         15 * time.Second,
		AllowedOrigins:      []string{"*"},
	}
}

// LoadConfig builds the configuration: defaults, then CONFIG_FILE (if set), then environment variables.
func LoadConfig() (*Config, error) {
	config := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) error {
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.JWTSecret = getEnvOrDefault("JWT_SECRET", c.JWTSecret)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = getEnvOrDefault("SQLITE_PATH", c.SQLitePath)
	c.StoreBackend = strings.ToLower(getEnvOrDefault("STORE_BACKEND", c.StoreBackend))
	c.S3Bucket = getEnvOrDefault("S3_BUCKET", c.S3Bucket)
	c.S3Prefix = getEnvOrDefault("S3_PREFIX", c.S3Prefix)
	c.S3Endpoint = getEnvOrDefault("S3_ENDPOINT", c.S3Endpoint)
	c.AWSRegion = getEnvOrDefault("AWS_REGION", c.AWSRegion)
	c.RedisAddr = getEnvOrDefault("REDIS_ADDR", c.RedisAddr)
	c.RedisKeyPrefix = getEnvOrDefault("REDIS_KEY_PREFIX", c.RedisKeyPrefix)
	c.SnapshotCompression = strings.ToLower(getEnvOrDefault("SNAPSHOT_COMPRESSION", c.SnapshotCompression))

	var err error
	if c.MaxUpdateBytes, err = getEnvInt("MAX_UPDATE_BYTES", c.MaxUpdateBytes); err != nil {
		return err
	}
	if c.SendQueueSize, err = getEnvInt("SEND_QUEUE_SIZE", c.SendQueueSize); err != nil {
		return err
	}
	if c.LoadTimeout, err = getEnvDuration("LOAD_TIMEOUT", c.LoadTimeout); err != nil {
		return err
	}
	if c.SaveTimeout, err = getEnvDuration("SAVE_TIMEOUT", c.SaveTimeout); err != nil {
		return err
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	return nil
}

func validateConfig(config *Config) error {
	if config.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch config.StoreBackend {
	case BackendS3:
		if config.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 store backend")
		}
	case BackendRedis:
		if config.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis store backend")
		}
	case BackendMemory:
	default:
		return errors.New("unsupported store backend: " + config.StoreBackend + ". Currently supported: s3, redis, memory")
	}
	if config.SnapshotCompression != CompressionZstd && config.SnapshotCompression != CompressionNone {
		return errors.New("unsupported snapshot compression: " + config.SnapshotCompression)
	}
	if config.MaxUpdateBytes <= 0 {
		return errors.New("MAX_UPDATE_BYTES must be positive")
	}
	if config.SendQueueSize <= 0 {
		return errors.New("SEND_QUEUE_SIZE must be positive")
	}
	if config.LoadTimeout <= 0 || config.SaveTimeout <= 0 {
		return errors.New("LOAD_TIMEOUT and SAVE_TIMEOUT must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
