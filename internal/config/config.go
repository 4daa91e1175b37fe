package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Redis    RedisConfig    `yaml:"redis"`
	Graph    GraphConfig    `yaml:"graph"`
	Vision   VisionConfig   `yaml:"vision"`
	Motion   MotionConfig   `yaml:"motion"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// RedisConfig configures the motion cost cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// GraphConfig controls pair enumeration and batching.
type GraphConfig struct {
	DMax      int    `yaml:"dmax"`
	BatchSize int    `yaml:"batch_size"`
	Workers   int    `yaml:"workers"`
	CropSize  int    `yaml:"crop_size"`
	WeightKey string `yaml:"weight_key"` // object key of the weight table
}

type VisionConfig struct {
	ModelsDir string `yaml:"models_dir"`
	ReIDModel string `yaml:"reid_model"`
	ReIDBatch int    `yaml:"reid_batch"`
}

type MotionConfig struct {
	Binary       string        `yaml:"binary"` // deepmatching executable; empty means read-only
	Downscale    int           `yaml:"downscale"`
	MatchCache   int           `yaml:"match_cache"`
	CostTTL      time.Duration `yaml:"cost_ttl"`
	WriteMatches bool          `yaml:"write_matches"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the edge pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Graph.DMax < 1 {
		return fmt.Errorf("graph.dmax must be >= 1, got %d", c.Graph.DMax)
	}
	if c.Graph.BatchSize < 1 {
		return fmt.Errorf("graph.batch_size must be >= 1, got %d", c.Graph.BatchSize)
	}
	if c.Graph.Workers < 1 {
		return fmt.Errorf("graph.workers must be >= 1, got %d", c.Graph.Workers)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Graph.DMax == 0 {
		cfg.Graph.DMax = 50
	}
	if cfg.Graph.BatchSize == 0 {
		cfg.Graph.BatchSize = 5000
	}
	if cfg.Graph.Workers == 0 {
		cfg.Graph.Workers = 4
	}
	if cfg.Graph.CropSize == 0 {
		cfg.Graph.CropSize = 64
	}
	if cfg.Graph.WeightKey == "" {
		cfg.Graph.WeightKey = "weights/default.yaml"
	}
	if cfg.Vision.ReIDModel == "" {
		cfg.Vision.ReIDModel = "stacknet64x64.onnx"
	}
	if cfg.Vision.ReIDBatch == 0 {
		cfg.Vision.ReIDBatch = 256
	}
	if cfg.Motion.Downscale == 0 {
		cfg.Motion.Downscale = 2
	}
	if cfg.Motion.MatchCache == 0 {
		cfg.Motion.MatchCache = 512
	}
	if cfg.Motion.CostTTL == 0 {
		cfg.Motion.CostTTL = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TG_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TG_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("TG_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("TG_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("TG_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("TG_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("TG_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("TG_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("TG_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("TG_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("TG_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("TG_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("TG_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TG_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TG_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("TG_GRAPH_DMAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Graph.DMax = n
		}
	}
	if v := os.Getenv("TG_GRAPH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Graph.Workers = n
		}
	}
	if v := os.Getenv("TG_DEEPMATCHING_BIN"); v != "" {
		cfg.Motion.Binary = v
	}
}
