package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cvboard/internal/notify"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Parser   ParserConfig   `mapstructure:"parser"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port           int    `mapstructure:"port"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

// Origins 返回逗号分隔的允许来源列表。
func (a APIConfig) Origins() []string {
	if strings.TrimSpace(a.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(a.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DatabaseConfig contains connection options for PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 返回 host:port 形式的地址。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// AuthConfig 指向用于 JWT 校验/签发的 RSA 密钥。
type AuthConfig struct {
	PublicKeyPath  string `mapstructure:"public_key_path"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	AccessTTLMin   int    `mapstructure:"access_ttl_min"`
}

// UploadConfig 约束简历文档上传。ClamdAddr 为空时跳过病毒扫描。
type UploadConfig struct {
	MaxBytes      int64  `mapstructure:"max_bytes"`
	MaxJobsPerDay int    `mapstructure:"max_jobs_per_day"`
	ClamdAddr     string `mapstructure:"clamd_addr"`
}

// ParserConfig 指向外部简历解析服务。
type ParserConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	InternalSecret string `mapstructure:"internal_secret"`
}

// NotifyConfig 控制通知通道的时间参数。
// 重连延迟默认固定不变；指数退避仅在显式开启时生效。
type NotifyConfig struct {
	HeartbeatSeconds int  `mapstructure:"heartbeat_seconds"`
	ReconnectSeconds int  `mapstructure:"reconnect_seconds"`
	Exponential      bool `mapstructure:"exponential"`
}

// HeartbeatInterval 返回心跳间隔。
func (n NotifyConfig) HeartbeatInterval() time.Duration {
	return time.Duration(n.HeartbeatSeconds) * time.Second
}

// ReconnectDelay 返回重连延迟。
func (n NotifyConfig) ReconnectDelay() time.Duration {
	return time.Duration(n.ReconnectSeconds) * time.Second
}

// Options 把通知配置转换为客户端连接选项。
func (n NotifyConfig) Options() notify.Options {
	return notify.Options{
		HeartbeatInterval:  n.HeartbeatInterval(),
		ReconnectDelay:     n.ReconnectDelay(),
		ExponentialBackoff: n.Exponential,
	}
}

// WorkerConfig 控制任务消费并发度。
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cvboard")
	v.SetDefault("database.user", "cvboard")
	v.SetDefault("database.password", "cvboard")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "cv-documents")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("auth.access_ttl_min", 30)
	v.SetDefault("upload.max_bytes", 10*1024*1024)
	v.SetDefault("upload.max_jobs_per_day", 20)
	v.SetDefault("parser.base_url", "http://localhost:9100")
	v.SetDefault("notify.heartbeat_seconds", 30)
	v.SetDefault("notify.reconnect_seconds", 5)
	v.SetDefault("notify.exponential", false)
	v.SetDefault("worker.concurrency", 10)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                 "API_PORT",
		"api.allowed_origins":      "ALLOWED_ORIGINS",
		"database.host":            "DATABASE_HOST",
		"database.port":            "DATABASE_PORT",
		"database.name":            "POSTGRES_DB",
		"database.user":            "POSTGRES_USER",
		"database.password":        "POSTGRES_PASSWORD",
		"database.sslmode":         "DATABASE_SSLMODE",
		"redis.host":               "REDIS_HOST",
		"redis.port":               "REDIS_PORT",
		"minio.endpoint":           "MINIO_ENDPOINT",
		"minio.access_key_id":      "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":  "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":            "MINIO_USE_SSL",
		"minio.bucket":             "MINIO_BUCKET",
		"minio.auto_create_bucket": "MINIO_AUTO_CREATE_BUCKET",
		"auth.public_key_path":     "AUTH_PUBLIC_KEY_PATH",
		"auth.private_key_path":    "AUTH_PRIVATE_KEY_PATH",
		"auth.access_ttl_min":      "AUTH_ACCESS_TTL_MIN",
		"upload.max_bytes":         "UPLOAD_MAX_BYTES",
		"upload.max_jobs_per_day":  "UPLOAD_MAX_JOBS_PER_DAY",
		"upload.clamd_addr":        "CLAMD_ADDR",
		"parser.base_url":          "PARSER_BASE_URL",
		"parser.internal_secret":   "PARSER_INTERNAL_SECRET",
		"notify.heartbeat_seconds": "NOTIFY_HEARTBEAT_SECONDS",
		"notify.reconnect_seconds": "NOTIFY_RECONNECT_SECONDS",
		"notify.exponential":       "NOTIFY_RECONNECT_EXPONENTIAL",
		"worker.concurrency":       "WORKER_CONCURRENCY",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if cfg.MinIO.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return errors.New("upload max bytes must be positive")
	}
	if cfg.Parser.BaseURL == "" {
		return errors.New("parser base url is required")
	}
	if cfg.Notify.HeartbeatSeconds <= 0 {
		return errors.New("notify heartbeat seconds must be positive")
	}
	if cfg.Notify.ReconnectSeconds <= 0 {
		return errors.New("notify reconnect seconds must be positive")
	}
	if cfg.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	return nil
}
