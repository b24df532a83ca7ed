package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Media      MediaConfig
	Downloader DownloaderConfig
	Demucs     DemucsConfig
	Analyzer   AnalyzerConfig
	Splitter   SplitterConfig
	R2         R2Config
	Poll       PollConfig
	Reconcile  ReconcileConfig
	Queue      QueueConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	DSN string
}

type MediaConfig struct {
	// Dir is the root of all per-track output directories.
	Dir string
}

type DownloaderConfig struct {
	Bin     string
	Format  string
	Bitrate string
	Timeout time.Duration
}

type DemucsConfig struct {
	Bin     string
	Model   string
	Timeout time.Duration
}

type AnalyzerConfig struct {
	Bin      string
	Features []string
	Timeout  time.Duration
}

type SplitterConfig struct {
	BaseURL string
	APIKey  string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

type ReconcileConfig struct {
	// Cron is an asynq scheduler spec, e.g. "@every 1h".
	Cron string
}

type QueueConfig struct {
	Concurrency int
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("SPLITTER_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.dsn", "DATABASE_DSN")
	_ = viper.BindEnv("media.dir", "MEDIA_DIR")
	_ = viper.BindEnv("downloader.bin", "DOWNLOADER_BIN")
	_ = viper.BindEnv("downloader.format", "DOWNLOADER_FORMAT")
	_ = viper.BindEnv("downloader.bitrate", "DOWNLOADER_BITRATE")
	_ = viper.BindEnv("demucs.bin", "DEMUCS_BIN")
	_ = viper.BindEnv("demucs.model", "DEMUCS_MODEL")
	_ = viper.BindEnv("analyzer.bin", "ANALYZER_BIN")
	_ = viper.BindEnv("splitter.base_url", "SPLITTER_BASE_URL")
	_ = viper.BindEnv("splitter.api_key", "SPLITTER_API_KEY")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("reconcile.cron", "RECONCILE_CRON")
	_ = viper.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")

	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.dsn", "alchemy.db")
	viper.SetDefault("media.dir", "./media")

	viper.SetDefault("downloader.bin", "spotdl-helper")
	viper.SetDefault("downloader.format", "mp3")
	viper.SetDefault("downloader.bitrate", "320k")
	viper.SetDefault("downloader.timeout_seconds", 600)

	viper.SetDefault("demucs.bin", "demucs-runner")
	viper.SetDefault("demucs.model", "htdemucs")
	viper.SetDefault("demucs.timeout_seconds", 1800)

	viper.SetDefault("analyzer.bin", "audio-analyzer")
	viper.SetDefault("analyzer.features", []string{"tempo", "key", "energy"})
	viper.SetDefault("analyzer.timeout_seconds", 300)

	viper.SetDefault("splitter.base_url", "https://api.audiosplit.dev")

	viper.SetDefault("poll.initial_seconds", 5)
	viper.SetDefault("poll.max_seconds", 60)
	viper.SetDefault("poll.max_attempts", 24)

	viper.SetDefault("reconcile.cron", "@every 1h")
	viper.SetDefault("queue.concurrency", 10)

	// Config file is optional; env vars and defaults cover everything.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			DSN: viper.GetString("database.dsn"),
		},
		Media: MediaConfig{
			Dir: viper.GetString("media.dir"),
		},
		Downloader: DownloaderConfig{
			Bin:     viper.GetString("downloader.bin"),
			Format:  viper.GetString("downloader.format"),
			Bitrate: viper.GetString("downloader.bitrate"),
			Timeout: time.Duration(viper.GetInt("downloader.timeout_seconds")) * time.Second,
		},
		Demucs: DemucsConfig{
			Bin:     viper.GetString("demucs.bin"),
			Model:   viper.GetString("demucs.model"),
			Timeout: time.Duration(viper.GetInt("demucs.timeout_seconds")) * time.Second,
		},
		Analyzer: AnalyzerConfig{
			Bin:      viper.GetString("analyzer.bin"),
			Features: viper.GetStringSlice("analyzer.features"),
			Timeout:  time.Duration(viper.GetInt("analyzer.timeout_seconds")) * time.Second,
		},
		Splitter: SplitterConfig{
			BaseURL: viper.GetString("splitter.base_url"),
			APIKey:  viper.GetString("splitter.api_key"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Poll: PollConfig{
			InitialInterval: time.Duration(viper.GetInt("poll.initial_seconds")) * time.Second,
			MaxInterval:     time.Duration(viper.GetInt("poll.max_seconds")) * time.Second,
			MaxAttempts:     viper.GetInt("poll.max_attempts"),
		},
		Reconcile: ReconcileConfig{
			Cron: viper.GetString("reconcile.cron"),
		},
		Queue: QueueConfig{
			Concurrency: viper.GetInt("queue.concurrency"),
		},
	}

	return cfg, nil
}
