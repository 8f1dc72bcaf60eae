// Package config holds the application configuration for wagate.
// Values come from an optional YAML file, overridden by WAGATE_* environment
// variables; Default() is the canonical source of default values.
package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	// WorkerID seeds the snowflake id generator; must differ between replicas.
	WorkerID int64 `yaml:"worker_id"`
	Debug    bool  `yaml:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Passwd string `yaml:"passwd"`
	DB     int    `yaml:"db"`
}

// QueueConfig controls the outbound delivery queue: pacing bounds, retry
// policy, per-device throughput limits and loop intervals.
type QueueConfig struct {
	MinDelayMs        int64 `yaml:"min_delay_ms"`
	MaxDelayMs        int64 `yaml:"max_delay_ms"`
	MaxAttempts       int   `yaml:"max_attempts"`
	RetryDelayMs      int64 `yaml:"retry_delay_ms"`
	MessagesPerMinute int   `yaml:"messages_per_minute"`
	BurstLimit        int   `yaml:"burst_limit"`
	TypingDelay       bool  `yaml:"typing_delay"`
	// ReadReceiptDelay is accepted but not acted on yet.
	ReadReceiptDelay  bool  `yaml:"read_receipt_delay"`
	ProcessIntervalMs int64 `yaml:"process_interval_ms"`
	BatchSize         int   `yaml:"batch_size"`
	// ReclaimTimeoutMs is how long a message may sit in-flight before the
	// reclaim sweep reschedules it.
	ReclaimTimeoutMs int64 `yaml:"reclaim_timeout_ms"`
	SendWorkers      int   `yaml:"send_workers"`
}

type HealthConfig struct {
	SweepIntervalMs  int64 `yaml:"sweep_interval_ms"`
	WarmupDurationMs int64 `yaml:"warmup_duration_ms"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type AppConfig struct {
	System   SysConfig    `yaml:"system"`
	Web      WebConfig    `yaml:"web"`
	Database DBConfig     `yaml:"database"`
	Redis    RedisConfig  `yaml:"redis"`
	Queue    QueueConfig  `yaml:"queue"`
	Health   HealthConfig `yaml:"health"`
	Logger   LogConfig    `yaml:"logger"`
}

func (c QueueConfig) MinDelay() time.Duration        { return time.Duration(c.MinDelayMs) * time.Millisecond }
func (c QueueConfig) MaxDelay() time.Duration        { return time.Duration(c.MaxDelayMs) * time.Millisecond }
func (c QueueConfig) RetryDelay() time.Duration      { return time.Duration(c.RetryDelayMs) * time.Millisecond }
func (c QueueConfig) ProcessInterval() time.Duration { return time.Duration(c.ProcessIntervalMs) * time.Millisecond }
func (c QueueConfig) ReclaimTimeout() time.Duration  { return time.Duration(c.ReclaimTimeoutMs) * time.Millisecond }

func (c HealthConfig) SweepInterval() time.Duration  { return time.Duration(c.SweepIntervalMs) * time.Millisecond }
func (c HealthConfig) WarmupDuration() time.Duration { return time.Duration(c.WarmupDurationMs) * time.Millisecond }

// Default returns a fully populated AppConfig with safe defaults.
func Default() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wagate",
			Location: "Asia/Jakarta",
			Workdir:  "/var/wagate",
			WorkerID: 1,
			Debug:    false,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 1816,
		},
		Database: DBConfig{
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wagate",
			User:     "postgres",
			Passwd:   "",
			MaxConn:  100,
			IdleConn: 10,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Passwd: "",
			DB:     0,
		},
		Queue: QueueConfig{
			MinDelayMs:        1000,
			MaxDelayMs:        10000,
			MaxAttempts:       3,
			RetryDelayMs:      5000,
			MessagesPerMinute: 10,
			BurstLimit:        3,
			TypingDelay:       true,
			ReadReceiptDelay:  false,
			ProcessIntervalMs: 2000,
			BatchSize:         5,
			ReclaimTimeoutMs:  60000,
			SendWorkers:       5,
		},
		Health: HealthConfig{
			SweepIntervalMs:  30000,
			WarmupDurationMs: 30 * 60 * 1000,
		},
		Logger: LogConfig{
			Mode:       "development",
			FileEnable: false,
			Filename:   "/var/wagate/wagate.log",
		},
	}
}

// LoadConfig reads the YAML file at path (if it exists) over Default(), then
// applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	setStr(&c.System.Workdir, "WAGATE_WORKDIR")
	setStr(&c.System.Location, "WAGATE_LOCATION")
	setInt64(&c.System.WorkerID, "WAGATE_WORKER_ID")
	setBool(&c.System.Debug, "WAGATE_DEBUG")

	setStr(&c.Web.Host, "WAGATE_WEB_HOST")
	setInt(&c.Web.Port, "WAGATE_WEB_PORT")

	setStr(&c.Database.Type, "WAGATE_DB_TYPE")
	setStr(&c.Database.Host, "WAGATE_DB_HOST")
	setInt(&c.Database.Port, "WAGATE_DB_PORT")
	setStr(&c.Database.Name, "WAGATE_DB_NAME")
	setStr(&c.Database.User, "WAGATE_DB_USER")
	setStr(&c.Database.Passwd, "WAGATE_DB_PASSWD")

	setStr(&c.Redis.Addr, "WAGATE_REDIS_ADDR")
	setStr(&c.Redis.Passwd, "WAGATE_REDIS_PASSWD")
	setInt(&c.Redis.DB, "WAGATE_REDIS_DB")

	setInt64(&c.Queue.MinDelayMs, "WAGATE_QUEUE_MIN_DELAY_MS")
	setInt64(&c.Queue.MaxDelayMs, "WAGATE_QUEUE_MAX_DELAY_MS")
	setInt(&c.Queue.MaxAttempts, "WAGATE_QUEUE_MAX_ATTEMPTS")
	setInt64(&c.Queue.RetryDelayMs, "WAGATE_QUEUE_RETRY_DELAY_MS")
	setInt(&c.Queue.MessagesPerMinute, "WAGATE_QUEUE_MESSAGES_PER_MINUTE")
	setInt(&c.Queue.BurstLimit, "WAGATE_QUEUE_BURST_LIMIT")
	setBool(&c.Queue.TypingDelay, "WAGATE_QUEUE_TYPING_DELAY")
	setBool(&c.Queue.ReadReceiptDelay, "WAGATE_QUEUE_READ_RECEIPT_DELAY")
	setInt64(&c.Queue.ProcessIntervalMs, "WAGATE_QUEUE_PROCESS_INTERVAL_MS")
	setInt(&c.Queue.BatchSize, "WAGATE_QUEUE_BATCH_SIZE")
	setInt64(&c.Queue.ReclaimTimeoutMs, "WAGATE_QUEUE_RECLAIM_TIMEOUT_MS")

	setInt64(&c.Health.SweepIntervalMs, "WAGATE_HEALTH_SWEEP_INTERVAL_MS")
	setInt64(&c.Health.WarmupDurationMs, "WAGATE_HEALTH_WARMUP_DURATION_MS")

	setStr(&c.Logger.Mode, "WAGATE_LOGGER_MODE")
	setBool(&c.Logger.FileEnable, "WAGATE_LOGGER_FILE_ENABLE")
	setStr(&c.Logger.Filename, "WAGATE_LOGGER_FILENAME")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = cast.ToInt(v)
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = cast.ToInt64(v)
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = cast.ToBool(v)
	}
}
