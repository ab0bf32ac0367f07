// Package config loads the lab's configuration from, in increasing
// precedence order: defaults, an optional .env file, and environment
// variables (prefix REDISLAB_). This mirrors the layering brokle's
// internal/config documents for its own viper setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// RedisConfig describes how to reach the broker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig describes the HTTP+WebSocket listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig describes the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DLQConfig describes the demo dead-letter-queue defaults.
type DLQConfig struct {
	StreamName    string `mapstructure:"stream_name"`
	MaxDeliveries int64  `mapstructure:"max_deliveries"`
	MinIdleMs     int64  `mapstructure:"min_idle_ms"`
}

// WorkQueueConfig describes the work-queue worker pool.
type WorkQueueConfig struct {
	StreamName  string        `mapstructure:"stream_name"`
	Group       string        `mapstructure:"group"`
	Workers     int           `mapstructure:"workers"`
	PollDelay   time.Duration `mapstructure:"poll_delay"`
	MinIdleMs   int64         `mapstructure:"min_idle_ms"`
	MaxAttempts int64         `mapstructure:"max_attempts"`
}

// FanoutConfig describes the fan-out worker pool.
type FanoutConfig struct {
	StreamName  string        `mapstructure:"stream_name"`
	GroupPrefix string        `mapstructure:"group_prefix"`
	Workers     int           `mapstructure:"workers"`
	PollDelay   time.Duration `mapstructure:"poll_delay"`
	MinIdleMs   int64         `mapstructure:"min_idle_ms"`
	MaxAttempts int64         `mapstructure:"max_attempts"`
}

// RequestReplyConfig describes the request/reply responder + timeout defaults.
type RequestReplyConfig struct {
	RequestStream  string        `mapstructure:"request_stream"`
	ResponseStream string        `mapstructure:"response_stream"`
	Group          string        `mapstructure:"group"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// PerKeyConfig describes the per-key serialized processor pool.
type PerKeyConfig struct {
	StreamName string        `mapstructure:"stream_name"`
	Group      string        `mapstructure:"group"`
	Workers    int           `mapstructure:"workers"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	IdleClaim  time.Duration `mapstructure:"idle_claim"`
}

// TokenBucketConfig describes the token-bucket limiter pool.
type TokenBucketConfig struct {
	StreamName string           `mapstructure:"stream_name"`
	Group      string           `mapstructure:"group"`
	Workers    int              `mapstructure:"workers"`
	IdleClaim  time.Duration    `mapstructure:"idle_claim"`
	Max        map[string]int64 `mapstructure:"max"`
	ProcessMs  map[string]int64 `mapstructure:"process_ms"`
}

// SchedulerConfig describes the delayed-message poller.
type SchedulerConfig struct {
	ReminderStream string        `mapstructure:"reminder_stream"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int64         `mapstructure:"batch_size"`
}

// TopicConfig describes the topic exchange defaults.
type TopicConfig struct {
	ExchangeStream string `mapstructure:"exchange_stream"`
	ExchangeName   string `mapstructure:"exchange_name"`
}

// Config is the complete process configuration.
type Config struct {
	Redis         RedisConfig         `mapstructure:"redis"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	ScriptLibrary string              `mapstructure:"script_library"`
	DLQ           DLQConfig           `mapstructure:"dlq"`
	WorkQueue     WorkQueueConfig     `mapstructure:"work_queue"`
	Fanout        FanoutConfig        `mapstructure:"fanout"`
	RequestReply  RequestReplyConfig  `mapstructure:"request_reply"`
	PerKey        PerKeyConfig        `mapstructure:"per_key"`
	TokenBucket   TokenBucketConfig   `mapstructure:"token_bucket"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Topic         TopicConfig         `mapstructure:"topic"`
}

// Load reads configuration from defaults, an optional .env file at envPath
// (missing file is not an error), and REDISLAB_-prefixed environment
// variables, in that order of increasing precedence.
func Load(envPath string) (*Config, error) {
	_ = godotenv.Load(envPath) // best-effort; absence is fine

	v := viper.New()
	v.SetEnvPrefix("REDISLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("script_library", "redis-messaging-lab")

	v.SetDefault("dlq.stream_name", "test-stream")
	v.SetDefault("dlq.max_deliveries", int64(2))
	v.SetDefault("dlq.min_idle_ms", int64(100))

	v.SetDefault("work_queue.stream_name", "jobs.imageProcessing.v1")
	v.SetDefault("work_queue.group", "image-processing-workers")
	v.SetDefault("work_queue.workers", 3)
	v.SetDefault("work_queue.poll_delay", 100*time.Millisecond)
	v.SetDefault("work_queue.min_idle_ms", int64(500))
	v.SetDefault("work_queue.max_attempts", int64(3))

	v.SetDefault("fanout.stream_name", "fanout.events.v1")
	v.SetDefault("fanout.group_prefix", "fanout-worker")
	v.SetDefault("fanout.workers", 3)
	v.SetDefault("fanout.poll_delay", 100*time.Millisecond)
	v.SetDefault("fanout.min_idle_ms", int64(500))
	v.SetDefault("fanout.max_attempts", int64(3))

	v.SetDefault("request_reply.request_stream", "order.holdInventory.v1")
	v.SetDefault("request_reply.response_stream", "order.holdInventory.response.v1")
	v.SetDefault("request_reply.group", "inventory-service")
	v.SetDefault("request_reply.default_timeout", 10*time.Second)

	v.SetDefault("per_key.stream_name", "jobs.perkey.v1")
	v.SetDefault("per_key.group", "perkey-workers")
	v.SetDefault("per_key.workers", 3)
	v.SetDefault("per_key.lock_ttl", 30*time.Second)
	v.SetDefault("per_key.idle_claim", 500*time.Millisecond)

	v.SetDefault("token_bucket.stream_name", "token-bucket.jobs.v1")
	v.SetDefault("token_bucket.group", "token-bucket-workers")
	v.SetDefault("token_bucket.workers", 9)
	v.SetDefault("token_bucket.idle_claim", 500*time.Millisecond)
	v.SetDefault("token_bucket.max", map[string]interface{}{"payment": int64(2), "email": int64(5), "report": int64(1)})
	v.SetDefault("token_bucket.process_ms", map[string]interface{}{"payment": int64(1500), "email": int64(400), "report": int64(3000)})

	v.SetDefault("scheduler.reminder_stream", "reminders.v1")
	v.SetDefault("scheduler.poll_interval", 500*time.Millisecond)
	v.SetDefault("scheduler.batch_size", int64(50))

	v.SetDefault("topic.exchange_stream", "events.topic.v1")
	v.SetDefault("topic.exchange_name", "events.topic.v1")
}
