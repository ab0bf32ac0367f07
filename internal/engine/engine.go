package engine

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/metrics"
)

// Engine is the explicit-construction root: it holds the Redis connection,
// the script library, the logger, and the metrics recorder, and is the
// single place every component gets wired from. There is no
// annotation-driven DI here — the component graph is small enough that
// constructing it by hand at process start is clearer and easier to test.
type Engine struct {
	Redis   redis.UniversalClient
	Scripts *Scripts
	Logger  *logging.Logger
	Metrics *metrics.Recorder

	Broadcaster *Broadcaster
}

// Options bundles the collaborators New needs beyond the Redis address.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ScriptLibrary string
	Logger        *logging.Logger
	Metrics       *metrics.Recorder
}

// New constructs an Engine and installs its script library. Script
// installation failure is returned, not panicked — the caller (main.go)
// decides whether that's fatal.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.New("engine", logging.DefaultConfig())
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopRecorder()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.RedisAddr, err)
	}

	scripts := NewScripts(client, opts.ScriptLibrary, opts.Logger.With("subsystem", "scripts"))
	if err := scripts.Load(ctx); err != nil {
		return nil, err
	}

	return &Engine{
		Redis:       client,
		Scripts:     scripts,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Broadcaster: NewBroadcaster(opts.Logger.With("subsystem", "broadcaster")),
	}, nil
}

// Close releases the Redis connection.
func (e *Engine) Close() error {
	if closer, ok := e.Redis.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// dlqStreamKey names the dead-letter sibling of a stream: "<name>:dlq".
func dlqStreamKey(stream string) string {
	return stream + ":dlq"
}
