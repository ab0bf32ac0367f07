package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// FanoutConfig configures the fan-out pool: each worker owns its own consumer
// group on the shared stream, so every worker sees every entry.
type FanoutConfig struct {
	Stream        string
	GroupPrefix   string
	Workers       int
	MinIdleMs     int64
	MaxDeliveries int64
	PollDelay     time.Duration
	ProcessDelay  time.Duration
}

// Fanout is the fan-out worker pool.
type Fanout struct {
	dlq    *DLQ
	cfg    FanoutConfig
	logger *logging.Logger
}

// NewFanout constructs a Fanout.
func NewFanout(dlq *DLQ, cfg FanoutConfig, logger *logging.Logger) *Fanout {
	return &Fanout{dlq: dlq, cfg: cfg, logger: logger}
}

// doneStream is the per-worker-group destination a successfully processed
// entry's fields are copied to before it is acked, same loop shape as
// workqueue.go's doneStream.
func (fo *Fanout) doneStream(group string) string {
	return fo.cfg.Stream + "." + group + ".done"
}

// Run starts one worker per configured group, each with its own consumer
// group so every entry is delivered to every worker independently, and
// blocks until ctx is canceled.
func (fo *Fanout) Run(ctx context.Context) error {
	done := make(chan struct{}, fo.cfg.Workers)
	for i := 0; i < fo.cfg.Workers; i++ {
		group := fmt.Sprintf("%s-%d", fo.cfg.GroupPrefix, i+1)
		doneStream := fo.doneStream(group)

		step := func(ctx context.Context, entry StreamEntry) error {
			if fo.cfg.ProcessDelay > 0 {
				if !sleepCtx(ctx, fo.cfg.ProcessDelay) {
					return ctx.Err()
				}
			}
			processingType, _ := entry.Fields.Get("processingType")
			if processingType != "OK" {
				return fmt.Errorf("entry %s processingType %q", entry.ID, processingType)
			}
			if err := fo.dlq.redis.XAdd(ctx, &redis.XAddArgs{
				Stream: doneStream,
				Values: entry.Fields.Args(),
			}).Err(); err != nil {
				return fmt.Errorf("append to done stream: %w", err)
			}
			return nil
		}

		worker, err := NewWorker(fo.dlq, WorkerConfig{
			Stream:        fo.cfg.Stream,
			Group:         group,
			Consumer:      group + "-consumer",
			MinIdleMs:     fo.cfg.MinIdleMs,
			MaxDeliveries: fo.cfg.MaxDeliveries,
			PollDelay:     fo.cfg.PollDelay,
			ErrorBackoff:  time.Second,
			BatchSize:     1,
		}, step, fo.logger.With("group", group))
		if err != nil {
			return fmt.Errorf("fanout worker %s: %w", group, err)
		}

		go func() {
			worker.Run(ctx)
			done <- struct{}{}
		}()
	}

	for i := 0; i < fo.cfg.Workers; i++ {
		<-done
	}
	return nil
}
