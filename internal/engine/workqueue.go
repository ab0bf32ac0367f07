package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// WorkQueueConfig configures the work-queue pool: N consumers sharing one group, so
// each job is delivered to exactly one worker.
type WorkQueueConfig struct {
	Stream        string
	Group         string
	Workers       int
	MinIdleMs     int64
	MaxDeliveries int64
	PollDelay     time.Duration
	ProcessDelay  time.Duration
}

// WorkQueue is the work-queue worker pool.
type WorkQueue struct {
	dlq    *DLQ
	cfg    WorkQueueConfig
	logger *logging.Logger
}

// NewWorkQueue constructs a WorkQueue.
func NewWorkQueue(dlq *DLQ, cfg WorkQueueConfig, logger *logging.Logger) *WorkQueue {
	return &WorkQueue{dlq: dlq, cfg: cfg, logger: logger}
}

// doneStream is the per-worker destination a successfully processed job's
// fields are copied to before it is acked, per the persisted-state layout
// (jobs.imageProcessing.v1.worker-<i>.done).
func (wq *WorkQueue) doneStream(consumer string) string {
	return wq.cfg.Stream + "." + consumer + ".done"
}

// Run starts all of the pool's workers and blocks until ctx is canceled.
func (wq *WorkQueue) Run(ctx context.Context) error {
	done := make(chan struct{}, wq.cfg.Workers)
	for i := 0; i < wq.cfg.Workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i+1)
		doneStream := wq.doneStream(consumer)

		step := func(ctx context.Context, entry StreamEntry) error {
			if wq.cfg.ProcessDelay > 0 {
				if !sleepCtx(ctx, wq.cfg.ProcessDelay) {
					return ctx.Err()
				}
			}
			processingType, _ := entry.Fields.Get("processingType")
			if processingType != "OK" {
				return fmt.Errorf("job %s processingType %q", entry.ID, processingType)
			}
			if err := wq.dlq.redis.XAdd(ctx, &redis.XAddArgs{
				Stream: doneStream,
				Values: entry.Fields.Args(),
			}).Err(); err != nil {
				return fmt.Errorf("append to done stream: %w", err)
			}
			return nil
		}

		worker, err := NewWorker(wq.dlq, WorkerConfig{
			Stream:        wq.cfg.Stream,
			Group:         wq.cfg.Group,
			Consumer:      consumer,
			MinIdleMs:     wq.cfg.MinIdleMs,
			MaxDeliveries: wq.cfg.MaxDeliveries,
			PollDelay:     wq.cfg.PollDelay,
			ErrorBackoff:  time.Second,
			BatchSize:     1,
		}, step, wq.logger.With("consumer", consumer))
		if err != nil {
			return fmt.Errorf("work queue worker %s: %w", consumer, err)
		}

		go func() {
			worker.Run(ctx)
			done <- struct{}{}
		}()
	}

	for i := 0; i < wq.cfg.Workers; i++ {
		<-done
	}
	return nil
}
