package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// Step processes one claimed entry. A nil error acks it; a non-nil error
// leaves it pending for the next read_claim_or_dlq pass to retry or move to
// the dead-letter stream.
type Step func(ctx context.Context, entry StreamEntry) error

// WorkerConfig parameterizes the shared worker loop: a consumer group
// member that claims, processes, and acks entries from one stream. The same
// loop shape drives the work-queue pool and the fan-out pool — only
// Stream/Group/Consumer, the poll cadence, and Step differ between them.
type WorkerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	MinIdleMs     int64
	MaxDeliveries int64
	PollDelay     time.Duration
	ErrorBackoff  time.Duration
	BatchSize     int64
}

// Validate enforces the constructor-time invariant that MinIdleMs must
// exceed the polling interval — otherwise a worker could reclaim its own
// just-delivered entries before finishing them.
func (c WorkerConfig) Validate() error {
	if time.Duration(c.MinIdleMs)*time.Millisecond <= c.PollDelay {
		return fmt.Errorf("minIdleMs (%dms) must exceed pollDelay (%s)", c.MinIdleMs, c.PollDelay)
	}
	return nil
}

// Worker repeatedly claims a batch via read_claim_or_dlq and runs Step over
// each entry, sleeping PollDelay between empty passes and ErrorBackoff after
// a broker error.
type Worker struct {
	dlq    *DLQ
	cfg    WorkerConfig
	step   Step
	logger *logging.Logger
}

// NewWorker constructs a Worker. It returns an error if cfg fails Validate.
func NewWorker(dlq *DLQ, cfg WorkerConfig, step Step, logger *logging.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	return &Worker{dlq: dlq, cfg: cfg, step: step, logger: logger}, nil
}

// Run claims and processes entries until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	if err := w.dlq.ensureGroup(ctx, w.cfg.Stream, w.cfg.Group); err != nil {
		w.logger.Error("failed to create consumer group, worker exiting", "stream", w.cfg.Stream, "group", w.cfg.Group, "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		w.dlq.metrics.WorkerIterations.WithLabelValues(w.cfg.Group).Inc()

		claim, err := w.dlq.ReadClaimOrDLQ(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.MinIdleMs, w.cfg.BatchSize, w.cfg.MaxDeliveries)
		if err != nil {
			w.logger.Warn("claim failed", "stream", w.cfg.Stream, "group", w.cfg.Group, "error", err)
			if !sleepCtx(ctx, w.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		for _, move := range claim.DLQMoves {
			w.logger.Info("moved entry to dlq", "stream", w.cfg.Stream, "originalId", move.OriginalID, "dlqId", move.DLQID)
			w.dlq.broadcaster.Broadcast(Event{
				EventType:  EventMessageDeleted,
				StreamName: w.cfg.Stream,
				MessageID:  move.OriginalID,
				Consumer:   w.cfg.Consumer,
				Details:    move.DLQID,
				Timestamp:  time.Now().UnixMilli(),
			})
		}

		if len(claim.Entries) == 0 {
			if !sleepCtx(ctx, w.cfg.PollDelay) {
				return
			}
			continue
		}

		for _, entry := range claim.Entries {
			if stepErr := w.step(ctx, entry); stepErr != nil {
				w.logger.Warn("step failed, leaving pending", "stream", w.cfg.Stream, "id", entry.ID, "error", stepErr)
				continue
			}
			if err := w.dlq.redis.XAck(ctx, w.cfg.Stream, w.cfg.Group, entry.ID).Err(); err != nil {
				w.logger.Warn("ack failed", "stream", w.cfg.Stream, "id", entry.ID, "error", err)
				continue
			}
			w.dlq.broadcaster.Broadcast(Event{
				EventType:  EventMessageProcessed,
				StreamName: w.cfg.Stream,
				MessageID:  entry.ID,
				Consumer:   w.cfg.Consumer,
				Timestamp:  time.Now().UnixMilli(),
			})
		}
	}
}

// sleepCtx sleeps for d or returns false early if ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
