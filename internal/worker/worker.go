package worker

import (
	"context"
	"errors"
	"expvar"

	"qms/attendance-service/internal/attendance"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("batch queue full")

var queueDepth = expvar.NewInt("batch_queue_depth")

type Handler interface {
	HandleBatch(ctx context.Context, batch attendance.Batch) attendance.BatchResult
}

type Config struct {
	QueueSize int
}

// Worker is the single consumer of inbound batches. Producers enqueue with
// Submit; Run hands batches to the handler one at a time, in order.
type Worker struct {
	handler Handler
	queue   chan attendance.Batch
	logger  *zap.Logger
}

func New(handler Handler, cfg Config, logger *zap.Logger) *Worker {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Worker{
		handler: handler,
		queue:   make(chan attendance.Batch, size),
		logger:  logger,
	}
}

// Submit enqueues batch without blocking and returns its id, generating
// one when the batch has none.
func (w *Worker) Submit(batch attendance.Batch) (string, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	select {
	case w.queue <- batch:
		queueDepth.Set(int64(len(w.queue)))
		return batch.ID, nil
	default:
		return batch.ID, ErrQueueFull
	}
}

func (w *Worker) Pending() int {
	return len(w.queue)
}

// Run blocks until ctx is done. Batches still queued at that point are
// dropped.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if pending := len(w.queue); pending > 0 {
				w.logger.Warn("dropping queued batches", zap.Int("pending", pending))
			}
			return nil
		case batch := <-w.queue:
			queueDepth.Set(int64(len(w.queue)))
			result := w.handler.HandleBatch(ctx, batch)
			w.logger.Debug("batch done",
				zap.String("batch", batch.ID),
				zap.String("type", batch.Type),
				zap.Int("processed", result.Processed),
				zap.Int("ignored", result.Ignored),
				zap.Int("failed", result.Failed),
			)
		}
	}
}
