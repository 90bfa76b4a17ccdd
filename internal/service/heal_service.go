package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/metrics"
	"github.com/devrev/buckets/internal/util/workerpool"
)

// HealConfig holds background heal configuration
type HealConfig struct {
	Workers   int
	QueueSize int
	// RatePerSecond limits heals started per second. Zero means unlimited.
	RatePerSecond float64
	Burst         int
	MaxRetries    uint64
	RetryBase     time.Duration
}

// Healer repairs a single object
type Healer interface {
	HealObject(ctx context.Context, bucket, object string) (*HealResult, error)
}

// HealService heals queued objects in the background
type HealService struct {
	healer  Healer
	cfg     HealConfig
	pool    *workerpool.WorkerPool
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHealService starts the heal workers. They stop when ctx is cancelled
// or Stop is called.
func NewHealService(ctx context.Context, healer Healer, cfg HealConfig, m *metrics.Metrics, logger *zap.Logger) *HealService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	h := &HealService{
		healer:  healer,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger,
	}
	h.pool = workerpool.New(ctx, workerpool.Config{
		Name:          "heal",
		MaxWorkers:    cfg.Workers,
		QueueSize:     cfg.QueueSize,
		Logger:        logger,
		OnQueueChange: m.SetHealQueueDepth,
		OnDone:        func(_ workerpool.Task, err error) { m.HealJob(err) },
	})
	return h
}

// Enqueue schedules a heal without blocking. Returns false when the queue
// is full.
func (h *HealService) Enqueue(bucket, object string) bool {
	ok := h.pool.TrySubmit(h.task(bucket, object))
	if !ok {
		h.logger.Warn("Heal queue full, dropping object",
			zap.String("bucket", bucket),
			zap.String("object", object))
	}
	return ok
}

// EnqueueWait schedules a heal, waiting for queue space
func (h *HealService) EnqueueWait(ctx context.Context, bucket, object string) error {
	return h.pool.Submit(ctx, h.task(bucket, object))
}

// Wait blocks until every queued heal has finished
func (h *HealService) Wait(ctx context.Context) error {
	return h.pool.Wait(ctx)
}

// Stop cancels in-flight heals and drops queued ones
func (h *HealService) Stop(timeout time.Duration) error {
	return h.pool.Stop(timeout)
}

// Stats returns worker pool statistics of the heal queue
func (h *HealService) Stats() workerpool.Stats {
	return h.pool.Stats()
}

func (h *HealService) task(bucket, object string) workerpool.Task {
	return workerpool.Task{
		ID: bucket + "/" + object,
		Fn: func(ctx context.Context) error {
			if err := h.limiter.Wait(ctx); err != nil {
				return err
			}
			return h.heal(ctx, bucket, object)
		},
	}
}

// heal retries transient failures with exponential backoff
func (h *HealService) heal(ctx context.Context, bucket, object string) error {
	b := retry.WithMaxRetries(h.cfg.MaxRetries, retry.NewExponential(h.cfg.RetryBase))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		result, err := h.healer.HealObject(ctx, bucket, object)
		if err != nil {
			if isTransient(err) {
				h.logger.Debug("Heal attempt failed, retrying",
					zap.String("bucket", bucket),
					zap.String("object", object),
					zap.Int("attempt", attempt),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		if len(result.ChunksFailed) > 0 {
			return retry.RetryableError(errors.IO("some chunks could not be rewritten", nil).
				WithDetail("chunks", result.ChunksFailed))
		}
		return nil
	})
}

// isTransient reports whether a heal failure may succeed on retry. A
// missing object or damage beyond parity will not.
func isTransient(err error) bool {
	if stderrors.Is(err, errors.ErrNotFound) {
		return false
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeIO, errors.ErrCodeQuorumNotMet:
		return true
	}
	return false
}
