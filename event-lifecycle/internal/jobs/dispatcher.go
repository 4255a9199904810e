package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stagepass/platform/event-lifecycle/internal/metrics"
)

// Producer is the subset of the queue producer the dispatcher needs.
type Producer interface {
	ProduceJSON(ctx context.Context, key []byte, v any) (partition int, offset int64, producedAt time.Time, err error)
}

// DueJobStore is the claim/complete/fail side of a one-shot job table.
type DueJobStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]DueJob, error)
	Complete(ctx context.Context, name string) error
	Fail(ctx context.Context, name string, retryAt time.Time, cause string) error
}

type DispatcherConfig struct {
	// BatchSize is how many due jobs are claimed per poll.
	BatchSize int
	// PollInterval is the wait between polls when no work was found.
	PollInterval time.Duration
	// MaxConcurrency bounds concurrent deliveries within a batch.
	MaxConcurrency int
	// DeliveryTimeout bounds one produce call.
	DeliveryTimeout time.Duration
	// RetryBase and RetryMax shape the redelivery backoff after a failed produce.
	RetryBase time.Duration
	RetryMax  time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

// Dispatcher fires due one-shot jobs: it claims them from the database, publishes a FiredJob
// envelope keyed by session id, and then deletes the row. The database stays the source of
// truth for redelivery.
type Dispatcher struct {
	store    DueJobStore
	producer Producer
	cfg      DispatcherConfig
	log      zerolog.Logger
}

func NewDispatcher(store DueJobStore, producer Producer, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		store:    store,
		producer: producer,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Run polls for due jobs until ctx is cancelled. In-flight deliveries of the current batch
// finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Int("batch", d.cfg.BatchSize).Int("concurrency", d.cfg.MaxConcurrency).Msg("dispatcher starting")
	defer d.log.Info().Msg("dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("dispatch due jobs")
		}
		if n < d.cfg.BatchSize || err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.PollInterval):
			}
		}
	}
}

// DispatchOnce claims one batch and delivers it, returning how many jobs were claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	due, err := d.store.ClaimDue(ctx, d.cfg.Now(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, job := range due {
		g.Go(func() error {
			if err := d.deliver(ctx, job); err != nil {
				d.log.Warn().Err(err).Str("job", job.Name).Int("attempts", job.Attempts).Msg("job delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

func (d *Dispatcher) deliver(parent context.Context, job DueJob) error {
	fired := FiredJob{
		JobName:     job.Name,
		SessionID:   job.Payload.SessionID,
		Action:      job.Payload.Action,
		ScheduledAt: job.RunAt,
		FiredAt:     d.cfg.Now(),
	}

	ctx, cancel := context.WithTimeout(parent, d.cfg.DeliveryTimeout)
	_, _, _, err := d.producer.ProduceJSON(ctx, []byte(job.Payload.SessionID.String()), fired)
	cancel()
	if err != nil {
		metrics.JobsDispatchedTotal.WithLabelValues(string(job.Payload.Action), "failed").Inc()
		retryAt := d.cfg.Now().Add(d.backoff(job.Attempts))
		// The parent context may already be cancelled; the row must still go back to pending.
		if ferr := d.store.Fail(context.WithoutCancel(parent), job.Name, retryAt, err.Error()); ferr != nil {
			return fmt.Errorf("produce: %v; mark failed: %w", err, ferr)
		}
		return fmt.Errorf("produce: %w", err)
	}

	metrics.JobsDispatchedTotal.WithLabelValues(string(job.Payload.Action), "delivered").Inc()
	if err := d.store.Complete(context.WithoutCancel(parent), job.Name); err != nil {
		// The row's claim lease expires and the job is delivered again; consumers are idempotent.
		return fmt.Errorf("complete: %w", err)
	}
	d.log.Debug().Str("job", job.Name).Str("session_id", job.Payload.SessionID.String()).Msg("job delivered")
	return nil
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	wait := d.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= d.cfg.RetryMax {
			return d.cfg.RetryMax
		}
	}
	return wait
}
