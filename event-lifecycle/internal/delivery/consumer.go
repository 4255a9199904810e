package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/stagepass/platform/event-lifecycle/internal/jobs"
	"github.com/stagepass/platform/event-lifecycle/internal/lifecycle"
	"github.com/stagepass/platform/event-lifecycle/internal/metrics"
	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

// Handler applies a fired job. *lifecycle.Manager implements it.
type Handler interface {
	OnJobFired(ctx context.Context, sessionID uuid.UUID, action models.JobAction) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// RetryBase and RetryMax bound the backoff between attempts of a failing handler.
	RetryBase time.Duration
	RetryMax  time.Duration

	Logger zerolog.Logger
}

// Consumer reads fired jobs from the session-jobs topic and hands them to a Handler.
// Offsets are committed only after the handler succeeded or the message was discarded, so
// delivery to the handler is at least once.
type Consumer struct {
	reader  messageReader
	handler Handler
	cfg     ConsumerConfig
	log     zerolog.Logger
}

func NewConsumer(cfg ConsumerConfig, h Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: topic and group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return newConsumer(r, h, cfg), nil
}

func newConsumer(r messageReader, h Handler, cfg ConsumerConfig) *Consumer {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	return &Consumer{
		reader:  r,
		handler: h,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "job_consumer").Str("topic", cfg.Topic).Logger(),
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("job consumer started")
	defer c.log.Info().Msg("job consumer stopped")

	fetchBackoff := c.cfg.RetryBase
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("fetch message")
			if !sleep(ctx, fetchBackoff) {
				return nil
			}
			fetchBackoff = min(fetchBackoff*2, c.cfg.RetryMax)
			continue
		}
		fetchBackoff = c.cfg.RetryBase

		if err := c.handle(ctx, msg); err != nil {
			// Only cancellation stops handling; the message stays uncommitted.
			return nil
		}
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.log.Error().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("commit message")
		}
	}
}

// handle returns nil once msg may be committed: applied, or discarded as undeliverable.
// Handler failures are retried with backoff until they succeed or ctx is done.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.log.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	var fired jobs.FiredJob
	if err := json.Unmarshal(msg.Value, &fired); err != nil || fired.SessionID == uuid.Nil {
		log.Warn().Err(err).Bytes("value", msg.Value).Msg("malformed fired job; discarded")
		metrics.JobsConsumedTotal.WithLabelValues("discarded").Inc()
		return nil
	}
	log = log.With().Str("job", fired.JobName).Str("session_id", fired.SessionID.String()).Logger()
	if !fired.Action.Valid() {
		log.Warn().Str("action", string(fired.Action)).Msg("unknown job action; discarded")
		metrics.JobsConsumedTotal.WithLabelValues("discarded").Inc()
		return nil
	}

	backoff := c.cfg.RetryBase
	for {
		err := c.handler.OnJobFired(ctx, fired.SessionID, fired.Action)
		switch {
		case err == nil:
			metrics.JobsConsumedTotal.WithLabelValues("applied").Inc()
			return nil
		case errors.Is(err, lifecycle.ErrInvalidArgument):
			log.Warn().Err(err).Msg("fired job rejected; discarded")
			metrics.JobsConsumedTotal.WithLabelValues("discarded").Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.JobsConsumedTotal.WithLabelValues("retry").Inc()
		log.Error().Err(err).Dur("retry_in", backoff).Msg("apply fired job")
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, c.cfg.RetryMax)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
