// Package delivery carries fired session jobs over Kafka: the dispatcher produces them and the
// lifecycle service consumes them.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts caps writes per message (default 3); WriteTimeout bounds each one (default 10s).
	MaxAttempts  int
	WriteTimeout time.Duration

	// Balancer defaults to hashing the message key, which keeps a session's jobs in order on
	// one partition.
	Balancer kafka.Balancer

	Logger zerolog.Logger
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes fired jobs, retrying failed writes with exponential backoff.
// kafka-go's Writer does not report where a message landed, so partition and offset are -1.
type KafkaProducer struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
	retrier      retry.Retry[time.Time]
}

func NewKafkaProducer(cfg ProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	balancer := cfg.Balancer
	if balancer == nil {
		balancer = &kafka.Hash{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     balancer,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	p := newKafkaProducer(w, cfg)
	w.WriteTimeout = p.writeTimeout
	return p, nil
}

func newKafkaProducer(w messageWriter, cfg ProducerConfig) *KafkaProducer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	log := cfg.Logger.With().Str("component", "job_producer").Str("topic", cfg.Topic).Logger()
	return &KafkaProducer{
		writer:       w,
		topic:        cfg.Topic,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		retrier: retry.New[time.Time](retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			IsRetryable: func(err error) bool {
				return !errors.Is(err, context.Canceled)
			},
			OnRetry: func(attempt int, err error) {
				log.Warn().Err(err).Int("attempt", attempt).Msg("kafka write failed; retrying")
			},
		}),
	}
}

// Produce writes one message, bounding every attempt by the write timeout.
func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) (partition int, offset int64, producedAt time.Time, err error) {
	producedAt, err = p.retrier.Do(ctx, func(ctx context.Context) (time.Time, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}
		if err := p.writer.WriteMessages(attemptCtx, msg); err != nil {
			return time.Time{}, err
		}
		return msg.Time, nil
	})
	switch {
	case err == nil:
		return -1, -1, producedAt, nil
	case ctx.Err() != nil:
		return -1, -1, time.Time{}, fmt.Errorf("produce to %s: %w", p.topic, ctx.Err())
	}
	return -1, -1, time.Time{}, fmt.Errorf("produce to %s failed after %d attempts: %w", p.topic, p.maxAttempts, err)
}

// ProduceJSON encodes v and produces it under key.
func (p *KafkaProducer) ProduceJSON(ctx context.Context, key []byte, v any) (int, int64, time.Time, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return -1, -1, time.Time{}, fmt.Errorf("encode message: %w", err)
	}
	return p.Produce(ctx, key, value)
}

func (p *KafkaProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
