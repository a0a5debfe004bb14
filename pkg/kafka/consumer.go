package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one event. Returning an error triggers a retry.
type Handler func(ctx context.Context, event *Event) error

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
	// MaxAttempts bounds handler executions per message. Zero means 3.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number. Zero means 100ms.
	RetryBackoff time.Duration
	// DeadLetter receives messages that could not be decoded or handled.
	// Nil drops them after logging.
	DeadLetter DeadLetterPublisher
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as part of a consumer group. Offsets are
// committed after the handler succeeds, or after the message is given up on
// so that a poison message cannot block the partition.
type Consumer struct {
	reader    messageReader
	cfg       ConsumerConfig
	handler   Handler
	metrics   *Metrics
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewConsumer creates a consumer. metrics may be nil.
func NewConsumer(cfg ConsumerConfig, handler Handler, metrics *Metrics, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	return newConsumer(r, cfg, handler, metrics, logger)
}

func newConsumer(r messageReader, cfg ConsumerConfig, handler Handler, metrics *Metrics, logger *slog.Logger) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Consumer{reader: r, cfg: cfg, handler: handler, metrics: metrics, logger: logger}
}

// Start consumes until ctx is canceled, then closes the reader.
func (c *Consumer) Start(ctx context.Context) error {
	log := c.logger.With(slog.String("topic", c.cfg.Topic), slog.String("group", c.cfg.GroupID))
	log.Info("consumer started")
	defer func() {
		log.Info("consumer stopped")
		_ = c.Close()
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("fetch message failed", slog.String("error", err.Error()))
			if !sleep(ctx, c.cfg.RetryBackoff) {
				return nil
			}
			continue
		}

		err = c.process(ctx, msg, log)
		if ctx.Err() != nil {
			// Leave the offset uncommitted so the message is redelivered.
			return nil
		}
		c.metrics.observeConsumed(msg.Topic, c.cfg.GroupID, err)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error("commit message failed",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message, log *slog.Logger) error {
	event, err := DecodeEvent(msg.Value)
	if err != nil {
		log.Error("skipping undecodable message",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		c.deadLetter(ctx, msg, err, log)
		return err
	}

	ctx = extractTrace(ctx, &msg)

	for attempt := 1; ; attempt++ {
		err = c.handler(ctx, event)
		if err == nil {
			return nil
		}
		if attempt >= c.cfg.MaxAttempts {
			log.Error("handler failed after all attempts, skipping message",
				slog.String("event_id", event.EventID),
				slog.String("event_type", event.EventType),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			c.deadLetter(ctx, msg, err, log)
			return err
		}

		log.Warn("handler failed, retrying",
			slog.String("event_id", event.EventID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if !sleep(ctx, time.Duration(attempt)*c.cfg.RetryBackoff) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error, log *slog.Logger) {
	if c.cfg.DeadLetter == nil {
		return
	}
	if err := c.cfg.DeadLetter.PublishDeadLetter(ctx, msg, cause, c.cfg.GroupID); err != nil {
		log.Error("failed to dead-letter message",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the reader. Safe to call more than once.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.reader.Close() })
	return c.closeErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
