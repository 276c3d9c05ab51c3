// Package statusfeed consumes provider delivery-status payloads from Kafka
// and hands them to status ingestion.
package statusfeed

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/unclebandit/campaign-dispatch/internal/ingest"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Applier interface {
	Apply(ctx context.Context, events []model.StatusEvent) (ingest.Result, error)
}

// Consumer reads provider webhook bodies relayed onto a topic. An offset is
// committed only after its events were applied, so a crash replays them;
// ingestion is idempotent.
type Consumer struct {
	Reader  MessageReader
	Ingest  Applier
	Backoff time.Duration
	Logger  zerolog.Logger
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func NewConsumer(reader MessageReader, applier Applier, logger zerolog.Logger) *Consumer {
	return &Consumer{
		Reader:  reader,
		Ingest:  applier,
		Backoff: time.Second,
		Logger:  logger.With().Str("component", "statusfeed").Logger(),
	}
}

// Run consumes until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.Logger.With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	events, err := provider.ParseWebhook(msg.Value)
	if err != nil {
		log.Warn().Err(err).Msg("undecodable status payload skipped")
		return c.Reader.CommitMessages(ctx, msg)
	}

	for {
		res, err := c.Ingest.Apply(ctx, events)
		if err == nil {
			log.Debug().Int("applied", res.Applied).Int("ignored", res.Ignored).Msg("status payload consumed")
			return c.Reader.CommitMessages(ctx, msg)
		}
		log.Error().Err(err).Msg("status apply failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff):
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if err := c.Reader.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
