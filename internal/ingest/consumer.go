// Package ingest consumes hazard events from Kafka and upserts them into
// the spatial store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stwalsh4118/echosphere/internal/config"
	"github.com/stwalsh4118/echosphere/internal/logger"
	"github.com/stwalsh4118/echosphere/internal/models"
	"github.com/stwalsh4118/echosphere/internal/services"
)

// retryDelay is the pause before a message whose ingest failed for a
// transient reason is handled again.
const retryDelay = 2 * time.Second

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventIngester stores one decoded event.
type EventIngester interface {
	IngestEvent(ctx context.Context, in services.EventInput) (*models.Event, bool, error)
}

// NewReader creates a consumer-group reader for the events topic. Offsets
// are committed explicitly after each message is stored.
func NewReader(cfg config.KafkaConfig, log *logger.Logger) *kafka.Reader {
	kafkaLog := log.Component("kafka")
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.EventsTopic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		Logger:         kafka.LoggerFunc(kafkaLog.Printf(zerolog.DebugLevel)),
		ErrorLogger:    kafka.LoggerFunc(kafkaLog.Printf(zerolog.ErrorLevel)),
	})
}

// Consumer feeds messages from a reader into the event store.
type Consumer struct {
	reader     MessageReader
	ingester   EventIngester
	log        *logger.Logger
	retryDelay time.Duration
}

// NewConsumer creates a Consumer.
func NewConsumer(reader MessageReader, ingester EventIngester, log *logger.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		ingester:   ingester,
		log:        log.Component("ingest"),
		retryDelay: retryDelay,
	}
}

// Run consumes until ctx is canceled. It returns nil on cancellation and
// the reader's error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Event consumer started", nil)
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Warn("Failed to close event reader", map[string]interface{}{"error": err.Error()})
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Event consumer stopped", nil)
				return nil
			}
			return fmt.Errorf("failed to fetch event message: %w", err)
		}

		if err := c.handleWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit event message: %w", err)
		}
	}
}

// handleWithRetry stores the message, retrying while the store reports a
// transient failure. Messages that can never be stored are logged and
// dropped so they do not block the partition.
func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) error {
	for {
		err := c.handle(ctx, msg)
		if err == nil || !errors.Is(err, models.ErrStorageUnavailable) {
			return nil
		}

		c.log.Warn("Event store unavailable, retrying message", map[string]interface{}{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"error":     err.Error(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	in, err := DecodeEventMessage(msg.Value)
	if err != nil {
		c.log.Warn("Dropping malformed event message", map[string]interface{}{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"error":     err.Error(),
		})
		return err
	}

	event, created, err := c.ingester.IngestEvent(ctx, *in)
	if err != nil {
		if errors.Is(err, models.ErrStorageUnavailable) {
			return err
		}
		c.log.Error("Failed to ingest event", err, map[string]interface{}{
			"external_source_id": in.ExternalSourceID,
			"offset":             msg.Offset,
		})
		return err
	}

	c.log.Debug("Event ingested", map[string]interface{}{
		"external_source_id": event.ExternalSourceID,
		"created":            created,
		"offset":             msg.Offset,
	})
	return nil
}
