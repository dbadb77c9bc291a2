package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/config"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaRecorder publishes events as JSON, keyed by event ID.
type KafkaRecorder struct {
	writer messageWriter
	topic  string
	lg     lg.Logger
}

func NewKafkaRecorder(cfg config.AuditConfig, logger lg.Logger) *KafkaRecorder {
	if logger == nil {
		logger = lg.Discard
	}
	return &KafkaRecorder{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
		lg:    logger,
	}
}

func (r *KafkaRecorder) Record(ctx context.Context, ev Event) error {
	message, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   ev.ID[:],
		Value: message,
		Time:  ev.Time,
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			r.lg.Error("Kafka topic does not exist",
				lg.String("topic", r.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

func (r *KafkaRecorder) Close() error {
	return r.writer.Close()
}

type messageReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Consumer reads JSON payloads of type T from a topic and commits each one
// once decoded.
type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg config.AuditConfig, groupID string) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     groupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MaxWait:     time.Second,
	})
	return &Consumer[T]{reader: r}
}

func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return zero, fmt.Errorf("failed to decode message at offset %d: %w", msg.Offset, err)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}

	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}

// Tail reads events until ctx is done, handing each to fn. It returns nil
// when ctx ends the loop.
func Tail(ctx context.Context, c *Consumer[Event], fn func(Event)) error {
	for {
		ev, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(ev)
	}
}
