package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes candidate location snapshots and search outcomes.
// Both are keyed so one candidate's or one request's messages stay ordered.
type KafkaProducer struct {
	writer        messageWriter
	locationTopic string
	outcomeTopic  string
	logger        *slog.Logger
}

func NewKafkaProducer(brokers []string, locationTopic, outcomeTopic string, logger *slog.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, outcomeTopic: outcomeTopic, logger: logger}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, c models.Candidate) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.locationTopic, Key: []byte(c.ID), Value: b})
}

// Notify publishes an outcome. Failures are logged; the search result is
// already durable in the store.
func (k *KafkaProducer) Notify(ctx context.Context, o models.Outcome) {
	b, err := json.Marshal(o)
	if err != nil {
		k.logger.Error("encode outcome", "request_id", o.RequestID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	msg := kafka.Message{
		Topic:   k.outcomeTopic,
		Key:     []byte(o.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "outcome", Value: []byte(o.Kind)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("publish outcome", "request_id", o.RequestID, "outcome", o.Kind, "error", err)
	}
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
