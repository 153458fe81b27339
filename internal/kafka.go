package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ConversionEvent is the message published when a job finishes.
type ConversionEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Job        Job       `json:"job"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher writes one message per terminal job, keyed by job id so all
// events for a job land on the same partition.
type EventPublisher struct {
	writer messageWriter
}

func NewEventPublisher(cfg *KafkaConfig) *EventPublisher {
	return &EventPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *EventPublisher) JobChanged(ctx context.Context, job Job) error {
	if !job.Status.IsTerminal() {
		return nil
	}
	value, err := json.Marshal(ConversionEvent{
		Type:       "conversion." + string(job.Status),
		OccurredAt: job.UpdatedAt,
		Job:        job,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal conversion event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(job.ID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(job.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish conversion event: %w", err)
	}
	return nil
}

func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
