package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/homeward-matching/internal/models"
)

// Producer publishes engine events to one Kafka topic.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Producer{writer: w}
}

type envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func (p *Producer) publish(ctx context.Context, key, event string, payload interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(envelope{Event: event, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

// PublishDriverLocation forwards a location ping for the consumer to fold
// into the Redis GEO index.
func (p *Producer) PublishDriverLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

// PublishMatch emits an accepted homeward match.
func (p *Producer) PublishMatch(ctx context.Context, rec *models.MatchRecord) error {
	return p.publish(ctx, rec.RideID, "homeward_match_accepted", rec)
}

// PublishSettlement emits an escrow lifecycle event.
func (p *Producer) PublishSettlement(ctx context.Context, it *models.PaymentIntent, event string) error {
	return p.publish(ctx, it.ID, event, it)
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
