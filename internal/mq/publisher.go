package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// IngestedEvent announces an accepted telemetry record
type IngestedEvent struct {
	EventID        string    `json:"event_id"`
	RequestID      string    `json:"request_id,omitempty"`
	RecordID       int64     `json:"record_id"`
	DeviceID       *int64    `json:"device_id"`
	ExternalID     string    `json:"external_id"`
	Latitude       string    `json:"latitude"`
	Longitude      string    `json:"longitude"`
	Speed          float64   `json:"speed"`
	Heading        float64   `json:"heading"`
	BatteryVoltage float64   `json:"battery_voltage"`
	SignalStrength float64   `json:"signal_strength"`
	RecordedAt     time.Time `json:"recorded_at"`
	Degraded       bool      `json:"degraded"`
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// PublishIngested publishes an accepted record event
func (p *Publisher) PublishIngested(ctx context.Context, event IngestedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.EventID,
			Timestamp:    event.RecordedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published ingested event",
		zap.String("routing_key", p.routingKey),
		zap.String("event_id", event.EventID),
		zap.Int64("record_id", event.RecordID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

// NopPublisher discards events; used when RabbitMQ is not configured
type NopPublisher struct{}

// PublishIngested does nothing
func (NopPublisher) PublishIngested(context.Context, IngestedEvent) error {
	return nil
}
