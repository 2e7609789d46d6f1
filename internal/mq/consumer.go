package mq

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes one delivery. A non-nil error dead-letters it.
type MessageHandler func(ctx context.Context, messageID string, body []byte) error

// Consumer reads raw telemetry reports from the ingest queue
type Consumer struct {
	channel          *amqp.Channel
	queue            string
	tag              string
	prefetchCount    int
	logger           *zap.Logger
	messageProcessor MessageHandler
	started          bool
	done             chan struct{}
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer declares the ingest topology and creates a consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := openChannel(cfg)
	if err != nil {
		return nil, err
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	dlx := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, dlx); err != nil {
		// an existing queue declared without DLX fails the precondition and
		// the broker closes the channel, so retry on a fresh one
		cfg.Logger.Warn("failed to declare queue with DLX, trying without DLX",
			zap.String("queue", cfg.Queue),
			zap.Error(err))
		if ch, err = openChannel(cfg); err != nil {
			return nil, err
		}
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:          ch,
		queue:            cfg.Queue,
		tag:              "gps-ingest-" + uuid.New().String(),
		prefetchCount:    cfg.PrefetchCount,
		logger:           cfg.Logger,
		messageProcessor: cfg.MessageProcessor,
		done:             make(chan struct{}),
	}, nil
}

func openChannel(cfg ConsumerConfig) (*amqp.Channel, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return ch, nil
}

// Start starts consuming messages. Up to prefetchCount deliveries are
// processed concurrently.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		c.tag, // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	workers := c.prefetchCount
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					c.processMessage(ctx, msg)
				}
			}
		}()
	}

	c.started = true
	go func() {
		wg.Wait()
		c.logger.Info("consumer stopped", zap.String("queue", c.queue))
		close(c.done)
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	c.logger.Debug("received message from queue",
		zap.String("queue", c.queue),
		zap.String("message_id", msg.MessageId),
		zap.Int("body_size", len(msg.Body)),
	)

	if err := c.messageProcessor(ctx, msg.MessageId, msg.Body); err != nil {
		c.logger.Warn("report not accepted, dead-lettering",
			zap.Error(err),
			zap.String("message_id", msg.MessageId),
		)

		// NACK with requeue=false sends to DLQ
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Close stops new deliveries, waits for in-flight ones to be acked or ctx to
// expire, then closes the channel. Unprocessed prefetched deliveries are
// returned to the queue by the broker.
func (c *Consumer) Close(ctx context.Context) error {
	if c.channel == nil {
		return nil
	}
	if c.started {
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", zap.String("queue", c.queue), zap.Error(err))
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			c.logger.Warn("closing consumer with deliveries in flight", zap.String("queue", c.queue))
		}
	}
	return c.channel.Close()
}
