package mqttsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/gps-telemetry-ingest/internal/config"
	"go.uber.org/zap"
)

// Handler ingests one message. fallbackID is the device id taken from the topic.
type Handler func(ctx context.Context, messageID, fallbackID string, body []byte) error

// Subscriber receives telemetry reports pushed by devices over MQTT
type Subscriber struct {
	cfg     config.MQTTConfig
	client  mqtt.Client
	handler Handler
	logger  *zap.Logger

	ctx      context.Context
	inflight sync.WaitGroup
}

// NewSubscriber creates a subscriber; nothing connects until Start
func NewSubscriber(cfg config.MQTTConfig, handler Handler, logger *zap.Logger) *Subscriber {
	s := &Subscriber{cfg: cfg, handler: handler, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	// resubscribe after every reconnect since the session is clean
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(cfg.Topic, cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", zap.String("topic", cfg.Topic), zap.Error(token.Error()))
			return
		}
		logger.Info("mqtt subscribed", zap.String("topic", cfg.Topic), zap.Uint8("qos", cfg.QoS))
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects to the broker. Handlers run with ctx until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	s.logger.Info("mqtt subscriber started", zap.String("broker", s.cfg.BrokerURL))
	return nil
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.handler(ctx, "", DeviceFromTopic(msg.Topic()), msg.Payload()); err != nil {
		s.logger.Warn("mqtt report not accepted",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
	}
}

// Stop unsubscribes, disconnects and waits for in-flight handlers or ctx
func (s *Subscriber) Stop(ctx context.Context) error {
	if !s.client.IsConnected() {
		return nil
	}
	if token := s.client.Unsubscribe(s.cfg.Topic); token.WaitTimeout(time.Second) && token.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", zap.Error(token.Error()))
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.client.Disconnect(250)
	s.logger.Info("mqtt subscriber stopped")
	return nil
}

// DeviceFromTopic returns the second level of a topic such as
// "gps/IMEI123/push", or "" when it has none.
func DeviceFromTopic(topic string) string {
	levels := strings.Split(topic, "/")
	if len(levels) < 2 {
		return ""
	}
	id := strings.TrimSpace(levels[1])
	if id == "+" || id == "#" {
		return ""
	}
	return id
}
