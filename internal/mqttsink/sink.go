// Package mqttsink mirrors telemetry payloads to an MQTT broker.
package mqttsink

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt broker not connected")

const (
	publishTimeout = time.Second
	disconnectWait = 250 // milliseconds
)

// Config holds the broker connection settings.
type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes each telemetry payload to a fixed topic at QoS 0.
type Sink struct {
	client  publisher
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a sink with an auto-reconnecting paho client. Call Connect
// before publishing.
func New(cfg Config, logger *slog.Logger) *Sink {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", cfg.Broker, "topic", cfg.Topic)
	})

	return newSink(mqtt.NewClient(opts), cfg.Topic, cfg.ConnectTimeout, logger)
}

func newSink(client publisher, topic string, timeout time.Duration, logger *slog.Logger) *Sink {
	return &Sink{
		client:  client,
		topic:   topic,
		timeout: timeout,
		logger:  logger,
	}
}

// Connect starts the broker connection and waits up to the connect timeout
// for it. On timeout the client keeps retrying in the background and the
// error is only informational.
func (s *Sink) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("connecting to MQTT broker: timed out after %s, retrying in background", s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	return nil
}

// Publish sends payload to the configured topic. It implements
// bridge.TelemetrySink.
func (s *Sink) Publish(payload []byte) error {
	if !s.client.IsConnected() {
		metrics.MQTTPublishes.WithLabelValues("skipped").Inc()
		return ErrNotConnected
	}

	token := s.client.Publish(s.topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.MQTTPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing to %s: timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		metrics.MQTTPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing to %s: %w", s.topic, err)
	}

	metrics.MQTTPublishes.WithLabelValues("success").Inc()
	s.logger.Debug("telemetry mirrored to MQTT", "topic", s.topic, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.client.Disconnect(disconnectWait)
}
