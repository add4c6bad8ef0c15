// Package telemetry moves tenant load samples over MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

const DefaultTopic = "energy/telemetry"

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// message is the wire form published by meters.
type message struct {
	TenantID  string     `json:"tenant_id"`
	CurrentKW *float64   `json:"current_kw"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Decode parses one payload. A missing timestamp is taken as received.
func Decode(payload []byte, received time.Time) (domain.TelemetrySample, error) {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return domain.TelemetrySample{}, fmt.Errorf("%w: decode telemetry: %v", domain.ErrValidation, err)
	}
	if m.CurrentKW == nil {
		return domain.TelemetrySample{}, fmt.Errorf("%w: current_kw is required", domain.ErrValidation)
	}
	s := domain.TelemetrySample{TenantID: m.TenantID, CurrentKW: *m.CurrentKW, Timestamp: received}
	if m.Timestamp != nil {
		s.Timestamp = *m.Timestamp
	}
	return s, s.Validate()
}

func Encode(s domain.TelemetrySample) ([]byte, error) {
	kw := s.CurrentKW
	ts := s.Timestamp.UTC()
	return json.Marshal(message{TenantID: s.TenantID, CurrentKW: &kw, Timestamp: &ts})
}

// Handler consumes one decoded sample.
type Handler func(ctx context.Context, s domain.TelemetrySample) error

type pahoClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type Client struct {
	cli   pahoClient
	topic string
	qos   byte
	log   zerolog.Logger
	now   func() time.Time
}

func Connect(cfg Config) (*Client, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	c := &Client{
		topic: cfg.Topic,
		qos:   cfg.QoS,
		log:   log.With().Str("component", "telemetry").Logger(),
		now:   time.Now,
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		c.log.Error().Err(err).Msg("mqtt connection lost")
	}
	opts.OnReconnecting = func(paho.Client, *paho.ClientOptions) {
		c.log.Warn().Msg("reconnecting to mqtt broker")
	}
	cli := newMQTTClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	c.cli = cli
	return c, nil
}

func (c *Client) Publish(s domain.TelemetrySample) error {
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	if token := c.cli.Publish(c.topic, c.qos, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", token.Error())
	}
	return nil
}

// Subscribe delivers samples to h until ctx is cancelled. Malformed
// payloads and handler errors are logged and dropped.
func (c *Client) Subscribe(ctx context.Context, h Handler) error {
	cb := func(_ paho.Client, msg paho.Message) {
		c.dispatch(ctx, msg.Topic(), msg.Payload(), h)
	}
	if token := c.cli.Subscribe(c.topic, c.qos, cb); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", c.topic, token.Error())
	}
	c.log.Info().Str("topic", c.topic).Msg("subscribed")
	<-ctx.Done()
	return nil
}

func (c *Client) dispatch(ctx context.Context, topic string, payload []byte, h Handler) {
	s, err := Decode(payload, c.now())
	if err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("dropping telemetry")
		return
	}
	if err := h(ctx, s); err != nil {
		c.log.Error().Err(err).Str("tenant_id", s.TenantID).Msg("ingest failed")
	}
}

func (c *Client) Close() {
	c.cli.Disconnect(250)
}
