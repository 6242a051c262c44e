package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/posedge/fleet/internal/events"
)

// MQTTConfig configures the MQTT adapter used by edge agents for uplink
// over constrained site networks.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTT adapts an MQTT broker to the transport contract. QoS 1 gives
// at-least-once delivery with per-client ordering, which matches the
// per-source ordering requirement since each edge agent is one client.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
}

var _ Broker = (*MQTT)(nil)

// NewMQTT connects a client to the configured broker.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, fmt.Errorf("mqtt: broker_url is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fleet-edge"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetConnectTimeout(cfg.ConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout: %w", ErrUnavailable)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w: %v", ErrUnavailable, err)
	}
	return &MQTT{cfg: cfg, client: client}, nil
}

// Publish sends the event at QoS 1 to its family topic. MQTT topic
// levels use '/' so the dotted topic name is converted.
func (b *MQTT) Publish(ctx context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return &PermanentError{Reason: err.Error()}
	}
	body, err := json.Marshal(event)
	if err != nil {
		return &PermanentError{Reason: fmt.Sprintf("encode event: %v", err)}
	}
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt disconnected: %w", ErrUnavailable)
	}

	token := b.client.Publish(b.mqttTopic(TopicFor(event.Type, b.cfg.TopicPrefix)), 1, false, body)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	case <-done:
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers a handler at QoS 1. Handler failures leave the
// message unacknowledged so the broker redelivers it.
func (b *MQTT) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	token := b.client.Subscribe(b.mqttTopic(topic), 1, func(_ mqtt.Client, msg mqtt.Message) {
		var event events.Event
		if err := json.Unmarshal(msg.Payload(), &event); err != nil {
			msg.Ack()
			return
		}
		if err := handler(ctx, &event); err != nil && !IsPermanent(err) {
			return
		}
		msg.Ack()
	})
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe timeout: %w", ErrUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

// Close disconnects the client, allowing in-flight messages to drain.
func (b *MQTT) Close() error {
	b.client.Disconnect(250)
	return nil
}

func (b *MQTT) mqttTopic(topic string) string {
	return strings.ReplaceAll(topic, ".", "/")
}
