package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/posedge/fleet/internal/events"
)

// RocketMQConfig configures the RocketMQ adapter.
type RocketMQConfig struct {
	NameServers   []string `yaml:"name_servers"`
	AccessKey     string   `yaml:"access_key"`
	SecretKey     string   `yaml:"secret_key"`
	Namespace     string   `yaml:"namespace"`
	TopicPrefix   string   `yaml:"topic_prefix"`
	ConsumerGroup string   `yaml:"consumer_group"`
	MaxReconsume  int      `yaml:"max_reconsume"`
	ConsumeBatch  int      `yaml:"consume_batch"`
	ConsumeFrom   string   `yaml:"consume_from"`
}

// RocketMQ adapts RocketMQ as the fleet event transport. The producer
// shards by event source so per-location ordering is preserved within a
// topic; handler errors yield ConsumeRetryLater, giving at-least-once
// semantics.
type RocketMQ struct {
	cfg RocketMQConfig

	mu     sync.Mutex
	prod   rocketmq.Producer
	cons   rocketmq.PushConsumer
	consUp bool
}

var _ Broker = (*RocketMQ)(nil)

// NewRocketMQ creates and starts the producer side of the adapter.
func NewRocketMQ(cfg RocketMQConfig) (*RocketMQ, error) {
	if len(cfg.NameServers) == 0 {
		return nil, fmt.Errorf("rocketmq: no name servers configured")
	}
	prod, err := rocketmq.NewProducer(
		producer.WithNameServer(cfg.NameServers),
		producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}),
		producer.WithNamespace(strings.TrimSpace(cfg.Namespace)),
		producer.WithRetry(2),
	)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := prod.Start(); err != nil {
		return nil, fmt.Errorf("start rocketmq producer: %w", err)
	}
	return &RocketMQ{cfg: cfg, prod: prod}, nil
}

// Publish sends the event to its family topic, keyed by source.
func (b *RocketMQ) Publish(ctx context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return &PermanentError{Reason: err.Error()}
	}
	body, err := json.Marshal(event)
	if err != nil {
		return &PermanentError{Reason: fmt.Sprintf("encode event: %v", err)}
	}

	b.mu.Lock()
	prod := b.prod
	b.mu.Unlock()
	if prod == nil {
		return fmt.Errorf("rocketmq producer closed: %w", ErrUnavailable)
	}

	msg := primitive.NewMessage(TopicFor(event.Type, b.cfg.TopicPrefix), body)
	msg.WithShardingKey(event.Source)
	msg.WithProperty("type", string(event.Type))
	msg.WithProperty("source", event.Source)

	if _, err := prod.SendSync(ctx, msg); err != nil {
		return fmt.Errorf("rocketmq send: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers a handler for a topic and lazily starts the push
// consumer on first use.
func (b *RocketMQ) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cons == nil {
		opts := []consumer.Option{
			consumer.WithGroupName(b.consumerGroup()),
			consumer.WithNameServer(b.cfg.NameServers),
			consumer.WithCredentials(primitive.Credentials{
				AccessKey: b.cfg.AccessKey,
				SecretKey: b.cfg.SecretKey,
			}),
			consumer.WithNamespace(strings.TrimSpace(b.cfg.Namespace)),
		}
		if b.cfg.MaxReconsume > 0 {
			opts = append(opts, consumer.WithMaxReconsumeTimes(int32(b.cfg.MaxReconsume)))
		}
		if b.cfg.ConsumeBatch > 0 {
			opts = append(opts, consumer.WithConsumeMessageBatchMaxSize(b.cfg.ConsumeBatch))
		}
		switch strings.ToLower(strings.TrimSpace(b.cfg.ConsumeFrom)) {
		case "first":
			opts = append(opts, consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset))
		case "latest":
			opts = append(opts, consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset))
		}
		cons, err := rocketmq.NewPushConsumer(opts...)
		if err != nil {
			return fmt.Errorf("create rocketmq consumer: %w", err)
		}
		b.cons = cons
	}

	err := b.cons.Subscribe(topic, consumer.MessageSelector{}, func(c context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, msg := range msgs {
			var event events.Event
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				// Undecodable bodies would retry forever; let the
				// redelivery budget exhaust them.
				return consumer.ConsumeRetryLater, nil
			}
			if err := handler(c, &event); err != nil {
				if IsPermanent(err) {
					continue
				}
				return consumer.ConsumeRetryLater, nil
			}
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", topic, err)
	}

	if !b.consUp {
		if err := b.cons.Start(); err != nil {
			return fmt.Errorf("start rocketmq consumer: %w", err)
		}
		b.consUp = true
	}
	return nil
}

// Close shuts down the producer and consumer.
func (b *RocketMQ) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prod != nil {
		_ = b.prod.Shutdown()
		b.prod = nil
	}
	if b.cons != nil {
		_ = b.cons.Shutdown()
		b.cons = nil
	}
	b.consUp = false
	return nil
}

func (b *RocketMQ) consumerGroup() string {
	if strings.TrimSpace(b.cfg.ConsumerGroup) != "" {
		return b.cfg.ConsumerGroup
	}
	return "fleet-command-center"
}
