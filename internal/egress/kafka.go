package egress

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	Auth     KafkaAuthConfig
}

type KafkaAuthConfig struct {
	TLS KafkaTLSConfig
}

type KafkaTLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c *KafkaConfig) withDefaults() {
	if c.Topic == "" {
		c.Topic = "sensor-frames"
	}
}

func (c KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// KafkaPublisher produces frame envelopes onto one topic, keyed by stream
// id so a stream's frames land on one partition in order.
type KafkaPublisher struct {
	cfg    KafkaConfig
	client *kgo.Client
}

func NewKafkaPublisher(cfg KafkaConfig, opts ...kgo.Opt) (*KafkaPublisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &KafkaPublisher{cfg: cfg, client: cl}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, env *FrameEnvelope) error {
	if err := ValidateEnvelope(env); err != nil {
		return err
	}
	value, err := MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, env.StreamId)
	rec := &kgo.Record{Key: key, Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce stream %d: %w", env.StreamId, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
