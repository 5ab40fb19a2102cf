package egress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

type RabbitConfig struct {
	Enabled    bool
	URL        string
	Endpoints  []string
	Exchange   string
	RoutingKey string
	TLS        RabbitTLSConfig
	Auth       RabbitAuthConfig
}

type RabbitTLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type RabbitAuthConfig struct {
	Username string
	Password string
}

func (c *RabbitConfig) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "sensor-frames"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "frames.%d"
	}
}

func (c RabbitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return errors.New("rabbitmq.exchange is required")
	}
	if c.endpoint() == "" {
		return errors.New("rabbitmq.url or rabbitmq.endpoints is required")
	}
	return nil
}

func (c RabbitConfig) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// RabbitPublisher publishes frame envelopes to a topic exchange with a
// per-stream routing key.
type RabbitPublisher struct {
	cfg  RabbitConfig
	conn *amqp091.Connection

	mu sync.Mutex
	ch *amqp091.Channel
}

func NewRabbitPublisher(cfg RabbitConfig) (*RabbitPublisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	if tlsCfg, err := buildRabbitTLS(cfg.TLS); err != nil {
		return nil, err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitPublisher{cfg: cfg, conn: conn, ch: ch}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, env *FrameEnvelope) error {
	if err := ValidateEnvelope(env); err != nil {
		return err
	}
	body, err := MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := p.cfg.RoutingKey
	if strings.Contains(key, "%d") {
		key = fmt.Sprintf(key, env.StreamId)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, amqp091.Publishing{
		ContentType: "application/x-protobuf",
		Body:        body,
		Headers: amqp091.Table{
			"stream_id": int64(env.StreamId),
			"sequence":  int64(env.Sequence),
		},
	})
	if err != nil {
		return fmt.Errorf("publish stream %d: %w", env.StreamId, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildRabbitTLS(cfg RabbitTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
