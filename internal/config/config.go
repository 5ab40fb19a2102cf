package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Egress   EgressConfig   `mapstructure:"egress"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Feature  FeatureConfig  `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID            string `mapstructure:"node_id"`
	Address           string `mapstructure:"address"`
	CreateOnSubscribe bool   `mapstructure:"create_on_subscribe"`
}

type EgressConfig struct {
	QueueCapacity int            `mapstructure:"queue_capacity"`
	Kafka         KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ      RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type RabbitMQConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
}

type RecorderConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseDir string `mapstructure:"base_dir"`
}

type FeatureConfig struct {
	AllowMultipleSinks bool `mapstructure:"allow_multiple_sinks"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("sensorstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:2000")
	v.SetDefault("server.create_on_subscribe", true)
	v.SetDefault("egress.queue_capacity", 1024)
	v.SetDefault("recorder.sqlite.base_dir", "frames")
	v.SetDefault("feature.allow_multiple_sinks", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Egress.Kafka.Enabled && len(c.Egress.Kafka.Brokers) == 0 {
		return fmt.Errorf("egress.kafka.brokers is required")
	}
	if c.Egress.RabbitMQ.Enabled && c.Egress.RabbitMQ.URL == "" {
		return fmt.Errorf("egress.rabbitmq.url is required")
	}
	if !c.Feature.AllowMultipleSinks {
		enabled := 0
		if c.Egress.Kafka.Enabled {
			enabled++
		}
		if c.Egress.RabbitMQ.Enabled {
			enabled++
		}
		if c.Recorder.SQLite.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple sinks enabled while feature.allow_multiple_sinks=false")
		}
	}
	return nil
}
