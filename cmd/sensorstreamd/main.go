package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"sensorstream/internal/config"
	"sensorstream/internal/egress"
	"sensorstream/internal/recorder"
	"sensorstream/internal/server"
	"sensorstream/internal/stream"
)

func main() {
	cfgPath := flag.String("config", "sensorstream.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []stream.FrameSink

	var pubs []egress.Publisher
	if cfg.Egress.Kafka.Enabled {
		pub, err := egress.NewKafkaPublisher(egress.KafkaConfig{
			Enabled:  true,
			Brokers:  cfg.Egress.Kafka.Brokers,
			Topic:    cfg.Egress.Kafka.Topic,
			ClientID: cfg.Egress.Kafka.ClientID,
		})
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		pubs = append(pubs, pub)
	}
	if cfg.Egress.RabbitMQ.Enabled {
		pub, err := egress.NewRabbitPublisher(egress.RabbitConfig{
			Enabled:    true,
			URL:        cfg.Egress.RabbitMQ.URL,
			Exchange:   cfg.Egress.RabbitMQ.Exchange,
			RoutingKey: cfg.Egress.RabbitMQ.RoutingKey,
			Auth:       egress.RabbitAuthConfig{Username: cfg.Egress.RabbitMQ.Username, Password: cfg.Egress.RabbitMQ.Password},
		})
		if err != nil {
			log.Fatalf("rabbitmq publisher: %v", err)
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) > 0 {
		dispatcher := egress.NewDispatcher(egress.DispatcherConfig{QueueCapacity: cfg.Egress.QueueCapacity}, pubs...)
		defer dispatcher.Close()
		sinks = append(sinks, dispatcher)
	}

	if cfg.Recorder.SQLite.Enabled {
		store, err := recorder.NewSQLiteStore(cfg.Recorder.SQLite.BaseDir)
		if err != nil {
			log.Fatalf("frame recorder: %v", err)
		}
		sink := recorder.NewSink(store, cfg.Egress.QueueCapacity)
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	registry := stream.NewRegistry(stream.NewAccounting(), sinks...)
	srv := server.NewServer(server.Config{
		Address:           cfg.Server.Address,
		CreateOnSubscribe: cfg.Server.CreateOnSubscribe,
	}, registry)

	log.Printf("sensorstreamd node=%s listening on %s (kafka=%t rabbitmq=%t recorder=%t)",
		cfg.Server.NodeID, cfg.Server.Address,
		cfg.Egress.Kafka.Enabled, cfg.Egress.RabbitMQ.Enabled, cfg.Recorder.SQLite.Enabled)

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
