package opsnotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"switchboard/internal/domain"
	"switchboard/internal/infra/config"
)

// MessageWriter is the subset of *kafka.Writer the registrar uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous writer. Messages are keyed by spawn id
// and hash-balanced so one spawn's notifications stay ordered on a partition.
func NewKafkaWriter(cfg config.KafkaOpsConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// KafkaRegistrar writes notifications to a Kafka topic.
type KafkaRegistrar struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaRegistrar creates a Kafka-backed registrar.
func NewKafkaRegistrar(writer MessageWriter, timeout time.Duration, logger *slog.Logger) *KafkaRegistrar {
	return &KafkaRegistrar{writer: writer, timeout: timeout, logger: logger}
}

func (k *KafkaRegistrar) Register(ctx context.Context, rec domain.SpawnRecord) error {
	return k.write(ctx, newNotification(KindRegister, rec, ""))
}

func (k *KafkaRegistrar) Deregister(ctx context.Context, rec domain.SpawnRecord, reason string) error {
	return k.write(ctx, newNotification(KindDeregister, rec, reason))
}

func (k *KafkaRegistrar) write(ctx context.Context, n Notification) error {
	data, err := n.encode()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, k.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:     []byte(n.SpawnID),
		Value:   data,
		Time:    n.Timestamp,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(n.Kind)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s %s: %w", n.Kind, n.SpawnID, err)
	}
	k.logger.Debug("ops notification written to kafka", "spawn_id", n.SpawnID, "kind", n.Kind)
	return nil
}

func (k *KafkaRegistrar) Close() error { return k.writer.Close() }
