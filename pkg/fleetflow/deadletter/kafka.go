package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to a dead-letter topic. Records are keyed by
// vehicle id so that a vehicle's failures stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NewKafkaSink creates a synchronous writer that waits for all in-sync replicas.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    10,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func newKafkaSinkWithWriter(w messageWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

// Append implements Sink.
func (k *KafkaSink) Append(ctx context.Context, rec *Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead-letter record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.VehicleID),
		Value: value,
		Time:  rec.DeadLetteredAt,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(rec.Reason)},
			{Key: "event_id", Value: []byte(rec.EventID)},
			{Key: "attempts", Value: []byte(strconv.Itoa(len(rec.Attempts)))},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish dead-letter record: %w", err)
	}
	return nil
}

// Close implements Sink.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
