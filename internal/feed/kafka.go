package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"matchbook/internal/breaker"
	"matchbook/internal/common"

	"github.com/segmentio/kafka-go"
)

const publishTimeout = 2 * time.Second

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Kafka publishes every execution as a JSON message keyed by the buy order
// id. Writes go through a breaker so a dead broker costs one fast ErrOpen
// per trade instead of a timeout on the matching goroutine.
type Kafka struct {
	writer  MessageWriter
	breaker *breaker.Breaker
}

func NewKafka(writer MessageWriter, b *breaker.Breaker) *Kafka {
	return &Kafka{writer: writer, breaker: b}
}

func (k *Kafka) ReportTrade(exec common.Execution) error {
	value, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(exec.Trade.BuyID), 10)),
		Value: value,
		Time:  exec.Timestamp,
	}

	return k.breaker.Call(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		return k.writer.WriteMessages(ctx, msg)
	})
}

// ReportQuote is a no-op: the topic carries trades only.
func (k *Kafka) ReportQuote(common.Quote) error { return nil }

func (k *Kafka) Close() error {
	return k.writer.Close()
}
