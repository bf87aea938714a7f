package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Sender delivers one keyed message to a topic
type Sender interface {
	Send(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

type Producer struct {
	writer *kafka.Writer
}

// NewProducer returns a Kafka producer. The topic travels on each message so
// one writer serves every event stream.
func NewProducer(brokers []string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer) Send(ctx context.Context, topic string, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// LogSender writes events to the debug log. Used when no brokers are configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, topic string, key, value []byte) error {
	log.Debug().Str("component", "events").Str("topic", topic).Bytes("key", key).RawJSON("event", value).Msg("event")
	return nil
}

func (LogSender) Close() error { return nil }

// NewSender picks the Kafka producer when brokers are configured
func NewSender(brokers []string) Sender {
	if len(brokers) == 0 {
		return LogSender{}
	}
	return NewProducer(brokers)
}
