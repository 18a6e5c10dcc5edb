// Package eventlog decouples conversation-log writes from the chat
// response path: the coordinator publishes fire-and-forget to Kafka, and a
// separate consumer sinks records into ClickHouse for durable storage and
// analytics. Neither write ever blocks a response.
package eventlog

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/config"
)

// Producer publishes ConversationLogRecords to Kafka. A nil Producer is
// valid and Publish becomes a no-op, so Kafka is optional in development.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer builds a Producer from config, or returns nil if Kafka is
// disabled.
func NewProducer(cfg config.KafkaConfig) *Producer {
	if !cfg.Enabled {
		return nil
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.ConversationTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// Publish fires a conversation record at Kafka and returns without waiting
// for the response path to depend on it. Errors are logged, not returned:
// losing a conversation log entry must never fail a chat response.
func (p *Producer) Publish(ctx context.Context, rec catalog.ConversationLogRecord) {
	if p == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Msg("conversation_log_marshal_failed")
		return
	}
	go func() {
		if err := p.writer.WriteMessages(context.Background(), kafka.Message{
			Key:   []byte(rec.SessionID),
			Value: data,
		}); err != nil {
			log.Error().Err(err).Str("session_id", rec.SessionID).Msg("conversation_log_publish_failed")
		}
	}()
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
