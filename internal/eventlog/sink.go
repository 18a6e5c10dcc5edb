package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/drjjw/docutrain-sub002/internal/catalog"
	"github.com/drjjw/docutrain-sub002/internal/config"
)

// Sink consumes the conversation-log topic and writes each record into
// ClickHouse. It runs as a background goroutine separate from the request
// path entirely.
type Sink struct {
	reader *kafkago.Reader
	conn   clickhouse.Conn
}

// NewSink builds a Sink from config, or returns nil if either Kafka or
// ClickHouse is disabled.
func NewSink(ctx context.Context, kafkaCfg config.KafkaConfig, chCfg config.ClickHouseConfig) (*Sink, error) {
	if !kafkaCfg.Enabled || !chCfg.Enabled {
		return nil, nil
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{chCfg.DSN},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: kafkaCfg.Brokers,
		Topic:   kafkaCfg.ConversationTopic,
		GroupID: "docutrain-conversation-log-sink",
	})
	return &Sink{reader: reader, conn: conn}, nil
}

// Run consumes messages until ctx is canceled, inserting each conversation
// record into ClickHouse. A single bad message is logged and skipped
// rather than stalling the whole consumer.
func (s *Sink) Run(ctx context.Context) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("conversation_log_read_failed")
			continue
		}
		var rec catalog.ConversationLogRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Warn().Err(err).Msg("conversation_log_decode_failed")
			continue
		}
		if err := s.insert(ctx, rec); err != nil {
			log.Error().Err(err).Str("session_id", rec.SessionID).Msg("conversation_log_insert_failed")
		}
	}
}

func (s *Sink) insert(ctx context.Context, rec catalog.ConversationLogRecord) error {
	return s.conn.Exec(ctx, `
		INSERT INTO conversation_log
			(session_id, document_ids, owner_id, question, answer, model_used,
			 retrieved_chunks, latency_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.DocumentIDs, rec.OwnerID, rec.Question, rec.Answer, rec.ModelUsed,
		rec.RetrievedChunks, rec.LatencyMS, rec.Error, rec.CreatedAt)
}

func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	if err := s.reader.Close(); err != nil {
		return err
	}
	return s.conn.Close()
}
