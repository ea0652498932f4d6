package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"mfa-service/internal/model"
)

// Producer publishes a message on a topic.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes access logs keyed by phone number so one user's events stay ordered.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, entry *model.AccessLog) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode access log: %w", err)
	}
	headers := map[string]string{"action": string(entry.Action)}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(entry.PhoneNumber), value, headers)
}

// RowWriter inserts one row into an analytics table.
type RowWriter interface {
	InsertAccessLog(ctx context.Context, entry *model.AccessLog) error
}

type ClickHouseSink struct {
	writer RowWriter
}

func NewClickHouseSink(writer RowWriter) *ClickHouseSink {
	return &ClickHouseSink{writer: writer}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, entry *model.AccessLog) error {
	return s.writer.InsertAccessLog(ctx, entry)
}

// Indexer stores a JSON document under an id.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticsearchSink struct {
	indexer Indexer
	index   string
}

func NewElasticsearchSink(indexer Indexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, entry *model.AccessLog) error {
	return s.indexer.IndexDocument(ctx, s.index, entry.ID, entry)
}
