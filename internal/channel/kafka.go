package channel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Kafka topic names, one per direction
const (
	TopicCommands  = "bridge.commands"
	TopicTelemetry = "bridge.telemetry"
)

// KafkaWriter publishes frames to one topic
type KafkaWriter struct {
	client *kgo.Client
	topic  string
	key    string
	logger *zap.Logger

	produceCount int64
	errorCount   int64
}

// NewKafkaWriter creates a writer for the given topic. All frames share
// one key so the direction stays FIFO on a single partition.
func NewKafkaWriter(brokers []string, topic, key string, logger *zap.Logger) (*KafkaWriter, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	w := &KafkaWriter{client: client, topic: topic, key: key, logger: logger}

	logger.Info("kafka writer initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
	)

	go w.logStats()

	return w, nil
}

// Write synchronously produces one frame
func (w *KafkaWriter) Write(ctx context.Context, payload []byte) error {
	record := &kgo.Record{
		Topic: w.topic,
		Key:   []byte(w.key),
		Value: payload,
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := w.client.ProduceSync(produceCtx, record)
	if result.FirstErr() != nil {
		atomic.AddInt64(&w.errorCount, 1)
		return fmt.Errorf("failed to produce frame: %w", result.FirstErr())
	}

	atomic.AddInt64(&w.produceCount, 1)
	return nil
}

// Close closes the underlying client
func (w *KafkaWriter) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

func (w *KafkaWriter) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		produced := atomic.LoadInt64(&w.produceCount)
		errors := atomic.LoadInt64(&w.errorCount)
		w.logger.Info("kafka writer stats",
			zap.String("topic", w.topic),
			zap.Int64("produced", produced),
			zap.Int64("errors", errors),
		)
	}
}

// KafkaReader consumes frames from one topic, committing offsets only
// after the handler succeeds
type KafkaReader struct {
	client *kgo.Client
	topic  string
	group  string
	logger *zap.Logger

	running    int32
	pollCount  int64
	errorCount int64
}

// NewKafkaReader creates a consumer-group reader for the given topic
func NewKafkaReader(brokers []string, group, topic string, logger *zap.Logger) (*KafkaReader, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(), // Manual commit after handler success
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	r := &KafkaReader{client: client, topic: topic, group: group, logger: logger}

	logger.Info("kafka reader initialized",
		zap.Strings("brokers", brokers),
		zap.String("group", group),
		zap.String("topic", topic),
	)

	go r.logStats()

	return r, nil
}

// Run polls for frames and calls handler for each
func (r *KafkaReader) Run(ctx context.Context, handler Handler) error {
	r.logger.Info("starting kafka reader",
		zap.String("group", r.group),
		zap.String("topic", r.topic),
	)

	atomic.StoreInt32(&r.running, 1)
	defer atomic.StoreInt32(&r.running, 0)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("kafka reader stopping", zap.String("group", r.group))
			return ctx.Err()
		default:
			fetches := r.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return fmt.Errorf("kafka client closed")
			}

			iter := fetches.RecordIter()
			for !iter.Done() {
				record := iter.Next()

				if err := wire.ValidateFrame(record.Value); err != nil {
					r.logger.Warn("discarding bad frame",
						zap.String("topic", record.Topic),
						zap.Int64("offset", record.Offset),
						zap.Error(err),
					)
					r.client.CommitRecords(ctx, record)
					continue
				}

				err := handleWithRetry(ctx, r.logger, record.Value, handler)
				if err != nil {
					r.logger.Error("handler failed after retries",
						zap.String("topic", record.Topic),
						zap.Int64("offset", record.Offset),
						zap.Error(err),
					)
					atomic.AddInt64(&r.errorCount, 1)
					continue
				}

				r.client.CommitRecords(ctx, record)
				atomic.AddInt64(&r.pollCount, 1)
			}
		}
	}
}

// IsRunning returns whether the reader loop is active
func (r *KafkaReader) IsRunning() bool {
	return atomic.LoadInt32(&r.running) == 1
}

// Close closes the underlying client
func (r *KafkaReader) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

func (r *KafkaReader) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		polls := atomic.LoadInt64(&r.pollCount)
		errors := atomic.LoadInt64(&r.errorCount)
		r.logger.Info("kafka reader stats",
			zap.String("group", r.group),
			zap.Int64("processed", polls),
			zap.Int64("errors", errors),
		)
	}
}
