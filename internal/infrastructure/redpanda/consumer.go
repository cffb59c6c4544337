package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/observability/metrics"
	"github.com/drfirst/medrecon/internal/observability/tracing"
	"github.com/drfirst/medrecon/pkg/workerpool"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords is the maximum records handled per poll
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// Pool configures the workers records are fanned out to
	Pool workerpool.Config
}

// DefaultConsumerConfig returns defaults for the extracted-prescription consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "medrecon-reconciler",
		Topics:              []string{TopicPrescriptionExtracted},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      500,
		FetchMaxBytes:       52428800, // 50MB
		StartOffset:         "earliest",
		Pool:                workerpool.DefaultConfig(),
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// FailureHandler receives messages whose handler failed for good. Returning
// nil lets the consumer commit past the message.
type FailureHandler func(ctx context.Context, msg *ConsumedMessage, err error) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer polls records and fans them out to a key-ordered worker pool, so
// messages for one patient are handled in partition order while different
// patients proceed concurrently. Offsets are committed only after every
// record of a poll has been handled or handed to the failure handler.
type Consumer struct {
	client    *kgo.Client
	config    ConsumerConfig
	handler   MessageHandler
	onFailure FailureHandler
	pool      *workerpool.Pool
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	messagesRead   int64
	bytesRead      int64
	errorCount     int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer. onFailure may be nil, in
// which case failed records hold back their partition's commit.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, onFailure FailureHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	c := &Consumer{
		config:    cfg,
		handler:   handler,
		onFailure: onFailure,
		metrics:   m,
		logger:    logger,
	}

	pool, err := workerpool.New(cfg.Pool, c.work, logger.Named("workerpool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	c.pool = pool

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("worker pool stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					return
				}
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
				c.incrementErrorCount()
			}
			continue
		}

		if records := fetches.Records(); len(records) > 0 {
			c.processBatch(records)
		}
	}
}

func taskID(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

func toMessage(r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

type topicPartition struct {
	topic     string
	partition int32
}

// processBatch runs one poll through the pool and commits what may be committed.
func (c *Consumer) processBatch(records []*kgo.Record) {
	collected := make(chan map[string]*workerpool.Result, 1)
	go func() {
		got := make(map[string]*workerpool.Result, len(records))
		for len(got) < len(records) {
			r, ok := <-c.pool.Results()
			if !ok {
				break
			}
			got[r.TaskID] = r
		}
		collected <- got
	}()

	messages := make([]*ConsumedMessage, len(records))
	for i, record := range records {
		messages[i] = toMessage(record)
		task := &workerpool.Task{
			ID:      taskID(record),
			Key:     string(record.Key),
			Payload: messages[i],
			Context: extractTraceContext(c.ctx, record),
		}
		if err := c.pool.Submit(c.ctx, task); err != nil {
			c.logger.Warn("stopped dispatching poll", zap.Error(err))
			return
		}
	}

	results := <-collected
	blocked := make(map[topicPartition]bool)
	var commit []*kgo.Record
	for i, record := range records {
		tp := topicPartition{record.Topic, record.Partition}
		if blocked[tp] {
			continue
		}
		res := results[taskID(record)]
		if res == nil || !res.Success {
			err := errors.New("no result")
			if res != nil {
				err = res.Error
			}
			c.incrementErrorCount()
			if !c.fail(messages[i], err) {
				blocked[tp] = true
				continue
			}
		} else {
			c.incrementMetrics(len(record.Value))
		}
		commit = append(commit, record)
	}

	if len(commit) == 0 {
		return
	}
	if err := c.CommitRecords(c.ctx, commit...); err != nil {
		c.logger.Error("failed to commit offsets", zap.Error(err))
	}
}

// fail reports whether the failed message was disposed of
func (c *Consumer) fail(msg *ConsumedMessage, err error) bool {
	c.logger.Error("message handler failed",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))
	if c.onFailure == nil {
		return false
	}
	if ferr := c.onFailure(c.ctx, msg, err); ferr != nil {
		c.logger.Error("failure handler failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(ferr))
		return false
	}
	return true
}

func (c *Consumer) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	msg := task.Payload.(*ConsumedMessage)
	ctx, span := tracing.Start(ctx, "redpanda.consume", string(msg.Key),
		attribute.String("messaging.source", msg.Topic),
		attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
		attribute.Int64("messaging.kafka.offset", msg.Offset))

	err := c.handler(ctx, msg)
	tracing.End(span, err)
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true}
}

// CommitRecords commits the offsets following the given records
func (c *Consumer) CommitRecords(ctx context.Context, records ...*kgo.Record) error {
	if err := c.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}

	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
	return nil
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	LastCommitTime time.Time
	Pool           workerpool.Stats
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BytesRead:      c.bytesRead,
		ErrorCount:     c.errorCount,
		LastCommitTime: c.lastCommitTime,
		Pool:           c.pool.Stats(),
	}
}

func (c *Consumer) incrementMetrics(bytes int) {
	c.mu.Lock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.KafkaMessagesConsumed.Inc()
	}
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
