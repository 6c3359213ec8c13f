package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/metrics"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

var ErrProducerClosed = errors.New("producer is closed")

// Enqueuer 任务入队接口
type Enqueuer interface {
	// Enqueue 入队，键重复时返回 false 且不报错
	Enqueue(ctx context.Context, queue, key string, payload interface{}, policy RetryPolicy) (bool, error)
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewSyncProducer 创建 sarama 同步生产者
func NewSyncProducer(cfg *ProducerConfig) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	return sarama.NewSyncProducer(cfg.Brokers, config)
}

// Queue 任务队列生产端
type Queue struct {
	producer sarama.SyncProducer
	registry *Registry
	prefix   string

	mu     sync.RWMutex
	closed bool
}

// New 创建队列
func New(producer sarama.SyncProducer, registry *Registry, topicPrefix string) *Queue {
	return &Queue{producer: producer, registry: registry, prefix: topicPrefix}
}

// Topic 队列对应的 topic
func (q *Queue) Topic(queue string) string {
	if q.prefix == "" {
		return queue
	}
	return q.prefix + "-" + queue
}

// DeadTopic 死信 topic
func (q *Queue) DeadTopic(queue string) string {
	return q.Topic(queue) + ".dead"
}

// Registry 任务键登记表
func (q *Queue) Registry() *Registry {
	return q.registry
}

// Enqueue 入队
func (q *Queue) Enqueue(ctx context.Context, queue, key string, payload interface{}, policy RetryPolicy) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal job payload: %w", err)
	}

	claimed, err := q.registry.Claim(ctx, queue, key)
	if err != nil {
		return false, fmt.Errorf("claim job key: %w", err)
	}
	if !claimed {
		metrics.JobsTotal.WithLabelValues(queue, "duplicate").Inc()
		logger.Debug("duplicate job ignored",
			zap.String("queue", queue),
			zap.String("key", key))
		return false, nil
	}

	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	job := &Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Key:         key,
		Attempt:     1,
		MaxAttempts: attempts,
		BackoffMs:   policy.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UnixMilli(),
		Payload:     data,
	}

	if err := q.publish(q.Topic(queue), job); err != nil {
		if relErr := q.registry.Release(context.WithoutCancel(ctx), queue, key); relErr != nil {
			logger.Error("failed to release job key",
				zap.String("queue", queue),
				zap.String("key", key),
				zap.Error(relErr))
		}
		return false, err
	}

	metrics.JobsTotal.WithLabelValues(queue, "enqueued").Inc()
	return true, nil
}

// publish 投递任务信封
func (q *Queue) publish(topic string, job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrProducerClosed
	}

	value, err := json.Marshal(job)
	if err != nil {
		return err
	}

	partition, offset, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(job.Key),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", job.Key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close 关闭生产者
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.producer.Close()
}
