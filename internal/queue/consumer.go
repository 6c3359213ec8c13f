package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-nft/internal/alert"
	"github.com/eidos-exchange/eidos-nft/internal/metrics"
	apperrors "github.com/eidos-exchange/eidos-nft/pkg/errors"
	"github.com/eidos-exchange/eidos-nft/pkg/logger"
)

// Handler 任务处理器
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle 实现 Handler
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// NewConsumerGroup 创建 sarama 消费组
func NewConsumerGroup(brokers []string, groupID, clientID string) (sarama.ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = clientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	return sarama.NewConsumerGroup(brokers, groupID, config)
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Queue       string
	Concurrency int           // 并发处理数，默认 1
	Retention   time.Duration // 完成任务键的保留时间
}

// Consumer 单个队列的消费者
type Consumer struct {
	cfg     ConsumerConfig
	group   sarama.ConsumerGroup
	queue   *Queue
	handler Handler
	alerter alert.Alerter
	pool    pond.Pool
	logger  *zap.Logger
	now     func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	processedCount atomic.Int64
	retryCount     atomic.Int64
	deadCount      atomic.Int64
}

// NewConsumer 创建消费者
func NewConsumer(group sarama.ConsumerGroup, q *Queue, handler Handler, alerter alert.Alerter, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}
	if alerter == nil {
		alerter = alert.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:     cfg,
		group:   group,
		queue:   q,
		handler: handler,
		alerter: alerter,
		pool:    pond.NewPool(cfg.Concurrency),
		logger:  logger.Named("queue").With(zap.String("queue", cfg.Queue)),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动消费
func (c *Consumer) Start() {
	topics := []string{c.queue.Topic(c.cfg.Queue)}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(c.ctx, topics, c); err != nil {
				c.logger.Error("consumer error", zap.Error(err))
				select {
				case <-c.ctx.Done():
				case <-time.After(time.Second):
				}
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	c.logger.Info("consumer started",
		zap.Strings("topics", topics),
		zap.Int("concurrency", c.cfg.Concurrency))
}

// Stop 停止消费，等待进行中的任务结束
func (c *Consumer) Stop() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.pool.StopAndWait()
		err = c.group.Close()
		c.logger.Info("consumer stopped")
	})
	return err
}

// Setup 实现 sarama.ConsumerGroupHandler
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("consumer session setup",
		zap.Int32("generation", session.GenerationID()),
		zap.String("member", session.MemberID()))
	return nil
}

// Cleanup 实现 sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("consumer session cleanup",
		zap.Int32("generation", session.GenerationID()))
	return nil
}

type inflight struct {
	msg  *sarama.ConsumerMessage
	task pond.Task
	ack  atomic.Bool
}

// ConsumeClaim 实现 sarama.ConsumerGroupHandler
// 任务并发执行，offset 按消息顺序提交
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	pending := make(chan *inflight, c.cfg.Concurrency)
	committed := make(chan struct{})

	go func() {
		defer close(committed)
		halted := false
		for f := range pending {
			if f.task != nil {
				_ = f.task.Wait()
			}
			// 未确认的消息之后不再提交，等待重新投递
			if halted || !f.ack.Load() {
				halted = true
				continue
			}
			session.MarkMessage(f.msg, "")
		}
	}()
	defer func() {
		close(pending)
		<-committed
	}()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			f := &inflight{msg: msg}

			job, err := decodeJob(msg.Value)
			if err != nil {
				c.logger.Error("drop malformed job",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				f.ack.Store(true)
				pending <- f
				continue
			}

			f.task = c.pool.Submit(func() {
				f.ack.Store(c.process(c.ctx, job))
			})
			pending <- f

		case <-session.Context().Done():
			return nil
		}
	}
}

func decodeJob(value []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(value, &job); err != nil {
		return nil, err
	}
	if job.Key == "" || job.Queue == "" {
		return nil, fmt.Errorf("job envelope missing key or queue")
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	return &job, nil
}

// process 执行一个任务，返回消息是否可以确认
func (c *Consumer) process(ctx context.Context, job *Job) bool {
	if job.NotBefore > 0 {
		wait := time.UnixMilli(job.NotBefore).Sub(c.now())
		if wait > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(wait):
			}
		}
	}

	log := c.logger.With(
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts))

	start := time.Now()
	err := c.handler.Handle(logger.NewContext(ctx, zap.String("job_key", job.Key)), job)
	metrics.JobDuration.WithLabelValues(c.cfg.Queue).Observe(time.Since(start).Seconds())

	if err == nil {
		c.processedCount.Add(1)
		metrics.JobsTotal.WithLabelValues(c.cfg.Queue, "completed").Inc()
		if err := c.queue.registry.Complete(context.WithoutCancel(ctx), job.Queue, job.Key, c.cfg.Retention); err != nil {
			log.Warn("failed to mark job completed", zap.Error(err))
		}
		return true
	}

	// 停机时中断的任务不确认，重启后重新投递
	if ctx.Err() != nil {
		log.Warn("job interrupted by shutdown", zap.Error(err))
		return false
	}

	if apperrors.IsRetryable(err) && !job.Exhausted() {
		next := job.nextAttempt(c.now(), err)
		if pubErr := c.queue.publish(c.queue.Topic(job.Queue), next); pubErr != nil {
			log.Error("failed to schedule retry", zap.Error(pubErr))
			return false
		}
		c.retryCount.Add(1)
		metrics.JobsTotal.WithLabelValues(c.cfg.Queue, "retried").Inc()
		log.Warn("job failed, retry scheduled",
			zap.Duration("backoff", job.Backoff()),
			zap.Error(err))
		return true
	}

	return c.deadLetter(ctx, job, err, log)
}

// deadLetter 标记失败并投递死信
func (c *Consumer) deadLetter(ctx context.Context, job *Job, cause error, log *zap.Logger) bool {
	ctx = context.WithoutCancel(ctx)

	dead := *job
	dead.LastError = cause.Error()
	if err := c.queue.publish(c.queue.DeadTopic(job.Queue), &dead); err != nil {
		log.Error("failed to publish dead letter", zap.Error(err))
		return false
	}
	if err := c.queue.registry.Fail(ctx, job.Queue, job.Key); err != nil {
		log.Error("failed to mark job failed", zap.Error(err))
	}

	c.deadCount.Add(1)
	metrics.JobsTotal.WithLabelValues(c.cfg.Queue, "dead").Inc()

	severity := alert.SeverityWarning
	if !apperrors.IsValidation(cause) && !apperrors.IsConflict(cause) {
		severity = alert.SeverityCritical
		metrics.StuckJobsTotal.WithLabelValues(c.cfg.Queue).Inc()
	}
	log.Error("job moved to dead letter",
		zap.String("severity", string(severity)),
		zap.Error(cause))

	c.alerter.SendAsync(ctx, &alert.Alert{
		Key:      fmt.Sprintf("job:%s:%s", job.Queue, job.Key),
		Title:    "stuck job",
		Message:  fmt.Sprintf("queue %s job %s failed after %d attempt(s): %v", job.Queue, job.Key, job.Attempt, cause),
		Severity: severity,
		Tags: map[string]string{
			"queue": job.Queue,
			"key":   job.Key,
		},
	})
	return true
}

// Stats 返回统计信息
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"processed_count": c.processedCount.Load(),
		"retry_count":     c.retryCount.Load(),
		"dead_count":      c.deadCount.Load(),
	}
}
