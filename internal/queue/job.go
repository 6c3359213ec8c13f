// Package queue 基于 Kafka 的任务队列
//
// 每个队列对应一个 topic `<prefix>-<queue>`，重试耗尽的任务进入 `<topic>.dead`。
// 任务键在 Redis 中登记，同一个键在 pending/completed/failed 状态下重复入队会被忽略。
package queue

import (
	"encoding/json"
	"time"
)

// RetryPolicy 重试策略，固定退避
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Job 队列任务信封
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Key         string          `json:"key"`
	Attempt     int             `json:"attempt"` // 从 1 开始
	MaxAttempts int             `json:"max_attempts"`
	BackoffMs   int64           `json:"backoff_ms"`
	NotBefore   int64           `json:"not_before,omitempty"` // unix 毫秒，重试任务的最早执行时间
	EnqueuedAt  int64           `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Decode 解析任务负载
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Exhausted 是否已用完重试次数
func (j *Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// Backoff 重试间隔
func (j *Job) Backoff() time.Duration {
	return time.Duration(j.BackoffMs) * time.Millisecond
}

// nextAttempt 生成下一次重试的任务
func (j *Job) nextAttempt(now time.Time, cause error) *Job {
	next := *j
	next.Attempt++
	next.NotBefore = now.Add(j.Backoff()).UnixMilli()
	if cause != nil {
		next.LastError = cause.Error()
	}
	return &next
}
