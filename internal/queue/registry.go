package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobState 任务键状态
type JobState string

const (
	JobStateNone      JobState = ""
	JobStatePending   JobState = "pending"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Registry Redis 任务键登记表
type Registry struct {
	redis      redis.UniversalClient
	prefix     string
	pendingTTL time.Duration
}

// NewRegistry 创建登记表
// pendingTTL 防止进程在投递前崩溃导致键永久占用
func NewRegistry(rdb redis.UniversalClient, prefix string, pendingTTL time.Duration) *Registry {
	if prefix == "" {
		prefix = "eidos:nft:job"
	}
	if pendingTTL <= 0 {
		pendingTTL = 7 * 24 * time.Hour
	}
	return &Registry{redis: rdb, prefix: prefix, pendingTTL: pendingTTL}
}

func (r *Registry) key(queue, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, queue, key)
}

// Claim 占用任务键，已存在时返回 false
func (r *Registry) Claim(ctx context.Context, queue, key string) (bool, error) {
	return r.redis.SetNX(ctx, r.key(queue, key), string(JobStatePending), r.pendingTTL).Result()
}

// Release 释放占用，投递失败时调用
func (r *Registry) Release(ctx context.Context, queue, key string) error {
	return r.redis.Del(ctx, r.key(queue, key)).Err()
}

// Complete 标记完成，保留 retention 后过期
func (r *Registry) Complete(ctx context.Context, queue, key string, retention time.Duration) error {
	return r.redis.Set(ctx, r.key(queue, key), string(JobStateCompleted), retention).Err()
}

// Fail 标记失败，不过期，需人工 Reset
func (r *Registry) Fail(ctx context.Context, queue, key string) error {
	return r.redis.Set(ctx, r.key(queue, key), string(JobStateFailed), 0).Err()
}

// State 查询任务键状态
func (r *Registry) State(ctx context.Context, queue, key string) (JobState, error) {
	v, err := r.redis.Get(ctx, r.key(queue, key)).Result()
	if errors.Is(err, redis.Nil) {
		return JobStateNone, nil
	}
	if err != nil {
		return JobStateNone, err
	}
	return JobState(v), nil
}

// Reset 清除任务键以便重新入队，返回清除前的状态
func (r *Registry) Reset(ctx context.Context, queue, key string) (JobState, error) {
	v, err := r.redis.GetDel(ctx, r.key(queue, key)).Result()
	if errors.Is(err, redis.Nil) {
		return JobStateNone, nil
	}
	if err != nil {
		return JobStateNone, err
	}
	return JobState(v), nil
}
