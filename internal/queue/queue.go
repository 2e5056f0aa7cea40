// Package queue is a durable job queue on top of the jobs table.
//
// It supports delayed jobs, bulk enqueue, idempotency keys that deduplicate
// against unfinished jobs, and group concurrency: jobs sharing a group key run
// with bounded parallelism while different groups are independent. Delivery is
// at-least-once; handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/d60-Lab/feedfanout/internal/model"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrNotDead      = errors.New("job is not dead-lettered")
)

// Store 是队列的持久层（见 repository.JobRepository）
type Store interface {
	// Insert 批量写入；与未完成任务幂等键冲突的行被忽略，返回实际写入数
	Insert(ctx context.Context, jobs []*model.Job) (int64, error)
	// Candidates 返回可领取的任务：到期的 pending 或租约过期的 running，
	// 每个分组最多 perGroup 个，按 id 升序
	Candidates(ctx context.Context, queue string, now time.Time, perGroup, limit int) ([]*model.Job, error)
	// MarkRunning 以 (id, status, lease_token) 做 CAS 领取任务
	MarkRunning(ctx context.Context, job *model.Job, token string, lockedUntil, now time.Time) (bool, error)
	Complete(ctx context.Context, id uint64, token string, now time.Time) error
	Retry(ctx context.Context, id uint64, token string, runAt time.Time, lastErr string, now time.Time) error
	Bury(ctx context.Context, id uint64, token string, lastErr string, now time.Time) error
	DeadLetters(ctx context.Context, queue string, limit int) ([]*model.Job, error)
	// Requeue 把死信任务重置为 pending；同幂等键已有未完成任务时返回 repository.ErrDuplicatePending
	Requeue(ctx context.Context, id uint64, now time.Time) (bool, error)
}

// Options 单个任务的入队参数
type Options struct {
	Delay          time.Duration
	GroupKey       string
	IdempotencyKey string
	MaxAttempts    int
}

// Message 批量入队的一项
type Message struct {
	Payload any
	Options Options
}

// Enqueuer 是业务组件依赖的最小入队接口
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts Options) (bool, error)
	EnqueueBulk(ctx context.Context, queue string, msgs []Message) (int, error)
}

// Config 队列运行参数
type Config struct {
	PollInterval time.Duration
	JobTimeout   time.Duration
	LeaseTimeout time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.LeaseTimeout <= c.JobTimeout {
		c.LeaseTimeout = c.JobTimeout + 30*time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase * 64
	}
}

// DeadLetterReporter 接收耗尽重试的任务（例如上报 Sentry）
type DeadLetterReporter interface {
	Report(ctx context.Context, d *Delivery, err error)
}

// Queue 持久化任务队列
type Queue struct {
	store    Store
	limiter  GroupLimiter
	reporter DeadLetterReporter
	cfg      Config
	now      func() time.Time
}

// New 创建队列。limiter 为 nil 时使用进程内限流（仅适合单实例）。
func New(store Store, limiter GroupLimiter, cfg Config) *Queue {
	cfg.applyDefaults()
	if limiter == nil {
		limiter = NewLocalLimiter()
	}
	return &Queue{
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithReporter 设置死信上报
func (q *Queue) WithReporter(r DeadLetterReporter) *Queue {
	q.reporter = r
	return q
}

// Enqueue 持久化一个任务。幂等键与未完成任务冲突时不重复写入并返回 false。
func (q *Queue) Enqueue(ctx context.Context, queue string, payload any, opts Options) (bool, error) {
	n, err := q.EnqueueBulk(ctx, queue, []Message{{Payload: payload, Options: opts}})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EnqueueBulk 批量入队，语义同 Enqueue；返回实际写入的任务数。
func (q *Queue) EnqueueBulk(ctx context.Context, queue string, msgs []Message) (int, error) {
	if queue == "" {
		return 0, fmt.Errorf("enqueue: %w: empty name", ErrUnknownQueue)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	now := q.now()
	seen := make(map[string]struct{}, len(msgs))
	jobs := make([]*model.Job, 0, len(msgs))
	for _, m := range msgs {
		if k := m.Options.IdempotencyKey; k != "" {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}

		body, err := json.Marshal(m.Payload)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: marshal payload: %w", queue, err)
		}
		maxAttempts := m.Options.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = q.cfg.MaxAttempts
		}
		job := &model.Job{
			Queue:       queue,
			Status:      model.JobStatusPending,
			RunAt:       now.Add(m.Options.Delay),
			GroupKey:    m.Options.GroupKey,
			Payload:     string(body),
			MaxAttempts: maxAttempts,
		}
		if k := m.Options.IdempotencyKey; k != "" {
			job.IdempotencyKey = &k
		}
		jobs = append(jobs, job)
	}

	n, err := q.store.Insert(ctx, jobs)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return int(n), nil
}

// DeadLetters 列出某队列的死信任务
func (q *Queue) DeadLetters(ctx context.Context, queue string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.store.DeadLetters(ctx, queue, limit)
}

// Requeue 将死信任务重置为 pending，保留原 payload（含游标）
func (q *Queue) Requeue(ctx context.Context, id uint64) error {
	ok, err := q.store.Requeue(ctx, id, q.now())
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("requeue job %d: %w", id, ErrNotDead)
	}
	return nil
}

// Delivery 交给 handler 的一次投递
type Delivery struct {
	ID          uint64
	Queue       string
	GroupKey    string
	Attempt     int
	MaxAttempts int
	Payload     []byte
}

// Decode 反序列化 payload
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %d: %w", d.Queue, d.ID, err)
	}
	return nil
}

// LastAttempt 本次失败后是否会进入死信
func (d *Delivery) LastAttempt() bool { return d.Attempt >= d.MaxAttempts }

func newDelivery(j *model.Job) *Delivery {
	return &Delivery{
		ID:          j.ID,
		Queue:       j.Queue,
		GroupKey:    j.GroupKey,
		Attempt:     j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Payload:     []byte(j.Payload),
	}
}
