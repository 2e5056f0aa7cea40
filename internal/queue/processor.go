package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

var (
	ErrPanic        = errors.New("handler panicked")
	errLeaseExpired = errors.New("lease expired with no attempts left")
)

var tracer = otel.Tracer("github.com/d60-Lab/feedfanout/internal/queue")

// Handler 处理一次投递；返回错误则按退避重试，重试耗尽进入死信
type Handler func(ctx context.Context, d *Delivery) error

// DeadLetterFunc 任务进入死信后的业务回调
type DeadLetterFunc func(ctx context.Context, d *Delivery, cause error) error

// Route 队列名到处理器的绑定
type Route struct {
	Handler          Handler
	OnDeadLetter     DeadLetterFunc
	Concurrency      int
	GroupConcurrency int
}

// Routes 队列名 -> Route
type Routes map[string]Route

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误，任务直接进入死信
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Run 为每个 route 启动处理循环，ctx 取消后等待在途任务结束再返回
func (q *Queue) Run(ctx context.Context, routes Routes) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, route := range routes {
		name, route := name, route
		g.Go(func() error { return q.Process(ctx, name, route) })
	}
	return g.Wait()
}

// Process 轮询单个队列并执行任务
func (q *Queue) Process(ctx context.Context, name string, route Route) error {
	if route.Handler == nil {
		return fmt.Errorf("process %s: nil handler", name)
	}
	route = normalizeRoute(route)

	slots := make(chan struct{}, route.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	pace := rate.NewLimiter(rate.Every(q.cfg.PollInterval), 1)
	logger.Info("queue processor started",
		zap.String("queue", name),
		zap.Int("concurrency", route.Concurrency),
		zap.Int("group_concurrency", route.GroupConcurrency))

	for {
		if err := pace.Wait(ctx); err != nil {
			logger.Info("queue processor stopping", zap.String("queue", name))
			return nil
		}
		free := route.Concurrency - len(slots)
		if free <= 0 {
			continue
		}

		jobs, err := q.claim(ctx, name, route, free)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Warn("claim jobs failed", zap.String("queue", name), zap.Error(err))
		}
		for _, j := range jobs {
			slots <- struct{}{}
			wg.Add(1)
			go func(j *model.Job) {
				defer wg.Done()
				defer func() { <-slots }()
				q.execute(ctx, name, route, j)
			}(j)
		}
	}
}

// Drain 同步执行所有当前可领取的任务（包括执行中新入队的），直到没有就绪任务为止。
// 用于测试与运维回放，返回执行的任务数。
func (q *Queue) Drain(ctx context.Context, routes Routes) (int, error) {
	total := 0
	for {
		ran := 0
		for name, route := range routes {
			if route.Handler == nil {
				return total, fmt.Errorf("drain %s: nil handler", name)
			}
			route = normalizeRoute(route)
			// claim 出错时已领取的任务仍要执行，否则它们占着租约和分组槽位直到过期
			jobs, err := q.claim(ctx, name, route, route.Concurrency)
			var wg sync.WaitGroup
			for _, j := range jobs {
				wg.Add(1)
				go func(j *model.Job) {
					defer wg.Done()
					q.execute(ctx, name, route, j)
				}(j)
			}
			wg.Wait()
			ran += len(jobs)
			if err != nil {
				return total + ran, err
			}
		}
		total += ran
		if ran == 0 {
			return total, ctx.Err()
		}
	}
}

func normalizeRoute(r Route) Route {
	if r.Concurrency <= 0 {
		r.Concurrency = 1
	}
	if r.GroupConcurrency <= 0 {
		r.GroupConcurrency = 1
	}
	return r
}

// claim 按 id 顺序扫描候选任务并领取最多 n 个。
// 某分组槽位获取失败后，本轮跳过该分组后续任务，保证组内按入队顺序执行。
func (q *Queue) claim(ctx context.Context, name string, route Route, n int) ([]*model.Job, error) {
	now := q.now()
	cands, err := q.store.Candidates(ctx, name, now, route.GroupConcurrency, n*4)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	blocked := make(map[string]bool)
	claimed := make([]*model.Job, 0, n)
	for _, j := range cands {
		if len(claimed) >= n {
			break
		}
		if j.GroupKey != "" && blocked[j.GroupKey] {
			continue
		}

		token := uuid.NewString()
		if j.GroupKey != "" {
			ok, err := q.limiter.Acquire(ctx, slotKey(name, j.GroupKey), route.GroupConcurrency, token, q.cfg.LeaseTimeout)
			if err != nil {
				return claimed, err
			}
			if !ok {
				blocked[j.GroupKey] = true
				continue
			}
		}

		won, err := q.store.MarkRunning(ctx, j, token, now.Add(q.cfg.LeaseTimeout), now)
		if err != nil || !won {
			q.releaseSlot(name, j.GroupKey, token)
			if err != nil {
				return claimed, err
			}
			if j.GroupKey != "" {
				blocked[j.GroupKey] = true
			}
			continue
		}

		j.Status = model.JobStatusRunning
		j.Attempts++
		j.LeaseToken = token
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (q *Queue) releaseSlot(name, group, token string) {
	if group == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.limiter.Release(ctx, slotKey(name, group), token); err != nil {
		// 槽位会随 TTL 过期
		logger.Warn("release group slot failed", zap.String("queue", name), zap.String("group", group), zap.Error(err))
	}
}

func (q *Queue) execute(ctx context.Context, name string, route Route, j *model.Job) {
	defer q.releaseSlot(name, j.GroupKey, j.LeaseToken)

	d := newDelivery(j)
	// 关闭时让在途任务跑完，由 JobTimeout 兜底
	bg := context.WithoutCancel(ctx)

	if d.Attempt > d.MaxAttempts {
		q.bury(bg, route, j, d, errLeaseExpired)
		return
	}

	runCtx, cancel := context.WithTimeout(bg, q.cfg.JobTimeout)
	defer cancel()
	runCtx, span := tracer.Start(runCtx, "queue.process "+name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("queue.name", name),
			attribute.Int64("queue.job_id", int64(j.ID)),
			attribute.String("queue.group_key", j.GroupKey),
			attribute.Int("queue.attempt", d.Attempt),
		))
	defer span.End()

	started := time.Now()
	err := invoke(runCtx, route.Handler, d)
	if err == nil {
		if cerr := q.store.Complete(bg, j.ID, j.LeaseToken, q.now()); cerr != nil {
			logger.Warn("complete job failed", zap.String("queue", name), zap.Uint64("job_id", j.ID), zap.Error(cerr))
		}
		logger.Debug("job done",
			zap.String("queue", name),
			zap.Uint64("job_id", j.ID),
			zap.Int("attempt", d.Attempt),
			zap.Duration("took", time.Since(started)))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var perm *permanentError
	if errors.As(err, &perm) || d.LastAttempt() {
		q.bury(bg, route, j, d, err)
		return
	}

	delay := retryDelay(q.cfg.BackoffBase, q.cfg.BackoffMax, d.Attempt)
	if rerr := q.store.Retry(bg, j.ID, j.LeaseToken, q.now().Add(delay), err.Error(), q.now()); rerr != nil {
		logger.Warn("schedule retry failed", zap.String("queue", name), zap.Uint64("job_id", j.ID), zap.Error(rerr))
		return
	}
	logger.Warn("job failed, will retry",
		zap.String("queue", name),
		zap.Uint64("job_id", j.ID),
		zap.String("group", j.GroupKey),
		zap.Int("attempt", d.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
}

func (q *Queue) bury(ctx context.Context, route Route, j *model.Job, d *Delivery, cause error) {
	if err := q.store.Bury(ctx, j.ID, j.LeaseToken, cause.Error(), q.now()); err != nil {
		logger.Warn("bury job failed", zap.String("queue", j.Queue), zap.Uint64("job_id", j.ID), zap.Error(err))
		return
	}
	logger.Error("job dead-lettered",
		zap.String("queue", j.Queue),
		zap.Uint64("job_id", j.ID),
		zap.String("group", j.GroupKey),
		zap.Int("attempt", d.Attempt),
		zap.Error(cause))

	if route.OnDeadLetter != nil {
		if err := route.OnDeadLetter(ctx, d, cause); err != nil {
			logger.Warn("dead-letter hook failed", zap.String("queue", j.Queue), zap.Uint64("job_id", j.ID), zap.Error(err))
		}
	}
	if q.reporter != nil {
		q.reporter.Report(ctx, d, cause)
	}
}

func invoke(ctx context.Context, h Handler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return h(ctx, d)
}
