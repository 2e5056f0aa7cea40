package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/internal/testutil"
)

type testPayload struct {
	Group string `json:"group"`
	Seq   int    `json:"seq"`
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, repository.JobRepository, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	jobs := repository.NewJobRepository(db)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffMax = 2 * time.Millisecond
	}
	return New(jobs, nil, cfg), jobs, db
}

func countJobs(t *testing.T, db *gorm.DB, status model.JobStatus) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Job{}).Where("status = ?", status).Count(&n).Error)
	return n
}

func runUntil(t *testing.T, q *Queue, routes Routes, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx, routes) }()
	require.Eventually(t, done, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	q, _, db := newTestQueue(t, Config{})
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, "publish", testPayload{Seq: 1}, Options{IdempotencyKey: "c1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, "publish", testPayload{Seq: 2}, Options{IdempotencyKey: "c1"})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate key against an unfinished job is a no-op")
	assert.Equal(t, int64(1), countJobs(t, db, model.JobStatusPending))

	// 相同键可进入另一个队列
	ok, err = q.Enqueue(ctx, "other", testPayload{Seq: 3}, Options{IdempotencyKey: "c1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyKeyReusableAfterCompletion(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()
	var runs atomic.Int32
	routes := Routes{"publish": {Handler: func(context.Context, *Delivery) error {
		runs.Add(1)
		return nil
	}}}

	_, err := q.Enqueue(ctx, "publish", testPayload{}, Options{IdempotencyKey: "c1"})
	require.NoError(t, err)
	n, err := q.Drain(ctx, routes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := q.Enqueue(ctx, "publish", testPayload{}, Options{IdempotencyKey: "c1"})
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = q.Drain(ctx, routes)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
}

func TestEnqueueBulkDeduplicates(t *testing.T) {
	q, _, db := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "publish", testPayload{}, Options{IdempotencyKey: "c0"})
	require.NoError(t, err)

	n, err := q.EnqueueBulk(ctx, "publish", []Message{
		{Payload: testPayload{Seq: 0}, Options: Options{IdempotencyKey: "c0"}},
		{Payload: testPayload{Seq: 1}, Options: Options{IdempotencyKey: "c1"}},
		{Payload: testPayload{Seq: 2}, Options: Options{IdempotencyKey: "c1"}},
		{Payload: testPayload{Seq: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(3), countJobs(t, db, model.JobStatusPending))
}

func TestEnqueueRejectsEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	_, err := q.Enqueue(context.Background(), "", testPayload{}, Options{})
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestDelayedJobNotClaimedEarly(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()
	routes := Routes{"publish": {Handler: func(context.Context, *Delivery) error { return nil }}}

	_, err := q.Enqueue(ctx, "publish", testPayload{}, Options{Delay: time.Hour})
	require.NoError(t, err)
	n, err := q.Drain(ctx, routes)
	require.NoError(t, err)
	assert.Zero(t, n)

	q.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err = q.Drain(ctx, routes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGroupSerialization(t *testing.T) {
	q, _, db := newTestQueue(t, Config{})
	ctx := context.Background()

	const perGroup = 5
	for i := 0; i < perGroup; i++ {
		for _, g := range []string{"A", "B"} {
			_, err := q.Enqueue(ctx, "fanout", testPayload{Group: g, Seq: i}, Options{GroupKey: g})
			require.NoError(t, err)
		}
	}

	var (
		mu        sync.Mutex
		active    = map[string]int{}
		maxActive = map[string]int{}
		global    int
		maxGlobal int
		order     = map[string][]int{}
		done      atomic.Int32
	)
	handler := func(_ context.Context, d *Delivery) error {
		var p testPayload
		if err := d.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		active[p.Group]++
		global++
		if active[p.Group] > maxActive[p.Group] {
			maxActive[p.Group] = active[p.Group]
		}
		if global > maxGlobal {
			maxGlobal = global
		}
		order[p.Group] = append(order[p.Group], p.Seq)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active[p.Group]--
		global--
		mu.Unlock()
		done.Add(1)
		return nil
	}

	runUntil(t, q, Routes{"fanout": {Handler: handler, Concurrency: 4, GroupConcurrency: 1}},
		func() bool { return done.Load() == 2*perGroup })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive["A"])
	assert.Equal(t, 1, maxActive["B"])
	assert.GreaterOrEqual(t, maxGlobal, 2, "different groups run in parallel")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order["A"])
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order["B"])
	assert.Equal(t, int64(2*perGroup), countJobs(t, db, model.JobStatusDone))
}

func TestGroupConcurrencyAboveOne(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, "fanout", testPayload{Group: "A", Seq: i}, Options{GroupKey: "A"})
		require.NoError(t, err)
	}

	var active, maxActive, done atomic.Int32
	handler := func(context.Context, *Delivery) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return nil
	}

	runUntil(t, q, Routes{"fanout": {Handler: handler, Concurrency: 8, GroupConcurrency: 2}},
		func() bool { return done.Load() == 6 })
	assert.LessOrEqual(t, maxActive.Load(), int32(2))
}

func TestRetryThenDeadLetter(t *testing.T) {
	q, jobs, _ := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, "fanout", testPayload{Seq: 7}, Options{GroupKey: "g1"})
	require.NoError(t, err)
	require.True(t, ok)

	var attempts []int
	var mu sync.Mutex
	var buried atomic.Int32
	route := Route{
		Handler: func(_ context.Context, d *Delivery) error {
			mu.Lock()
			attempts = append(attempts, d.Attempt)
			mu.Unlock()
			return errors.New("store unavailable")
		},
		OnDeadLetter: func(_ context.Context, d *Delivery, cause error) error {
			var p testPayload
			assert.NoError(t, d.Decode(&p))
			assert.Equal(t, 7, p.Seq)
			assert.EqualError(t, cause, "store unavailable")
			buried.Add(1)
			return nil
		},
	}
	runUntil(t, q, Routes{"fanout": route}, func() bool { return buried.Load() == 1 })

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	dead, err := q.DeadLetters(ctx, "fanout", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "store unavailable", dead[0].LastError)

	require.NoError(t, q.Requeue(ctx, dead[0].ID))
	j, err := jobs.Get(ctx, dead[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, j.Status)
	assert.Zero(t, j.Attempts)
	assert.Equal(t, dead[0].Payload, j.Payload)

	assert.ErrorIs(t, q.Requeue(ctx, dead[0].ID), ErrNotDead)
}

func TestRequeueKeepsIdempotencyKeyUnique(t *testing.T) {
	q, jobs, _ := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "refresh", testPayload{Seq: 1}, Options{IdempotencyKey: "c1"})
	require.NoError(t, err)
	_, err = q.Drain(ctx, Routes{"refresh": {Handler: func(context.Context, *Delivery) error {
		return errors.New("boom")
	}}})
	require.NoError(t, err)
	dead, err := q.DeadLetters(ctx, "refresh", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	ok, err := q.Enqueue(ctx, "refresh", testPayload{Seq: 2}, Options{IdempotencyKey: "c1"})
	require.NoError(t, err)
	require.True(t, ok)

	err = q.Requeue(ctx, dead[0].ID)
	assert.ErrorIs(t, err, repository.ErrDuplicatePending)
	j, err := jobs.Get(ctx, dead[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDead, j.Status)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxAttempts: 5})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "fanout", testPayload{}, Options{})
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = q.Drain(ctx, Routes{"fanout": {Handler: func(context.Context, *Delivery) error {
		calls.Add(1)
		return Permanent(errors.New("bad payload"))
	}}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	dead, err := q.DeadLetters(ctx, "fanout", 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestPanicCountsAsFailedAttempt(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "fanout", testPayload{}, Options{})
	require.NoError(t, err)

	_, err = q.Drain(ctx, Routes{"fanout": {Handler: func(context.Context, *Delivery) error {
		panic("nil map")
	}}})
	require.NoError(t, err)

	dead, err := q.DeadLetters(ctx, "fanout", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "nil map")
}

func TestHandlerDeadline(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{MaxAttempts: 1, JobTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "fanout", testPayload{}, Options{})
	require.NoError(t, err)

	_, err = q.Drain(ctx, Routes{"fanout": {Handler: func(ctx context.Context, _ *Delivery) error {
		<-ctx.Done()
		return ctx.Err()
	}}})
	require.NoError(t, err)

	dead, err := q.DeadLetters(ctx, "fanout", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, context.DeadlineExceeded.Error())
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q, _, db := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	stale := &model.Job{
		Queue: "fanout", Status: model.JobStatusRunning, RunAt: past, Payload: `{"seq":1}`,
		Attempts: 1, MaxAttempts: 3, LockedUntil: &past, LeaseToken: "crashed-worker",
	}
	exhausted := &model.Job{
		Queue: "fanout", Status: model.JobStatusRunning, RunAt: past, Payload: `{"seq":2}`,
		Attempts: 3, MaxAttempts: 3, LockedUntil: &past, LeaseToken: "crashed-worker",
	}
	require.NoError(t, db.Create(stale).Error)
	require.NoError(t, db.Create(exhausted).Error)

	var seen []int
	_, err := q.Drain(ctx, Routes{"fanout": {Handler: func(_ context.Context, d *Delivery) error {
		var p testPayload
		assert.NoError(t, d.Decode(&p))
		seen = append(seen, p.Seq)
		assert.Equal(t, 2, d.Attempt)
		return nil
	}}})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, seen)
	assert.Equal(t, int64(1), countJobs(t, db, model.JobStatusDone))
	assert.Equal(t, int64(1), countJobs(t, db, model.JobStatusDead))
}

func TestDrainPicksUpFollowUps(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "pages", testPayload{Seq: 0}, Options{GroupKey: "g"})
	require.NoError(t, err)

	var pages []int
	handler := func(ctx context.Context, d *Delivery) error {
		var p testPayload
		if err := d.Decode(&p); err != nil {
			return err
		}
		pages = append(pages, p.Seq)
		if p.Seq < 2 {
			_, err := q.Enqueue(ctx, "pages", testPayload{Seq: p.Seq + 1}, Options{
				GroupKey:       "g",
				IdempotencyKey: fmt.Sprintf("page:%d", p.Seq+1),
			})
			return err
		}
		return nil
	}
	n, err := q.Drain(ctx, Routes{"pages": {Handler: handler}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{0, 1, 2}, pages)
}

func TestLocalLimiter(t *testing.T) {
	testLimiter(t, func(now func() time.Time) GroupLimiter {
		l := NewLocalLimiter()
		l.now = now
		return l
	})
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	testLimiter(t, func(now func() time.Time) GroupLimiter {
		l := NewRedisLimiter(rdb)
		l.now = now
		return l
	})
}

func testLimiter(t *testing.T, build func(now func() time.Time) GroupLimiter) {
	t.Helper()
	ctx := context.Background()
	clock := time.Now()
	l := build(func() time.Time { return clock })
	key := slotKey("fanout", "g1")

	ok, err := l.Acquire(ctx, key, 2, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Acquire(ctx, key, 2, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, key, 2, "c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "limit reached")

	ok, err = l.Acquire(ctx, key, 2, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its own slot")

	require.NoError(t, l.Release(ctx, key, "a"))
	ok, err = l.Acquire(ctx, key, 2, "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// 过期槽位被回收
	clock = clock.Add(2 * time.Minute)
	ok, err = l.Acquire(ctx, key, 1, "d", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	other := slotKey("fanout", "g2")
	ok, err = l.Acquire(ctx, other, 1, "e", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "groups are independent")
}

func TestRetryDelay(t *testing.T) {
	d1 := retryDelay(100*time.Millisecond, time.Second, 1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d1), float64(11*time.Millisecond))

	d3 := retryDelay(100*time.Millisecond, time.Second, 3)
	assert.InDelta(t, float64(400*time.Millisecond), float64(d3), float64(41*time.Millisecond))

	d10 := retryDelay(100*time.Millisecond, time.Second, 10)
	assert.LessOrEqual(t, d10, 1100*time.Millisecond)
}

// flakyClaimStore 第 failOn 次 MarkRunning 返回错误
type flakyClaimStore struct {
	repository.JobRepository
	failOn int32
	marks  atomic.Int32
}

func (s *flakyClaimStore) MarkRunning(ctx context.Context, job *model.Job, token string, lockedUntil, now time.Time) (bool, error) {
	if s.marks.Add(1) == s.failOn {
		return false, errors.New("connection reset")
	}
	return s.JobRepository.MarkRunning(ctx, job, token, lockedUntil, now)
}

func TestDrainRunsJobsClaimedBeforeError(t *testing.T) {
	db := testutil.NewDB(t)
	store := &flakyClaimStore{JobRepository: repository.NewJobRepository(db), failOn: 2}
	q := New(store, nil, Config{})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, "fanout", testPayload{Seq: i}, Options{})
		require.NoError(t, err)
	}

	var seen []int
	var mu sync.Mutex
	_, err := q.Drain(ctx, Routes{"fanout": {Concurrency: 3, Handler: func(_ context.Context, d *Delivery) error {
		var p testPayload
		assert.NoError(t, d.Decode(&p))
		mu.Lock()
		seen = append(seen, p.Seq)
		mu.Unlock()
		return nil
	}}})
	require.ErrorContains(t, err, "connection reset")

	assert.Equal(t, []int{1}, seen)
	assert.Equal(t, int64(1), countJobs(t, db, model.JobStatusDone))
	assert.Zero(t, countJobs(t, db, model.JobStatusRunning), "no job may be left holding a lease")
	assert.Equal(t, int64(2), countJobs(t, db, model.JobStatusPending))
}
