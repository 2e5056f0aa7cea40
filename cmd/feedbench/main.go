// feedbench 压测端到端 fanout：一个分组 N 个成员，发布 POSTS 条内容，
// 统计入队延迟、落地延迟（发布到全部成员时间线可见）与时间线首页读取耗时。
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/feedfanout/config"
	"github.com/d60-Lab/feedfanout/internal/bootstrap"
	"github.com/d60-Lab/feedfanout/internal/event"
	"github.com/d60-Lab/feedfanout/internal/model"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/internal/service"
	"github.com/d60-Lab/feedfanout/pkg/database"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("feedbench: %v", err)
	}
}

func run() error {
	var (
		members   = envInt("N", 20000)
		posts     = envInt("POSTS", 100)
		workers   = envInt("WORKERS", 8)
		pageSize  = envInt("PAGE", 500)
		readLimit = envInt("READ_LIMIT", 50)
	)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init("warn", "console"); err != nil {
		return err
	}
	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	content := repository.NewContentRepository(db)
	memberRepo := repository.NewMembershipRepository(db)
	follows := repository.NewFollowRepository(db)
	store := repository.NewNewsfeedRepository(db)
	qcfg := bootstrap.QueueConfig(cfg)
	qcfg.PollInterval = 10 * time.Millisecond
	q := queue.New(repository.NewJobRepository(db), nil, qcfg)
	dispatcher := service.NewDispatcher(content, q)

	// 每次运行使用新分组，不需要清表
	group := "bench-" + uuid.NewString()[:8]
	users := make([]string, members)
	for i := range users {
		users[i] = uuid.NewString()
	}
	for i := 0; i < len(users); i += 1000 {
		end := min(i+1000, len(users))
		if err := memberRepo.AddMembers(ctx, group, users[i:end]); err != nil {
			return fmt.Errorf("seed members: %w", err)
		}
	}

	routes := service.Workers{
		Fanout:     service.NewFanoutWorker(content, service.NewAudienceResolver(memberRepo, follows, pageSize), store, q),
		FollowSync: service.NewFollowSyncWorker(content, memberRepo, follows, store, q, pageSize),
		Refresh:    service.NewRefreshWorker(content, store),
		Publish:    service.NewPublishWorker(content, dispatcher),
	}.Routes(workers, workers)
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, routes) }()

	published := make(map[string]time.Time, posts)
	pubDurations := make([]time.Duration, 0, posts)
	for i := 0; i < posts; i++ {
		st := time.Now()
		c := &model.Content{
			AuthorID: "bench-author",
			Type:     model.ContentTypePost,
			State:    model.ContentStatePublished,
			GroupIDs: []string{group},
		}
		if err := content.Create(ctx, c); err != nil {
			return err
		}
		if err := dispatcher.Handle(ctx, event.Published(c.ID, nil)); err != nil {
			return err
		}
		pubDurations = append(pubDurations, time.Since(st))
		published[c.ID] = st
	}

	land := make([]time.Duration, 0, posts)
	deadline := time.Now().Add(2 * time.Minute)
	for len(published) > 0 && time.Now().Before(deadline) {
		for id, st := range published {
			n, err := store.CountByContent(ctx, id)
			if err != nil {
				return err
			}
			if n >= int64(members) {
				land = append(land, time.Since(st))
				delete(published, id)
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(published) > 0 {
		fmt.Printf("timeout while waiting for fanout: landed=%d want=%d\n", len(land), posts)
	}

	cancel()
	if err := <-done; err != nil {
		return err
	}

	fmt.Printf("N=%d POSTS=%d WORKERS=%d PAGE=%d\n", members, posts, workers, pageSize)
	fmt.Printf("Publish+dispatch latency: avg=%v p95=%v p99=%v\n", avg(pubDurations), pct(pubDurations, 0.95), pct(pubDurations, 0.99))
	fmt.Printf("Fanout landing (publish->all members): samples=%d avg=%v p95=%v p99=%v\n", len(land), avg(land), pct(land, 0.95), pct(land, 0.99))

	feed := service.NewNewsfeedService(store, readLimit, readLimit, 0, 0)
	st := time.Now()
	page, err := feed.GetNewsfeed(context.Background(), users[len(users)-1], "", readLimit)
	if err != nil {
		return err
	}
	fmt.Printf("Newsfeed read (last member, limit=%d): %v, rows=%d\n", readLimit, time.Since(st), len(page.Entries))
	return nil
}
