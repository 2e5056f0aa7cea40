package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/feedfanout/config"
	"github.com/d60-Lab/feedfanout/internal/bootstrap"
	"github.com/d60-Lab/feedfanout/internal/queue"
	"github.com/d60-Lab/feedfanout/internal/repository"
	"github.com/d60-Lab/feedfanout/internal/service"
	"github.com/d60-Lab/feedfanout/internal/telemetry"
	"github.com/d60-Lab/feedfanout/pkg/database"
	"github.com/d60-Lab/feedfanout/pkg/logger"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flush, err := telemetry.InitSentry(cfg.Sentry, version)
	if err != nil {
		return err
	}
	defer flush()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close(db)

	rdb, err := bootstrap.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	nc, err := bootstrap.ConnectNATS(ctx, cfg.NATS, "feedfanout-worker")
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Drain()
	}

	members, closeMembers, err := bootstrap.Membership(ctx, cfg, db, rdb)
	if err != nil {
		return err
	}
	defer closeMembers(context.Background())

	q := queue.New(repository.NewJobRepository(db), bootstrap.Limiter(rdb), bootstrap.QueueConfig(cfg)).
		WithReporter(telemetry.NewSentryReporter(sentry.CurrentHub()))

	content := repository.NewContentRepository(db)
	follows := repository.NewFollowRepository(db)
	store := repository.NewNewsfeedRepository(db)
	dispatcher := service.NewDispatcher(content, q)
	audience := service.NewAudienceResolver(members, follows, cfg.Fanout.PageSize)

	routes := service.Workers{
		Fanout:     service.NewFanoutWorker(content, audience, store, q),
		FollowSync: service.NewFollowSyncWorker(content, members, follows, store, q, cfg.Fanout.PageSize),
		Refresh:    service.NewRefreshWorker(content, store),
		Publish:    service.NewPublishWorker(content, bootstrap.Events(dispatcher, nc, cfg.NATS.OutboundPrefix)),
	}.Routes(cfg.Queue.Concurrency, cfg.Queue.GroupConcurrency)
	scheduler := service.NewPublishScheduler(content, q, cfg.Scheduler.Interval, cfg.Scheduler.PageSize)

	logger.Info("worker started",
		zap.String("version", version),
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.Int("group_concurrency", cfg.Queue.GroupConcurrency),
		zap.String("membership_backend", cfg.Fanout.MembershipBackend),
		zap.Bool("distributed_limiter", rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx, routes) })
	g.Go(func() error { return scheduler.Run(gctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
