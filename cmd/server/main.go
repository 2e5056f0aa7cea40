package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/feedfanout/config"
	"github.com/d60-Lab/feedfanout/internal/api"
	"github.com/d60-Lab/feedfanout/internal/api/handler"
	"github.com/d60-Lab/feedfanout/internal/bootstrap"
	"github.com/d60-Lab/feedfanout/internal/event"
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
		log.Fatalf("server: %v", err)
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

	nc, err := bootstrap.ConnectNATS(ctx, cfg.NATS, "feedfanout-server")
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Drain()
	}

	jobs := repository.NewJobRepository(db)
	// 服务端只入队不消费，分组限流器用不到
	q := queue.New(jobs, queue.NewLocalLimiter(), bootstrap.QueueConfig(cfg))
	dispatcher := service.NewDispatcher(repository.NewContentRepository(db), q)
	relService := service.NewRelationshipService(repository.NewFollowRepository(db), dispatcher)
	feed := service.NewNewsfeedService(
		repository.NewNewsfeedRepository(db),
		cfg.Newsfeed.DefaultLimit, cfg.Newsfeed.MaxLimit,
		cfg.Newsfeed.CacheSize, cfg.Newsfeed.CacheTTL,
	)

	router := api.NewRouter(cfg, handler.New(relService, feed, dispatcher, q, jobs))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(sctx)
	})

	if nc != nil {
		cc, err := event.Consume(ctx, nc, event.IngestConfig{
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.IngestSubject,
			Durable:    cfg.NATS.Durable,
			MaxDeliver: cfg.NATS.MaxDeliver,
			Timeout:    cfg.Queue.JobTimeout,
			NakDelay:   cfg.NATS.NakDelay,
		}, dispatcher)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			cc.Stop()
			return nil
		})
	}

	return g.Wait()
}
