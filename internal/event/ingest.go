package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedfanout/pkg/logger"
)

// IngestConfig JetStream 入口：stream 持久化外部生命周期事件，多个 server 实例共享一个 durable consumer
type IngestConfig struct {
	Stream     string
	Subject    string
	Durable    string
	MaxDeliver int
	// Timeout 单条消息的处理上限
	Timeout time.Duration
	// NakDelay 处理失败后重投的等待时间
	NakDelay time.Duration
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.Stream == "" {
		c.Stream = "NEWSFEED_INGEST"
	}
	if c.Durable == "" {
		c.Durable = "feedfanout-ingest"
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.NakDelay <= 0 {
		c.NakDelay = 5 * time.Second
	}
	return c
}

// Message 是 Ingestor 需要的消息能力，jetstream.Msg 满足
type Message interface {
	Data() []byte
	Headers() nats.Header
	Subject() string
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Ingestor 把入口消息交给 Handler。
// 成功 Ack；格式错误或事件非法 Term，不再投递；其余错误 Nak，由 JetStream 延迟重投。
type Ingestor struct {
	h        Handler
	timeout  time.Duration
	nakDelay time.Duration
	tracer   trace.Tracer
}

func NewIngestor(h Handler, timeout, nakDelay time.Duration) *Ingestor {
	cfg := IngestConfig{Timeout: timeout, NakDelay: nakDelay}.withDefaults()
	return &Ingestor{
		h:        h,
		timeout:  cfg.Timeout,
		nakDelay: cfg.NakDelay,
		tracer:   otel.Tracer("github.com/d60-Lab/feedfanout/internal/event"),
	}
}

func (in *Ingestor) Process(msg Message) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Headers()))
	ctx, span := in.tracer.Start(ctx, "event.ingest", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	e, err := Decode(msg.Data())
	if err != nil {
		span.RecordError(err)
		logger.Warn("drop malformed event", zap.String("subject", msg.Subject()), zap.Error(err))
		in.settle(msg, msg.Term)
		return
	}
	span.SetAttributes(attribute.String("event.kind", string(e.Kind)))

	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()
	if err := in.h.Handle(ctx, e); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInvalidEvent) {
			logger.Warn("drop rejected event", zap.String("kind", string(e.Kind)), zap.Error(err))
			in.settle(msg, msg.Term)
			return
		}
		logger.Error("handle event failed, will redeliver",
			zap.String("kind", string(e.Kind)),
			zap.String("content_id", e.ContentID),
			zap.String("group_id", e.GroupID),
			zap.Error(err))
		in.settle(msg, func() error { return msg.NakWithDelay(in.nakDelay) })
		return
	}
	in.settle(msg, msg.Ack)
}

func (in *Ingestor) settle(msg Message, fn func() error) {
	if err := fn(); err != nil {
		// 未确认的消息在 AckWait 后会被重投
		logger.Warn("settle event message failed", zap.String("subject", msg.Subject()), zap.Error(err))
	}
}

// Consume 确保 stream 与 durable consumer 存在，然后开始推送消费。
// 调用方在关闭时 Stop 返回的 ConsumeContext。
func Consume(ctx context.Context, nc *nats.Conn, cfg IngestConfig, h Handler) (jetstream.ConsumeContext, error) {
	cfg = cfg.withDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		Storage:  jetstream.FileStorage,
		Replicas: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * cfg.Timeout,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	in := NewIngestor(h, cfg.Timeout, cfg.NakDelay)
	cc, err := cons.Consume(func(msg jetstream.Msg) { in.Process(msg) })
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.Subject, err)
	}
	logger.Info("consuming lifecycle events",
		zap.String("stream", cfg.Stream),
		zap.String("durable", cfg.Durable),
		zap.String("subject", cfg.Subject))
	return cc, nil
}
