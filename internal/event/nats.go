package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Conn 是 NATSPublisher 需要的连接能力，*nats.Conn 满足
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher 把生命周期事件广播给下游（通知、搜索等纯消费者），
// subject 为 <prefix>.<kind>，trace 上下文写入消息头
type NATSPublisher struct {
	nc     Conn
	prefix string
}

func NewNATSPublisher(nc Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "feedfanout.events"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

func (p *NATSPublisher) Subject(k Kind) string { return p.prefix + "." + string(k) }

func (p *NATSPublisher) Handle(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{
		Subject: p.Subject(e.Kind),
		Data:    data,
		Header:  nats.Header{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Decode 解析并校验一条 JSON 事件
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
