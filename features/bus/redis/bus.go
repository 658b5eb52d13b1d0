// Package redis implements bus.Bus on Redis pub/sub so event fan-out works
// across orchestrator replicas. Semantics match the in-process bus: best
// effort, bounded subscriber buffers, drop on overflow.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mainloop-ai/mainloop/features/bus"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

const channelPrefix = "mainloop:events:"

// Bus implements bus.Bus backed by Redis pub/sub.
type Bus struct {
	client  goredis.UniversalClient
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

var _ bus.Bus = (*Bus)(nil)

// New constructs a Redis-backed bus.
func New(client goredis.UniversalClient, logger telemetry.Logger, metrics telemetry.Metrics) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{client: client, logger: logger, metrics: metrics}
}

func (b *Bus) PublishUser(ctx context.Context, userID string, ev bus.Event) {
	b.publish(ctx, "user:"+userID, ev)
}

func (b *Bus) PublishTask(ctx context.Context, taskID string, ev bus.Event) {
	b.publish(ctx, "task:"+taskID, ev)
}

func (b *Bus) SubscribeUser(ctx context.Context, userID string) (<-chan bus.Event, func()) {
	return b.subscribe(ctx, "user:"+userID)
}

func (b *Bus) SubscribeTask(ctx context.Context, taskID string) (<-chan bus.Event, func()) {
	return b.subscribe(ctx, "task:"+taskID)
}

func (b *Bus) publish(ctx context.Context, address string, ev bus.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error(ctx, "encode bus event", "address", address, "err", err)
		return
	}
	if err := b.client.Publish(ctx, channelPrefix+address, data).Err(); err != nil {
		// Best effort: a down Redis degrades live updates, nothing else.
		b.logger.Warn(ctx, "publish bus event", "address", address, "err", err)
	}
}

func (b *Bus) subscribe(ctx context.Context, address string) (<-chan bus.Event, func()) {
	sub := b.client.Subscribe(ctx, channelPrefix+address)
	out := make(chan bus.Event, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev bus.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn(ctx, "decode bus event", "address", address, "err", err)
					continue
				}
				select {
				case out <- ev:
				default:
					b.metrics.IncCounter(telemetry.MetricSignalsDropped, 1, "address", address)
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel
}
