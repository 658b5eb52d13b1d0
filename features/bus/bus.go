// Package bus provides the ephemeral event fan-out between the orchestrator
// and connected UI streams. Delivery is best effort: subscribers have
// bounded buffers and events to a full buffer are dropped, never blocking a
// publisher. Durable state always lives in the store; the bus only carries
// "something changed" hints.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

// subscriberBuffer bounds per-subscriber queued events.
const subscriberBuffer = 64

// Event is one UI-facing notification.
type Event struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types published by the orchestrator.
const (
	EventQueueItemAdded = "queue_item_added"
	EventTaskUpdated    = "task_updated"
	EventJobLog         = "job_log"
	EventHeartbeat      = "heartbeat"
)

// Bus fans events out to subscribers by address. Addresses are scoped:
// per-user for inbox streams, per-task for task detail streams.
type Bus interface {
	// PublishUser delivers an event to the user's subscribers.
	PublishUser(ctx context.Context, userID string, ev Event)

	// PublishTask delivers an event to the task's subscribers.
	PublishTask(ctx context.Context, taskID string, ev Event)

	// SubscribeUser registers a subscriber for the user's events. The
	// returned cancel func must be called to release the subscription.
	SubscribeUser(ctx context.Context, userID string) (<-chan Event, func())

	// SubscribeTask registers a subscriber for the task's events.
	SubscribeTask(ctx context.Context, taskID string) (<-chan Event, func())
}

// InProcess implements Bus with in-memory channels. Suitable for a single
// orchestrator process; the redis subpackage covers multi-replica
// deployments.
type InProcess struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string]map[int]chan Event
	metrics telemetry.Metrics
}

var _ Bus = (*InProcess)(nil)

// NewInProcess constructs an in-process bus.
func NewInProcess(metrics telemetry.Metrics) *InProcess {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &InProcess{
		subs:    make(map[string]map[int]chan Event),
		metrics: metrics,
	}
}

func (b *InProcess) PublishUser(ctx context.Context, userID string, ev Event) {
	b.publish(ctx, "user:"+userID, ev)
}

func (b *InProcess) PublishTask(ctx context.Context, taskID string, ev Event) {
	b.publish(ctx, "task:"+taskID, ev)
}

func (b *InProcess) SubscribeUser(ctx context.Context, userID string) (<-chan Event, func()) {
	return b.subscribe("user:" + userID)
}

func (b *InProcess) SubscribeTask(ctx context.Context, taskID string) (<-chan Event, func()) {
	return b.subscribe("task:" + taskID)
}

func (b *InProcess) publish(_ context.Context, address string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[address] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block the publisher.
			b.metrics.IncCounter(telemetry.MetricSignalsDropped, 1, "address", address)
		}
	}
}

func (b *InProcess) subscribe(address string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.subs[address] == nil {
		b.subs[address] = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[address][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[address]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, address)
			}
		}
	}
	return ch, cancel
}
