package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/metrics"
	"github.com/strata-labs/deepresearch/internal/models"
)

// Publisher is the per-task outbound event queue. Content and terminal
// events (token, step, source, error, complete) are never dropped: Emit
// blocks upstream production when the queue is full. Heartbeats are
// best-effort and dropped under pressure.
type Publisher struct {
	taskID string
	mgr    *Manager
	mirror *redis.Client
	logger *zap.Logger

	queue  chan Event
	done   chan struct{}
	closed bool
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// PublisherOptions configures queue depth and the optional Redis mirror.
type PublisherOptions struct {
	QueueDepth int
	Mirror     *redis.Client
	MirrorTTL  time.Duration
}

// NewPublisher starts the drain goroutine for one task.
func NewPublisher(taskID string, mgr *Manager, logger *zap.Logger, opts PublisherOptions) *Publisher {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	p := &Publisher{
		taskID: taskID,
		mgr:    mgr,
		mirror: opts.Mirror,
		logger: logger,
		queue:  make(chan Event, depth),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drain(opts.MirrorTTL)
	return p
}

// Emit enqueues a content event. Blocks when the bounded queue is full so
// the producing loop slows down instead of losing events. The send happens
// under the mutex so Close cannot close the queue between the closed check
// and the send; the drain goroutine keeps consuming, so a blocked send
// always completes.
func (p *Publisher) Emit(evtType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue <- Event{TaskID: p.taskID, Type: evtType, Data: data, Timestamp: time.Now()}
}

// Heartbeat enqueues a heartbeat if there is room, dropping it otherwise.
// Same locking discipline as Emit: the heartbeat goroutine outlives the
// run loop, so the send must not race Close's close(p.queue).
func (p *Publisher) Heartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- Event{TaskID: p.taskID, Type: models.EventHeartbeat, Timestamp: time.Now()}:
	default:
		metrics.StreamEventsDropped.WithLabelValues(models.EventHeartbeat).Inc()
	}
}

// Close flushes queued events and stops the drain goroutine. Idempotent.
// No events are accepted after Close returns.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.queue)
	p.wg.Wait()
	close(p.done)
}

// Done is closed once the publisher has flushed all events.
func (p *Publisher) Done() <-chan struct{} { return p.done }

func (p *Publisher) drain(mirrorTTL time.Duration) {
	defer p.wg.Done()
	for evt := range p.queue {
		published := p.mgr.Publish(p.taskID, evt)
		metrics.StreamEventsPublished.WithLabelValues(published.Type).Inc()
		if p.mirror != nil {
			p.mirrorEvent(published, mirrorTTL)
		}
	}
}

// mirrorEvent appends the event to a Redis stream so replicas and late
// subscribers outlive the in-process ring. Best-effort.
func (p *Publisher) mirrorEvent(evt Event, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := "research:events:" + p.taskID
	if err := p.mirror.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: 1024,
		Approx: true,
		Values: map[string]interface{}{"event": string(evt.Marshal())},
	}).Err(); err != nil {
		p.logger.Debug("Event mirror write failed",
			zap.String("task_id", p.taskID),
			zap.Error(err))
		return
	}
	if ttl > 0 {
		p.mirror.Expire(ctx, key, ttl)
	}
}
