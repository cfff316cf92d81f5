package shopguard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// securityEvents are never shed by DropIfFull.
var securityEvents = map[string]bool{
	AuditRefreshReuseDetected: true,
	AuditRoleUpdated:          true,
	AuditSubjectDeactivated:   true,
	AuditSubjectDeleted:       true,
	AuditPasswordReset:        true,
}

const defaultSecurityWait = 2 * time.Second

// auditDispatcher hands events to the sink from one goroutine. Routine events
// may be shed under DropIfFull; security events wait for room up to SecurityWait.
type auditDispatcher struct {
	sink       AuditSink
	dropIfFull bool
	wait       time.Duration

	queue   chan AuditEvent
	stop    chan struct{}
	stopped sync.WaitGroup
	closing atomic.Bool
	once    sync.Once

	mu     sync.Mutex
	drops  map[string]uint64
	totals atomic.Uint64
}

// newAuditDispatcher returns nil when auditing is disabled. A nil dispatcher
// accepts and discards events.
func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	wait := cfg.SecurityWait
	if wait <= 0 {
		wait = defaultSecurityWait
	}

	d := &auditDispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		wait:       wait,
		queue:      make(chan AuditEvent, size),
		stop:       make(chan struct{}),
		drops:      make(map[string]uint64),
	}
	d.stopped.Add(1)
	go d.deliver()
	return d
}

func (d *auditDispatcher) deliver() {
	defer d.stopped.Done()
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.stop:
			for {
				select {
				case event := <-d.queue:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit queues event. Routine events are dropped when the queue is full and
// DropIfFull is set; otherwise Emit waits until ctx ends. Security events
// always wait, bounded by ctx and the dispatcher's security wait.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closing.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case d.queue <- event:
		return
	default:
	}

	if securityEvents[event.EventType] {
		timer := time.NewTimer(d.wait)
		defer timer.Stop()
		select {
		case d.queue <- event:
		case <-d.stop:
		case <-ctx.Done():
			d.drop(event.EventType)
		case <-timer.C:
			d.drop(event.EventType)
		}
		return
	}

	if d.dropIfFull {
		d.drop(event.EventType)
		return
	}
	select {
	case d.queue <- event:
	case <-d.stop:
	case <-ctx.Done():
		d.drop(event.EventType)
	}
}

func (d *auditDispatcher) drop(eventType string) {
	d.totals.Add(1)
	d.mu.Lock()
	d.drops[eventType]++
	d.mu.Unlock()
}

// Close flushes queued events and stops the worker. It is idempotent.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closing.Store(true)
		close(d.stop)
		d.stopped.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.totals.Load()
}

// DroppedByType returns a copy of the per-event-type drop counts.
func (d *auditDispatcher) DroppedByType() map[string]uint64 {
	out := make(map[string]uint64)
	if d == nil {
		return out
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.drops {
		out[k] = v
	}
	return out
}
