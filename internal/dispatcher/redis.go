package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trainingjobs/pkg/cloudevent"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis stream dispatcher.
type RedisConfig struct {
	Stream     string        // default stream when an event has no destination (default: training-events)
	MaxLen     int64         // approximate stream cap, 0 keeps everything
	BufferSize int           // pending events buffer (default: 1000)
	Timeout    time.Duration // per-XADD timeout (default: 5s)
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Stream == "" {
		c.Stream = "training-events"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// RedisDispatcher appends events to a Redis stream, one entry per event,
// for consumers that read lifecycle events with XREAD or consumer groups.
// Entries carry the event type, job id and the CloudEvent JSON.
type RedisDispatcher struct {
	client  redis.Cmdable
	config  RedisConfig
	queue   chan *Event
	logger  *slog.Logger
	metrics MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	mu     sync.RWMutex // guards closed against sends on a closed queue
	closed bool
	done   chan struct{}
}

// NewRedis creates a stream dispatcher and starts its writer. metrics may be nil.
func NewRedis(client redis.Cmdable, cfg RedisConfig, metrics MetricsRecorder) *RedisDispatcher {
	cfg = cfg.withDefaults()
	d := &RedisDispatcher{
		client:  client,
		config:  cfg,
		queue:   make(chan *Event, cfg.BufferSize),
		logger:  slog.With("component", "dispatcher", "stream", cfg.Stream),
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go d.writer()
	d.logger.Info("Redis stream dispatcher started", "buffer", cfg.BufferSize)
	return d
}

// Stream returns the stream events without a destination are appended to.
func (d *RedisDispatcher) Stream() string {
	return d.config.Stream
}

// Dispatch queues an event for the stream writer.
func (d *RedisDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full", "type", event.Payload.Type, "jobId", event.Payload.Subject)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *RedisDispatcher) Stats() Stats {
	return Stats{
		QueueDepth: len(d.queue),
		Queued:     d.queued.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
	}
}

// Close stops accepting events and waits for the writer to drain the queue.
func (d *RedisDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		d.logger.Info("Redis stream dispatcher stopped", "delivered", d.delivered.Load(), "failed", d.failed.Load())
		return nil
	case <-ctx.Done():
		d.logger.Warn("Redis stream dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *RedisDispatcher) writer() {
	defer close(d.done)
	for event := range d.queue {
		d.append(event)
	}
}

func (d *RedisDispatcher) append(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	start := time.Now()
	body, err := json.Marshal(event.Payload)
	if err == nil {
		err = d.client.XAdd(ctx, streamArgs(d.config, event, body)).Err()
	}
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Stream append failed", "type", event.Payload.Type, "jobId", event.Payload.Subject, "error", err)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// streamArgs builds the XADD arguments for one event.
func streamArgs(cfg RedisConfig, event *Event, body []byte) *redis.XAddArgs {
	stream := event.Destination
	if stream == "" {
		stream = cfg.Stream
	}
	values := map[string]any{
		"type":  event.Payload.Type,
		"jobId": event.Payload.Subject,
		"event": string(body),
	}
	if event.SigningKey != "" {
		values["signature"] = cloudevent.Sign(body, event.SigningKey)
	}
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: cfg.MaxLen,
		Approx: cfg.MaxLen > 0,
		Values: values,
	}
}

var _ Dispatcher = (*RedisDispatcher)(nil)
