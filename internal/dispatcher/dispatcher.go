// Package dispatcher delivers job lifecycle events asynchronously, so a slow
// or failing notification endpoint never holds up a state change.
package dispatcher

import (
	"context"
	"errors"

	"trainingjobs/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for delivery. It does not wait for delivery.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and drains what is queued until ctx is done.
	Close(ctx context.Context) error
}

// Event is an event bound for one destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL or stream name
	SigningKey  string // HMAC key, empty means unsigned

	requeues int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}

// Publisher adapts a Dispatcher to the training service's event publisher,
// sending every event to one configured destination.
type Publisher struct {
	Dispatcher  Dispatcher
	Destination string
	SigningKey  string
}

// Publish queues event for delivery. A Publisher without a destination discards events.
func (p *Publisher) Publish(_ context.Context, event *cloudevent.CloudEvent) error {
	if p == nil || p.Dispatcher == nil || p.Destination == "" {
		return nil
	}
	return p.Dispatcher.Dispatch(&Event{
		Payload:     event,
		Destination: p.Destination,
		SigningKey:  p.SigningKey,
	})
}
