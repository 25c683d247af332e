// Package dispatcher provides async delivery of lifecycle events with buffering and retry.
package dispatcher

import (
	"context"
	"errors"

	"seedkeeper/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // event sink URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // times put back while the sink's breaker was open
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or too many requeues
	Requeued     int64 // put back because the sink's breaker was open
	RetriesTotal int64 // total retry attempts
	BreakersOpen int   // sink hosts currently refused
}

// Notifier publishes lifecycle events to a single configured sink.
// A nil *Notifier or one with an empty destination discards events.
type Notifier struct {
	dispatcher  Dispatcher
	destination string
	signingKey  string
}

// NewNotifier binds a dispatcher to an event sink.
func NewNotifier(d Dispatcher, destination, signingKey string) *Notifier {
	return &Notifier{dispatcher: d, destination: destination, signingKey: signingKey}
}

// Notify queues event for delivery. Drops are counted by the dispatcher.
func (n *Notifier) Notify(event *cloudevent.CloudEvent) {
	if n == nil || n.dispatcher == nil || n.destination == "" {
		return
	}
	_ = n.dispatcher.Dispatch(&Event{
		Payload:     event,
		Destination: n.destination,
		SigningKey:  n.signingKey,
	})
}
