// Package dispatcher delivers submission notifications asynchronously, with
// buffering, retries and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"

	"wfinterop/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher queues events for delivery.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops accepting events and delivers what is queued until ctx
	// ends.
	Close(ctx context.Context) error
}

// Event is a CloudEvent bound for one destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string // empty: unsigned
	requeues    int
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth   int   `json:"queueDepth"`
	Queued       int64 `json:"queued"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	Requeued     int64 `json:"requeued"`
	RetriesTotal int64 `json:"retriesTotal"`
	BreakersOpen int   `json:"breakersOpen"`
}
