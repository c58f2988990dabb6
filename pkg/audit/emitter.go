package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Sink receives audit events. Postgres Writer and the Kafka publisher both
// satisfy it.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// Emitter fans audit events out to its sinks asynchronously. Emission is
// fire-and-forget: a failing sink never blocks or fails the policy or waiver
// operation that produced the event. Failures are logged and, when an
// operator is draining Errs, surfaced there too.
type Emitter struct {
	sinks   []Sink
	events  chan Event
	errs    chan error
	done    chan struct{}
	timeout time.Duration
}

func NewEmitter(buffer int, timeout time.Duration, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	e := &Emitter{
		sinks:   sinks,
		events:  make(chan Event, buffer),
		errs:    make(chan error, buffer),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go e.run()
	return e
}

// Emit queues an event. A full buffer drops the event rather than blocking
// the request path; the drop is reported on the error channel.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case e.events <- ev:
	default:
		e.report(&EmitError{Event: ev.Name, Err: errBufferFull})
	}
}

// Errs exposes emission failures to an operator drain. The channel closes
// once Close has drained the queue, so a range over it terminates.
func (e *Emitter) Errs() <-chan error { return e.errs }

// Close stops the worker after draining queued events and closes Errs.
// Emit must not be called after Close.
func (e *Emitter) Close() {
	close(e.events)
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	defer close(e.errs)
	for ev := range e.events {
		for _, sink := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			err := sink.Append(ctx, ev)
			cancel()
			if err != nil {
				e.report(&EmitError{Event: ev.Name, Err: err})
			}
		}
	}
}

func (e *Emitter) report(err error) {
	log.Printf("audit: %v", err)
	select {
	case e.errs <- err:
	default:
	}
}

type EmitError struct {
	Event string
	Err   error
}

func (e *EmitError) Error() string {
	return "audit emit " + e.Event + ": " + e.Err.Error()
}

func (e *EmitError) Unwrap() error { return e.Err }

var errBufferFull = &bufferFullError{}

type bufferFullError struct{}

func (*bufferFullError) Error() string { return "event buffer full, dropped" }
