// Package events delivers human-readable status lines from workers to observers.
// Any goroutine may publish; a single consumer forwards events in FIFO order.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrCodeEU/faceroll/pkg/logging"
)

// Severity tags an event message.
type Severity int

const (
	// Info events carry no prefix.
	Info Severity = iota
	// Success events are prefixed with "Success:".
	Success
	// Error events are prefixed with "Error:".
	Error
)

// Prefix returns the tag printed in front of a message.
func (s Severity) Prefix() string {
	switch s {
	case Success:
		return "Success: "
	case Error:
		return "Error: "
	default:
		return ""
	}
}

// Event is a single status line.
type Event struct {
	Severity Severity
	Message  string
	Time     time.Time
}

// String renders the event with its severity prefix.
func (e Event) String() string {
	return e.Severity.Prefix() + e.Message
}

// Observer receives events from the consumer goroutine.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify calls f(e).
func (f ObserverFunc) Notify(e Event) { f(e) }

// Publisher is the producer side of a Bus.
type Publisher interface {
	Publish(e Event)
	Successf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

// Bus is a multi-producer, single-consumer event channel.
type Bus struct {
	ch chan Event

	sendMu sync.RWMutex
	closed bool

	obsMu     sync.RWMutex
	observers []Observer

	runOnce sync.Once
	done    chan struct{}
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus. buffer is the channel capacity; 0 makes publishers
// wait for the consumer.
func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Subscribe registers an observer. Observers added after Run see only later events.
func (b *Bus) Subscribe(o Observer) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish enqueues an event. Empty messages are ignored and events
// published after Close are dropped.
func (b *Bus) Publish(e Event) {
	if e.Message == "" {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		logging.Debugf("Dropping event after close: %s", e)
		return
	}
	b.ch <- e
}

// Successf publishes a success event.
func (b *Bus) Successf(format string, args ...interface{}) {
	b.Publish(Event{Severity: Success, Message: fmt.Sprintf(format, args...)})
}

// Errorf publishes an error event.
func (b *Bus) Errorf(format string, args ...interface{}) {
	b.Publish(Event{Severity: Error, Message: fmt.Sprintf(format, args...)})
}

// Infof publishes an untagged event.
func (b *Bus) Infof(format string, args ...interface{}) {
	b.Publish(Event{Severity: Info, Message: fmt.Sprintf(format, args...)})
}

// Run consumes events until Close. Only the first call consumes; later
// calls block until it has finished.
func (b *Bus) Run() {
	b.runOnce.Do(func() {
		defer close(b.done)
		for e := range b.ch {
			b.dispatch(e)
		}
	})
}

// Start runs the consumer in a new goroutine.
func (b *Bus) Start() {
	go b.Run()
}

func (b *Bus) dispatch(e Event) {
	b.obsMu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.obsMu.RUnlock()

	for _, o := range observers {
		o.Notify(e)
	}
}

// Close stops accepting events and waits until the consumer has drained
// everything already queued. It is safe to call more than once.
func (b *Bus) Close() {
	// A consumer must exist so blocked publishers can release sendMu.
	go b.Run()

	b.sendMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.sendMu.Unlock()

	<-b.done
}

// LogObserver writes every event to the process logger.
func LogObserver() Observer {
	log := logging.Component("events")
	return ObserverFunc(func(e Event) {
		entry := log.WithField("at", e.Time.Format("2006-01-02 15:04:05"))
		switch e.Severity {
		case Error:
			entry.Warn(e.String())
		default:
			entry.Info(e.String())
		}
	})
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event)                   {}
func (discard) Successf(string, ...interface{}) {}
func (discard) Errorf(string, ...interface{})   {}
func (discard) Infof(string, ...interface{})    {}
