// Package events carries measurement events from virtual users to whatever
// aggregates them.
package events

import (
	"sync"
	"time"
)

// Event is one measurement. A nil Failure is a pass.
type Event struct {
	Kind           string // request type, e.g. GRPC, POST, Receive
	Name           string // e.g. /TalkUser/smoke/first
	Start          time.Time
	Response       any
	ResponseLength int
	Failure        error
	ElapsedMs      float64
}

// Success reports whether the event carries no failure.
func (e Event) Success() bool { return e.Failure == nil }

// Sink receives measurement events. Fire must be safe for concurrent use.
type Sink interface {
	Fire(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Fire(e Event) { f(e) }

// Multi fans every event out to several sinks in order.
type Multi []Sink

func (m Multi) Fire(e Event) {
	for _, s := range m {
		s.Fire(e)
	}
}

// Async hands events to a background goroutine so a slow sink never holds
// up a virtual user between exchanges. Events are never dropped; a full
// buffer applies backpressure.
type Async struct {
	sink Sink
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func NewAsync(sink Sink, buffer int) *Async {
	a := &Async{sink: sink, ch: make(chan Event, buffer), done: make(chan struct{})}
	go func() {
		defer close(a.done)
		for e := range a.ch {
			a.sink.Fire(e)
		}
	}()
	return a
}

func (a *Async) Fire(e Event) { a.ch <- e }

// Close delivers every queued event and stops the dispatcher. Fire must not
// be called afterwards.
func (a *Async) Close() {
	a.once.Do(func() { close(a.ch) })
	<-a.done
}

// Collector keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Fire(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns a copy of what has been collected.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the collected events with the given name.
func (c *Collector) Named(name string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
