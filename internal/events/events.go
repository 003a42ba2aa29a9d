// Package events carries status and progress notifications from background
// work to the operator-facing surface over one bounded queue.
package events

import (
	"sync/atomic"
)

// Type tags a UI event.
type Type string

// Event types.
const (
	TypeProgressUpdate Type = "progress_update"
	TypeClientReady    Type = "client_ready"
	TypeLog            Type = "log"
	TypeDBSymbolsList  Type = "db_symbols_list"
)

// Level is the severity of a log event.
type Level string

// Log levels.
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one UI notification. Only the fields relevant to Type are set.
type Event struct {
	Type    Type     `json:"type"`
	Current int      `json:"current,omitempty"`
	Total   int      `json:"total,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Login   int64    `json:"login,omitempty"`
	Level   Level    `json:"level,omitempty"`
	Message string   `json:"message,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// Progress builds a progress_update event.
func Progress(current, total int, subject string) Event {
	return Event{Type: TypeProgressUpdate, Current: current, Total: total, Subject: subject}
}

// ClientReady builds a client_ready event.
func ClientReady(login int64) Event {
	return Event{Type: TypeClientReady, Login: login}
}

// Log builds a log event.
func Log(level Level, msg string) Event {
	return Event{Type: TypeLog, Level: level, Message: msg}
}

// DBSymbols builds a db_symbols_list event.
func DBSymbols(names []string) Event {
	return Event{Type: TypeDBSymbolsList, Symbols: names}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Queue is a bounded multi-producer queue drained by a single consumer.
// Publish never blocks: when the queue is full the event is dropped and counted.
type Queue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// DefaultCapacity is used when NewQueue receives a non-positive capacity.
const DefaultCapacity = 256

// NewQueue constructs a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// Publish implements Publisher.
func (q *Queue) Publish(evt Event) {
	select {
	case q.ch <- evt:
	default:
		q.dropped.Add(1)
	}
}

// Poll returns the next event without blocking.
func (q *Queue) Poll() (Event, bool) {
	select {
	case evt := <-q.ch:
		return evt, true
	default:
		return Event{}, false
	}
}

// Drain returns up to max queued events without blocking. A non-positive max
// drains everything currently queued.
func (q *Queue) Drain(max int) []Event {
	out := make([]Event, 0)
	for max <= 0 || len(out) < max {
		evt, ok := q.Poll()
		if !ok {
			break
		}
		out = append(out, evt)
	}
	return out
}

// C exposes the receive side for consumers that want to select on it.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped reports how many events were dropped because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
