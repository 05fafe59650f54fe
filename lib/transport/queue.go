// Copyright (c) 2024 KrakenFS Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transport

import "sync"

// EventKind enumerates socket events.
type EventKind uint8

const (
	EventConnect EventKind = iota
	EventWritable
	EventRead
	EventEOF
	EventError
	EventDestroying
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventWritable:
		return "writable"
	case EventRead:
		return "read"
	case EventEOF:
		return "eof"
	case EventError:
		return "error"
	case EventDestroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// Event is one queued socket event.
type Event struct {
	Kind   EventKind
	Socket Socket
	Data   []byte
	Err    error
}

// Dispatch delivers the event to cb.
func (e Event) Dispatch(cb Callbacks) {
	switch e.Kind {
	case EventConnect:
		cb.OnConnect(e.Socket)
	case EventWritable:
		cb.OnWritable(e.Socket)
	case EventRead:
		cb.OnRead(e.Socket, e.Data)
	case EventEOF:
		cb.OnEOF(e.Socket)
	case EventError:
		cb.OnError(e.Socket, e.Err)
	case EventDestroying:
		cb.OnDestroying(e.Socket)
	}
}

// EventQueue is a goroutine-safe FIFO of events with a coalescing ready
// signal. Producers may be any goroutine; Drain is called by the loop.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{ready: make(chan struct{}, 1)}
}

// Push appends an event and signals readiness.
func (q *EventQueue) Push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready returns the readiness channel.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drain dispatches queued events until the queue is empty, including events
// pushed by the callbacks themselves.
func (q *EventQueue) Drain(cb Callbacks) int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.events) == 0 {
			q.mu.Unlock()
			return n
		}
		e := q.events[0]
		q.events[0] = Event{}
		q.events = q.events[1:]
		q.mu.Unlock()

		e.Dispatch(cb)
		n++
	}
}

// ClosedReporter is implemented by sockets that know whether Close was
// called on them.
type ClosedReporter interface {
	IsClosed() bool
}

// ReadGuard wraps cb so that reads queued before their socket was closed are
// acknowledged and dropped instead of dispatched.
func ReadGuard(cb Callbacks) Callbacks {
	return readGuard{cb}
}

type readGuard struct {
	Callbacks
}

func (g readGuard) OnRead(s Socket, p []byte) {
	if c, ok := s.(ClosedReporter); ok && c.IsClosed() {
		s.ReadDrained()
		return
	}
	g.Callbacks.OnRead(s, p)
}
