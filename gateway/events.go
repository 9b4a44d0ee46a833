package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

// Event is one dispatch forwarded to the caller. Data is the undecoded body;
// its schema depends on Name.
type Event struct {
	Name string
	Seq  int64
	Data json.RawMessage
}

// eventQueue decouples the receive loop from the consumer. push never
// blocks, so a slow consumer cannot delay heartbeat acks.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	notify chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
	}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, ev)
	}
	q.mu.Unlock()
	q.wake()
}

// close lets pump deliver what is queued and then close out.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pump feeds out in push order until the queue is closed and drained, or
// ctx ends, in which case undelivered events are dropped.
func (q *eventQueue) pump(ctx context.Context) {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
