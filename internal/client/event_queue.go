package client

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

// eventQueue is an unbounded FIFO between the run loop and the Events
// channel, so protocol handling never blocks on a slow consumer.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	items    []signaling.Event

	out chan signaling.Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan signaling.Event)}
	q.notEmpty = sync.NewCond(&q.mu)
	go q.forward()
	return q
}

func (q *eventQueue) push(events ...signaling.Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, events...)
	q.notEmpty.Signal()
}

// finish closes the channel once everything pushed so far has been delivered.
func (q *eventQueue) finish() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Signal()
	q.mu.Unlock()
}

func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.notEmpty.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- e
	}
}
