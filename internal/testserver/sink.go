package testserver

import "sync"

// Queue is an in-memory Sink that records frames and the close code.
type Queue struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

// Send implements Sink.
func (q *Queue) Send(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.frames = append(q.frames, frame)
}

// Close implements Sink.
func (q *Queue) Close(code int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.closeCode = code
}

// Drain returns and forgets every frame queued so far.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// Closed reports whether the server closed the connection, and with which code.
func (q *Queue) Closed() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeCode, q.closed
}
