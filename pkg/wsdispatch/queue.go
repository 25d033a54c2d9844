package wsdispatch

import (
	"sync"

	"github.com/eapache/queue"
)

// signalQueue is an unbounded FIFO with a wakeup channel for a single consumer. Producers
// never block, so the session read loop can hand off work without waiting on any one
// connection.
type signalQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
	closed bool
}

func newSignalQueue() *signalQueue {
	return &signalQueue{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// push appends v. Returns false if the queue is closed.
func (sq *signalQueue) push(v interface{}) bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return false
	}
	sq.q.Add(v)
	sq.wake()
	return true
}

// wake must be called with mu held
func (sq *signalQueue) wake() {
	select {
	case sq.signal <- struct{}{}:
	default:
	}
}

// wait returns a channel that receives after a push or close
func (sq *signalQueue) wait() <-chan struct{} {
	return sq.signal
}

// drain removes and returns every queued item, and whether the queue has been closed
func (sq *signalQueue) drain() ([]interface{}, bool) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	n := sq.q.Length()
	if n == 0 {
		return nil, sq.closed
	}
	items := make([]interface{}, n)
	for i := range items {
		items[i] = sq.q.Remove()
	}
	return items, sq.closed
}

// close rejects further pushes; items already queued can still be drained
func (sq *signalQueue) close() {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if !sq.closed {
		sq.closed = true
		sq.wake()
	}
}
