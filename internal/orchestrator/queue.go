package orchestrator

import "sync"

// queue is an unbounded FIFO of loop events. push never blocks, so it is
// safe from transport sinks and portal listeners that hold their own
// locks.
type queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(ev func()) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}
