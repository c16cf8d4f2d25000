package app

import "sync"

// queue serializes every mutation of coordinator state on one goroutine.
type queue struct {
	ops  chan func()
	done chan struct{}
	once sync.Once
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = 256
	}
	q := &queue{ops: make(chan func(), size), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *queue) run() {
	for {
		select {
		case <-q.done:
			return
		case fn := <-q.ops:
			fn()
		}
	}
}

// post reports false once the queue is stopped.
func (q *queue) post(fn func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ops <- fn:
		return true
	case <-q.done:
		return false
	}
}

func (q *queue) stop() {
	q.once.Do(func() { close(q.done) })
}
