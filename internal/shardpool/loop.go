package shardpool

import (
	"sync"
	"time"
)

// Loop is a single-goroutine task queue, the same confinement model a
// libuv-style event loop gives a connection pool. A ConnectionPool and
// every DelayedConnector bound to it must only be mutated from inside the
// same Loop, via Post - that confinement is what lets ConnectionPool itself
// carry no mutex.
type Loop struct {
	tasks chan func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewLoop starts a Loop's run goroutine and returns it.
func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.tasks {
		fn()
	}
}

// Post enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine, including the loop's own.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// AfterFunc arms a timer that posts fn onto the loop when it fires, so
// timer-driven code (reconnect delays) still executes with the loop's
// single-goroutine guarantee.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Stop drains and shuts down the loop's goroutine. It must only be called
// once all work posted to the loop is expected to have completed.
func (l *Loop) Stop() {
	l.closeOnce.Do(func() { close(l.tasks) })
	<-l.done
}
