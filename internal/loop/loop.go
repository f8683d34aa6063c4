package loop

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop runs posted tasks one at a time, in order, on a single goroutine. Every
// read or mutation of a reader document goes through it, so tasks never need
// locks of their own. Tasks must not call Do on their own loop.
type Loop struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func()
	pending int
	closed  bool

	wake   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	l.idle = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post queues fn. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.pending++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// AfterFunc posts fn once d has elapsed. The returned stop function cancels it
// if it has not fired yet.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return func() bool { return false }
	}
	l.pending++
	l.mu.Unlock()

	t := time.AfterFunc(d, func() {
		l.Post(fn)
		l.release(1)
	})
	return func() bool {
		if t.Stop() {
			l.release(1)
			return true
		}
		return false
	}
}

// Wait blocks until every posted and scheduled task has run or been dropped.
func (l *Loop) Wait() {
	l.mu.Lock()
	for l.pending > 0 {
		l.idle.Wait()
	}
	l.mu.Unlock()
}

// Close stops the loop. Queued tasks are dropped; timers that fire later become no-ops.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
}

func (l *Loop) run() {
	for {
		select {
		case <-l.wake:
			for {
				fn, ok := l.pop()
				if !ok {
					break
				}
				l.exec(fn)
				l.release(1)
			}
		case <-l.done:
			l.mu.Lock()
			dropped := len(l.queue)
			l.queue = nil
			l.mu.Unlock()
			l.release(dropped)
			return
		}
	}
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (l *Loop) release(n int) {
	if n == 0 {
		return
	}
	l.mu.Lock()
	l.pending -= n
	if l.pending <= 0 {
		l.pending = 0
		l.idle.Broadcast()
	}
	l.mu.Unlock()
}
