// Package loop provides the minimal single-threaded event-loop primitive
// that the protocol layer is bound to: exactly one goroutine owns the
// mutable state of a client, server, or session, and every external
// caller reaches that state only by posting a task onto the loop.
package loop

import "sync"

// Loop runs posted tasks serially on a single goroutine.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

// New starts a loop goroutine and returns it.
func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.tasks:
			select {
			case <-l.quit:
				return
			default:
			}
			fn()
		case <-l.quit:
			return
		}
	}
}

// Post enqueues fn to run on the loop goroutine and returns immediately.
// It is a no-op once the loop has been stopped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

// Call enqueues fn and blocks until it has finished running on the loop.
// Callers already running on the loop goroutine must use Post instead —
// Call from the loop goroutine itself would deadlock.
func (l *Loop) Call(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-l.quit:
	}
}

// Stop terminates the loop goroutine; pending, not-yet-run tasks are
// discarded. Stop is idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
}
