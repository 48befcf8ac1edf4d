// Package timer implements named one-shot/periodic tasks bound to an
// event loop, matching the reference itimer contract: start_timer
// returns an id from an atomic counter starting at 1 (0 is reserved for
// "no timer"); stop_timer is idempotent and safe against unknown ids.
package timer

import (
	"sync/atomic"
	"time"

	"github.com/ibase-go/reliabletcp/internal/loop"
)

type entry struct {
	task     func()
	interval time.Duration
	timer    *time.Timer
}

// Service schedules tasks onto an owning Loop. All mutation of the timer
// table happens on that loop, so Service itself needs no internal lock.
type Service struct {
	loop   *loop.Loop
	nextID atomic.Uint32
	timers map[uint32]*entry
}

// New creates a Service bound to l.
func New(l *loop.Loop) *Service {
	return &Service{loop: l, timers: make(map[uint32]*entry)}
}

// Start schedules task to fire after delay, then every interval
// thereafter while interval > 0; a zero interval removes the timer
// after its first fire. Safe to call from any goroutine.
func (s *Service) Start(task func(), delay, interval time.Duration) uint32 {
	id := s.nextID.Add(1)
	s.loop.Post(func() {
		e := &entry{task: task, interval: interval}
		s.timers[id] = e
		s.arm(id, e, delay)
	})
	return id
}

func (s *Service) arm(id uint32, e *entry, after time.Duration) {
	e.timer = time.AfterFunc(after, func() {
		s.loop.Post(func() { s.fire(id) })
	})
}

func (s *Service) fire(id uint32) {
	e, ok := s.timers[id]
	if !ok {
		return
	}
	e.task()
	if e.interval <= 0 {
		delete(s.timers, id)
		return
	}
	s.arm(id, e, e.interval)
}

// Stop cancels timer id; stopping an unknown or already-stopped id is a
// no-op. Safe to call from any goroutine.
func (s *Service) Stop(id uint32) {
	if id == 0 {
		return
	}
	s.loop.Post(func() {
		e, ok := s.timers[id]
		if !ok {
			return
		}
		e.timer.Stop()
		delete(s.timers, id)
	})
}
