package watch

import (
	gosync "sync"
	"time"
)

// debouncer runs the last scheduled callback once no new trigger arrived for
// delay.
type debouncer struct {
	mu       gosync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
	running  gosync.WaitGroup // callbacks in progress
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		if cb != nil {
			d.running.Add(1)
		}
		d.mu.Unlock()

		if cb == nil {
			return
		}
		defer d.running.Done()
		cb()
	})
}

// stop cancels a pending callback.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}

// wait blocks until callbacks that started before stop have returned.
func (d *debouncer) wait() {
	d.running.Wait()
}

// singleFlight runs fn so that at most one call is active and at most one
// more is queued behind it; further requests while one is queued are merged
// into it.
type singleFlight struct {
	mu      gosync.Mutex // guards running and pending
	running bool
	pending bool
}

func (s *singleFlight) run(fn func()) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		fn()

		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}
