package workspace

import (
	"sync"
	"time"

	"github.com/layneker8/soft-turnos/internal/clock"
)

// Elapsed is the display time since a server-confirmed stamp, truncated to
// whole seconds. It never goes negative.
func Elapsed(since, now time.Time) time.Duration {
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return now.Sub(since).Truncate(time.Second)
}

// Timer recomputes Elapsed once a second and reports it to onTick on its own
// goroutine. Each Restart discards the previous counter.
type Timer struct {
	clock  clock.Clock
	onTick func(time.Duration)

	mu     sync.Mutex
	since  time.Time
	ticker *clock.Ticker
	stop   chan struct{}
}

func NewTimer(clk clock.Clock, onTick func(time.Duration)) *Timer {
	if clk == nil {
		clk = clock.Real()
	}
	if onTick == nil {
		onTick = func(time.Duration) {}
	}
	return &Timer{clock: clk, onTick: onTick}
}

func (t *Timer) Restart(since time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()

	ticker := t.clock.NewTicker(time.Second)
	stop := make(chan struct{})
	t.since, t.ticker, t.stop = since, ticker, stop
	go func() {
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				t.onTick(Elapsed(since, now))
			}
		}
	}()
}

// Stop halts the counter. Stopping an idle timer does nothing.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if t.stop == nil {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.since, t.ticker, t.stop = time.Time{}, nil, nil
}

// Since returns the stamp being counted from, if running.
func (t *Timer) Since() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since, t.stop != nil
}

func (t *Timer) Elapsed() time.Duration {
	since, ok := t.Since()
	if !ok {
		return 0
	}
	return Elapsed(since, t.clock.Now())
}
