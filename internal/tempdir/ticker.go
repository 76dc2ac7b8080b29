package tempdir

import "time"

// ticker paces the cleaner walks. A walk waits for a tick after each Reset.
type ticker interface {
	C() <-chan time.Time
	Reset()
	Stop()
}

// intervalTicker ticks once interval has passed since the last Reset. Unlike a
// time.Ticker it never queues up ticks while a slow walk is running.
type intervalTicker struct {
	timer    *time.Timer
	interval time.Duration
}

func newIntervalTicker(interval time.Duration) *intervalTicker {
	timer := time.NewTimer(interval)
	if !timer.Stop() {
		<-timer.C
	}
	return &intervalTicker{timer: timer, interval: interval}
}

func (t *intervalTicker) C() <-chan time.Time { return t.timer.C }

func (t *intervalTicker) Reset() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(t.interval)
}

func (t *intervalTicker) Stop() { t.timer.Stop() }
