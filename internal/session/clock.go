package session

import "time"

// Clock is the time source of a session. Tests inject a manual clock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// offsetClock shifts Now by the measured difference between server and local time.
type offsetClock struct {
	base   Clock
	offset time.Duration
}

// WithOffset returns a clock reading base.Now()+offset.
func WithOffset(base Clock, offset time.Duration) Clock {
	if offset == 0 {
		return base
	}
	return offsetClock{base: base, offset: offset}
}

func (o offsetClock) Now() time.Time                   { return o.base.Now().Add(o.offset) }
func (o offsetClock) NewTicker(d time.Duration) Ticker { return o.base.NewTicker(d) }
