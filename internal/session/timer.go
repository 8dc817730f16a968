package session

import (
	"sync"
	"time"
)

const (
	DefaultTickInterval = time.Second
	DefaultExpiringSoon = 60 * time.Second
)

// TimerHandlers receive timer notifications. They run outside the timer lock, on the
// goroutine that produced the tick (the caller of Start for the first one).
type TimerHandlers struct {
	OnTick         func(remaining int)
	OnExpiringSoon func(remaining int)
	OnExpired      func()
}

// Timer counts down a server-anchored deadline. Remaining time is recomputed on every tick
// as duration - (now - startedAt), never decremented, so suspended or throttled processes
// catch up on the next tick.
type Timer struct {
	clock        Clock
	startedAt    time.Time
	duration     time.Duration
	interval     time.Duration
	expiringSoon time.Duration

	mu         sync.Mutex
	gen        uint64
	running    bool
	stop       chan struct{}
	maxElapsed time.Duration
	expired    bool
	warned     bool
	handlers   TimerHandlers
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithTickInterval sets how often remaining time is recomputed.
func WithTickInterval(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithExpiringSoon sets the threshold of the one-shot expiring-soon notification; 0 disables it.
func WithExpiringSoon(d time.Duration) TimerOption {
	return func(t *Timer) { t.expiringSoon = d }
}

// NewTimer creates a stopped timer for an attempt started at startedAt (server time).
func NewTimer(clock Clock, startedAt time.Time, durationSeconds int, opts ...TimerOption) *Timer {
	if clock == nil {
		clock = SystemClock{}
	}
	t := &Timer{
		clock:        clock,
		startedAt:    startedAt,
		duration:     time.Duration(durationSeconds) * time.Second,
		interval:     DefaultTickInterval,
		expiringSoon: DefaultExpiringSoon,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins ticking. The first tick happens synchronously, so a deadline that already
// passed expires before Start returns. Calling Start on a running or expired timer is a no-op.
func (t *Timer) Start(h TimerHandlers) {
	t.mu.Lock()
	if t.running || t.expired {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	t.running = true
	t.handlers = h
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	if !t.step(gen) {
		return
	}
	ticker := t.clock.NewTicker(t.interval)
	go t.loop(gen, ticker, stop)
}

func (t *Timer) loop(gen uint64, ticker Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if !t.step(gen) {
				return
			}
		}
	}
}

// step recomputes remaining time for generation gen and emits notifications.
// It reports whether the loop should keep running.
func (t *Timer) step(gen uint64) bool {
	t.mu.Lock()
	if gen != t.gen || !t.running {
		t.mu.Unlock()
		return false
	}
	remaining := t.remainingLocked()
	fireExpired := remaining == 0 && !t.expired
	if fireExpired {
		t.expired = true
		t.running = false
		if t.stop != nil {
			close(t.stop)
			t.stop = nil
		}
	}
	fireWarning := false
	if !t.warned && t.expiringSoon > 0 && remaining > 0 &&
		time.Duration(remaining)*time.Second <= t.expiringSoon {
		t.warned = true
		fireWarning = true
	}
	h := t.handlers
	t.mu.Unlock()

	if h.OnTick != nil {
		h.OnTick(remaining)
	}
	if fireWarning && h.OnExpiringSoon != nil {
		h.OnExpiringSoon(remaining)
	}
	if fireExpired && h.OnExpired != nil {
		h.OnExpired()
	}
	return !fireExpired
}

// Stop cancels the timer. Ticks already scheduled for the old generation are dropped.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.running = false
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Remaining returns whole seconds left, rounded up. It never increases and never goes below 0.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		return 0
	}
	return t.remainingLocked()
}

// Expired reports whether the expired notification has been emitted.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// DurationSeconds returns the attempt length.
func (t *Timer) DurationSeconds() int {
	return int(t.duration / time.Second)
}

func (t *Timer) remainingLocked() int {
	elapsed := t.clock.Now().Sub(t.startedAt)
	if elapsed > t.maxElapsed {
		t.maxElapsed = elapsed
	}
	left := t.duration - t.maxElapsed
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}
