package scheduler

import (
	"sync"
	"time"
)

// Clock is the time source of the tick loop.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is backed by package time.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker { return systemTicker{time.NewTicker(d)} }

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// ManualClock only moves when Advance is called. Ticks are delivered
// synchronously: Advance returns after every due tick has been received.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("scheduler: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{
		period: d,
		next:   c.now.Add(d),
		c:      make(chan time.Time),
		done:   make(chan struct{}),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d, delivering each ticker period
// crossed on the way in time order.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due *manualTicker
		for _, t := range c.tickers {
			if t.stopped() || t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		at := due.next
		c.now = at
		due.next = at.Add(due.period)
		c.mu.Unlock()

		select {
		case due.c <- at:
		case <-due.done:
		}
	}
}

type manualTicker struct {
	period time.Duration
	next   time.Time
	c      chan time.Time

	once sync.Once
	done chan struct{}
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() { t.once.Do(func() { close(t.done) }) }

func (t *manualTicker) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
