// Package alarms provides named, re-arming wall-clock alarms. An alarm
// fires once at its first fire time and then every period; creating an
// alarm under an existing name replaces it.
package alarms

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives the name of the alarm that fired.
type Handler func(name string)

// Service arms and clears named alarms.
type Service interface {
	Create(name string, firstFireAt time.Time, period time.Duration)
	Clear(name string) bool
}

var _ Service = (*Clock)(nil)

// Clock is the timer-backed Service implementation.
type Clock struct {
	log     zerolog.Logger
	nowTime func() time.Time

	mu      sync.Mutex
	handler Handler
	timers  map[string]*time.Timer
	periods map[string]time.Duration
	stopped bool
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) ClockOption {
	return func(c *Clock) {
		c.nowTime = nowFunc
	}
}

// NewClock initializes the alarm clock. The handler is registered
// separately so the clock can be constructed before its consumer.
func NewClock(log zerolog.Logger, options ...ClockOption) *Clock {
	c := &Clock{
		log:     log,
		nowTime: time.Now,
		timers:  make(map[string]*time.Timer),
		periods: make(map[string]time.Duration),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// SetHandler registers the fire handler. Alarms created before a handler
// is registered fire into a no-op.
func (c *Clock) SetHandler(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Create arms name to fire at firstFireAt and then every period. A zero
// period means one-shot. A first fire time in the past fires immediately.
func (c *Clock) Create(name string, firstFireAt time.Time, period time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.clearLocked(name)

	delay := firstFireAt.Sub(c.nowTime())
	if delay < 0 {
		delay = 0
	}
	c.periods[name] = period
	c.timers[name] = time.AfterFunc(delay, func() { c.fire(name) })
	c.log.Debug().Str("alarm", name).Time("firstFireAt", firstFireAt).Dur("period", period).Msg("alarm armed")
}

// Clear disarms name, reporting whether an alarm was armed.
func (c *Clock) Clear(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked(name)
}

// Stop disarms every alarm. The clock cannot be rearmed afterwards.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for name := range c.timers {
		c.clearLocked(name)
	}
}

func (c *Clock) clearLocked(name string) bool {
	timer, ok := c.timers[name]
	if !ok {
		return false
	}
	timer.Stop()
	delete(c.timers, name)
	delete(c.periods, name)
	return true
}

func (c *Clock) fire(name string) {
	c.mu.Lock()
	handler := c.handler
	period, armed := c.periods[name]
	if armed && !c.stopped {
		if period > 0 {
			c.timers[name] = time.AfterFunc(period, func() { c.fire(name) })
		} else {
			c.clearLocked(name)
		}
	}
	c.mu.Unlock()

	if !armed {
		return
	}
	c.log.Debug().Str("alarm", name).Msg("alarm fired")
	if handler != nil {
		handler(name)
	}
}
