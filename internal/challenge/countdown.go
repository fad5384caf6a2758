package challenge

import "time"

const tickInterval = time.Second

// countdown is an owned timer counting down to a deadline. It ticks once per second
// while running and stops itself once the deadline passes. The zero value is stopped.
type countdown struct {
	deadline time.Time
	ticker   Ticker
}

// start (re)arms the countdown to fire for d from now, stopping any previous ticker.
func (c *countdown) start(clock Clock, d time.Duration) {
	c.stop()
	c.deadline = clock.Now().Add(d)
	if d > 0 {
		c.ticker = clock.NewTicker(tickInterval)
	}
}

// stop releases the ticker. The deadline is kept.
func (c *countdown) stop() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

// reset stops the countdown and forgets the deadline.
func (c *countdown) reset() {
	c.stop()
	c.deadline = time.Time{}
}

// extend moves the deadline later if until is after it, starting a ticker if needed.
func (c *countdown) extend(clock Clock, until time.Time) {
	if !until.After(c.deadline) {
		return
	}
	c.deadline = until
	if c.ticker == nil && until.After(clock.Now()) {
		c.ticker = clock.NewTicker(tickInterval)
	}
}

// C returns the tick channel, or nil when stopped (a nil channel never fires in select).
func (c *countdown) C() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.C()
}

// running reports whether a ticker is held.
func (c *countdown) running() bool { return c.ticker != nil }

// elapsed reports whether the deadline is set and has passed.
func (c *countdown) elapsed(now time.Time) bool {
	return !c.deadline.IsZero() && !now.Before(c.deadline)
}

// seconds returns the whole seconds remaining, rounded up. Zero when unset or passed.
func (c *countdown) seconds(now time.Time) int {
	if c.deadline.IsZero() {
		return 0
	}
	rem := c.deadline.Sub(now)
	if rem <= 0 {
		return 0
	}
	return int((rem + time.Second - 1) / time.Second)
}
