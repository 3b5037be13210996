package node

import (
	"time"
)

type timerFactory func(time.Duration) <-chan time.Time

// ControlTimer drives the seal loop. The loop resets it with a fast timeout
// while the pending pool is non-empty and a slow timeout when there is
// nothing to seal.
type ControlTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sends a signal to the seal loop
	resetCh      chan time.Duration //receives instruction to reset the timer
	stopCh       chan struct{}      //receives instruction to stop the timer
	shutdownCh   chan struct{}      //receives instruction to exit Run loop
	set          bool
}

// NewControlTimer ...
func NewControlTimer(timerFactory timerFactory) *ControlTimer {
	return &ControlTimer{
		timerFactory: timerFactory,
		tickCh:       make(chan struct{}),
		resetCh:      make(chan time.Duration),
		stopCh:       make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

// NewTimeoutControlTimer returns a ControlTimer backed by plain time.After
// timeouts.
func NewTimeoutControlTimer() *ControlTimer {
	return NewControlTimer(func(t time.Duration) <-chan time.Time {
		if t == 0 {
			return nil
		}
		return time.After(t)
	})
}

// Run intercepts the timer's expirations and relays them to the seal loop.
// Every send is guarded by shutdownCh so neither side can be left hanging
// when the node stops.
func (c *ControlTimer) Run(init time.Duration) {
	setTimer := func(t time.Duration) <-chan time.Time {
		c.set = true
		return c.timerFactory(t)
	}

	timer := setTimer(init)
	for {
		select {
		case <-timer:
			select {
			case c.tickCh <- struct{}{}:
				c.set = false
			case <-c.shutdownCh:
				c.set = false
				return
			}
		case t := <-c.resetCh:
			timer = setTimer(t)
		case <-c.stopCh:
			timer = nil
			c.set = false
		case <-c.shutdownCh:
			c.set = false
			return
		}
	}
}

// Reset re-arms the timer with a new timeout. It is a no-op after Shutdown.
func (c *ControlTimer) Reset(t time.Duration) {
	select {
	case c.resetCh <- t:
	case <-c.shutdownCh:
	}
}

// Stop disarms the timer without shutting it down.
func (c *ControlTimer) Stop() {
	select {
	case c.stopCh <- struct{}{}:
	case <-c.shutdownCh:
	}
}

// Shutdown makes the Run loop return. It must be called exactly once.
func (c *ControlTimer) Shutdown() {
	close(c.shutdownCh)
}
