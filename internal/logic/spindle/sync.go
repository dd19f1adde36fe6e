package spindle

import (
	"context"
	"time"

	"github.com/cjeanneret/SpinGo/internal/debug"
)

// DefaultPollInterval is how often Sync checks the motion buffer.
const DefaultPollInterval = time.Millisecond

// Gate blocks a spindle command until queued motion has drained, so the
// change never takes effect while earlier moves are still running.
type Gate struct {
	buf  MotionBuffer
	sys  System
	poll time.Duration
}

// NewGate returns a gate polling buf every poll (0 = DefaultPollInterval).
func NewGate(buf MotionBuffer, sys System, poll time.Duration) *Gate {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Gate{buf: buf, sys: sys, poll: poll}
}

// Wait returns true once the buffer is empty. It returns false when the
// abort flag is raised during the wait, and false with ctx.Err() when ctx
// is cancelled. There is no timeout.
func (g *Gate) Wait(ctx context.Context) (bool, error) {
	if g.buf == nil || g.buf.Empty() {
		return true, nil
	}

	debug.Verbose("Spindle sync: waiting for motion buffer to drain")
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for !g.buf.Empty() {
		if g.sys.Aborted() {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
	return true, nil
}

// Sync is the G-code executor entry point: it does nothing in check mode,
// otherwise it waits for motion to drain and applies the command.
// A command interrupted by abort or cancellation is discarded.
func (c *Controller) Sync(ctx context.Context, state State, rpm float64) error {
	if c.sys.CheckMode() {
		return nil
	}
	ok, err := c.gate.Wait(ctx)
	if !ok {
		if err == nil {
			debug.Verbose("Spindle %s discarded: abort during sync", state)
		}
		return err
	}
	return c.Apply(Command{State: state, RPM: rpm})
}

// WaitIdle blocks until queued motion has drained, with the same abort
// and cancellation rules as Sync. It returns false if the wait was cut short.
func (c *Controller) WaitIdle(ctx context.Context) (bool, error) {
	return c.gate.Wait(ctx)
}
