package grbl

import (
	"context"
	"fmt"
	"time"

	"github.com/crispy1989/tightcnc/cnc"
)

// grbl real-time command bytes. These act immediately, outside the normal
// line protocol, and produce no ok.
const (
	charStatus    = '?'
	charHold      = '!'
	charResume    = '~'
	charReset     = 0x18
	charJogCancel = 0x85
)

// Hold engages feed hold. In-flight motion decelerates and pauses; the
// queue is retained on both host and device.
func (c *Controller) Hold() error {
	if err := c.writeRaw([]byte{charHold}); err != nil {
		return err
	}
	c.Mutate(func(s *cnc.MachineState) { s.Held = true })
	return nil
}

// Resume releases feed hold and lets the queue continue.
func (c *Controller) Resume() error {
	if err := c.writeRaw([]byte{charResume}); err != nil {
		return err
	}
	c.Mutate(func(s *cnc.MachineState) { s.Held = false })
	return nil
}

// Cancel aborts whatever the device is doing: jogs are cancelled, motion
// stops, and both the host queue and the device buffer are flushed. Every
// in-flight instruction terminates with a cancelled error. grbl can only
// discard its planner buffer through a soft reset, so the device
// re-announces itself afterwards and the controller re-synchronises
// automatically. A second Cancel with nothing outstanding is a no-op.
func (c *Controller) Cancel() error {
	c.mx.Lock()
	outstanding := len(c.queue) > 0 || len(c.pending) > 0
	conn := c.conn
	c.cancelEpoch++
	c.mx.Unlock()

	st := c.Status()
	if !outstanding && !st.Moving && !st.Held && !c.jogBusy.Load() {
		return nil
	}

	c.cancelling.Store(true)
	if conn != nil {
		c.writeRaw([]byte{charJogCancel})
		c.writeRaw([]byte{charHold})
		c.writeRaw([]byte{charReset})
	}
	c.failAll(cnc.Cancelled())
	c.jogBusy.Store(false)
	c.Mutate(func(s *cnc.MachineState) {
		s.Held = false
		s.Moving = false
	})
	return nil
}

// Reset cancels everything in flight and re-initialises both the device
// and the mirrored state, then waits for the device to come back ready.
func (c *Controller) Reset(ctx context.Context) error {
	ready := c.Events().SubscribeReady()

	if err := c.Cancel(); err != nil {
		return err
	}
	c.mx.Lock()
	conn := c.conn
	c.mx.Unlock()
	if conn == nil {
		return cnc.NewError(cnc.KindCommError, "not connected")
	}
	c.ResetState()
	c.cancelling.Store(true)
	if err := c.writeRaw([]byte{charReset}); err != nil {
		return err
	}

	select {
	case <-ready:
		return nil
	case <-time.After(c.cfg.HandshakeTimeout):
		return cnc.NewError(cnc.KindCommError, "device did not come back after reset")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealTimeMove nudges one axis by a signed increment using a relative jog.
// At most one nudge may be outstanding; while one is in flight further
// calls are silently ignored.
func (c *Controller) RealTimeMove(axis int, inc float64) error {
	st := c.Status()
	if axis < 0 || axis >= len(st.AxisLabels) {
		return cnc.NewError(cnc.KindMachineError, fmt.Sprintf("no axis %d", axis))
	}
	if !c.jogBusy.CompareAndSwap(false, true) {
		return nil
	}

	line := fmt.Sprintf("$J=G91 %s%s F%s",
		axisWord(st.AxisLabels[axis]), num(inc), num(c.cfg.JogFeed))
	clear := func() { c.jogBusy.Store(false) }
	cmd := &command{text: line, lc: cnc.NewLifecycle(&cnc.Hooks{
		OnExecuted: clear,
		OnError:    func(error) { clear() },
	})}
	if err := c.enqueue(cmd, cnc.SendOptions{Immediate: true}); err != nil {
		return err
	}
	return nil
}
