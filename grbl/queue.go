package grbl

import (
	"context"
	"time"

	"github.com/crispy1989/tightcnc/cnc"
)

// SendLine enqueues a raw text line for transmission. It blocks only when
// the host-side queue is full.
func (c *Controller) SendLine(line string, opts cnc.SendOptions) error {
	return c.enqueue(&command{text: line, lc: cnc.NewLifecycle(nil)}, opts)
}

// SendGcode enqueues a structured instruction, firing its lifecycle hooks
// as the line progresses through the protocol.
func (c *Controller) SendGcode(instr *cnc.Instruction, opts cnc.SendOptions) error {
	return c.enqueue(&command{text: instr.String(), lc: cnc.NewLifecycle(instr.Hooks())}, opts)
}

func (c *Controller) enqueue(cmd *command, opts cnc.SendOptions) error {
	c.mx.Lock()
	for len(c.queue) >= maxQueue && !c.closing {
		c.cond.Wait()
	}
	if c.closing {
		c.mx.Unlock()
		err := cnc.NewError(cnc.KindCommError, "not connected")
		cmd.lc.Fail(err)
		return err
	}
	if opts.Immediate {
		c.queue = append([]*command{cmd}, c.queue...)
	} else {
		c.queue = append(c.queue, cmd)
	}
	c.mx.Unlock()

	cmd.lc.Queued()
	c.kick()
	return nil
}

func (c *Controller) kick() { c.cond.Broadcast() }

// pump transmits queued lines while they fit in the device's receive
// buffer, counting characters the way grbl's streaming protocol expects.
func (c *Controller) pump(stop chan struct{}) {
	for {
		c.mx.Lock()
		for !c.closing && !c.canSendLocked() {
			c.cond.Wait()
		}
		if c.closing {
			c.mx.Unlock()
			return
		}
		cmd := c.queue[0]
		c.queue = c.queue[1:]
		c.pending = append(c.pending, cmd)
		c.inFlight += len(cmd.text) + 1
		c.mx.Unlock()
		c.cond.Broadcast()

		if err := c.writeRaw([]byte(cmd.text + "\n")); err != nil {
			return
		}
		c.log.Debugw("send", "line", cmd.text)
		cmd.lc.Sent()
		c.Events().PublishSent(cmd.text)

		select {
		case <-stop:
			return
		default:
		}
	}
}

func (c *Controller) canSendLocked() bool {
	if c.conn == nil || len(c.queue) == 0 {
		return false
	}
	cost := len(c.queue[0].text) + 1
	return c.inFlight+cost <= c.cfg.RxBuffer || len(c.pending) == 0
}

// finishHead consumes one device acknowledgement for the oldest
// transmitted line. grbl gives no distinct executing signal for accepted
// lines, so those transitions are synthesized at the ack.
func (c *Controller) finishHead(err error) {
	c.mx.Lock()
	if c.skipAcks > 0 {
		c.skipAcks--
		c.mx.Unlock()
		return
	}
	if len(c.pending) == 0 {
		c.mx.Unlock()
		c.log.Warnw("ack with nothing pending")
		return
	}
	cmd := c.pending[0]
	c.pending = c.pending[1:]
	c.inFlight -= len(cmd.text) + 1
	var probeRes []float64
	tripped := false
	if cmd.probe && err == nil {
		probeRes = c.prb
		tripped = c.prbTripped
		c.prb = nil
		c.prbTripped = false
	}
	c.mx.Unlock()
	c.cond.Broadcast()

	if err != nil {
		cmd.lc.Fail(err)
		return
	}
	if cmd.probe {
		if !tripped {
			cmd.lc.Fail(cnc.NewError(cnc.KindProbeNotTripped, "probe did not trip"))
			return
		}
		cmd.probeRes = probeRes
	}
	c.applyModal(cmd.text)
	cmd.lc.Ack()
	cmd.lc.Executing()
	cmd.lc.Executed()
}

// failAll terminates every queued and transmitted instruction with err and
// empties both queues.
func (c *Controller) failAll(err error) {
	c.mx.Lock()
	cmds := make([]*command, 0, len(c.pending)+len(c.queue))
	cmds = append(cmds, c.pending...)
	cmds = append(cmds, c.queue...)
	c.pending = nil
	c.queue = nil
	c.inFlight = 0
	c.mx.Unlock()
	c.cond.Broadcast()

	for _, cmd := range cmds {
		cmd.lc.Fail(err)
	}
}

// failPending terminates only the transmitted-but-unacknowledged lines.
func (c *Controller) failPending(err error) {
	c.mx.Lock()
	cmds := c.pending
	c.pending = nil
	c.inFlight = 0
	c.mx.Unlock()
	c.cond.Broadcast()

	for _, cmd := range cmds {
		cmd.lc.Fail(err)
	}
}

// submit enqueues an internal command and returns its lifecycle for
// completion tracking.
func (c *Controller) submit(text string, opts cnc.SendOptions) (*cnc.Lifecycle, error) {
	cmd := &command{text: text, lc: cnc.NewLifecycle(nil)}
	if err := c.enqueue(cmd, opts); err != nil {
		return nil, err
	}
	return cmd.lc, nil
}

// WaitSync blocks until the transmit queue is drained, every transmitted
// line has reached a terminal event, and motion has stopped. A G4 dwell is
// used to force the device's parser to the end of the submitted program
// before motion is checked.
func (c *Controller) WaitSync(ctx context.Context) error {
	epoch := c.epoch()

	lc, err := c.submit("G4 P0", cnc.SendOptions{})
	if err != nil {
		return err
	}
	select {
	case <-lc.Done():
		if err := lc.Err(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		st := c.Status()
		if st.Error {
			return st.ErrorData
		}
		c.mx.Lock()
		drained := len(c.queue) == 0 && len(c.pending) == 0
		c.mx.Unlock()
		if drained && !st.Moving {
			if c.epoch() != epoch {
				return cnc.Cancelled()
			}
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ClearError attempts to clear a latched alarm with a kill-alarm-lock.
func (c *Controller) ClearError(ctx context.Context) error {
	lc, err := c.submit("$X", cnc.SendOptions{Immediate: true})
	if err != nil {
		return err
	}
	select {
	case <-lc.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := lc.Err(); err != nil {
		return cnc.WrapError(cnc.KindMachineError, "device refused to clear alarm", err)
	}
	c.Mutate(func(s *cnc.MachineState) { s.ClearError() })
	return nil
}
