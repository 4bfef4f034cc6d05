package cnc

import (
	"context"
	"fmt"
)

// SendOptions adjusts how a single submission is queued.
type SendOptions struct {
	// Immediate pushes the line to the front of the transmit queue instead
	// of the back. The line still waits for device buffer space.
	Immediate bool
}

// Controller is the contract every concrete machine backend implements.
// Backends compose a *Base for the state vector and event plumbing, and
// provide the protocol state machine behind these verbs. A backend that
// cannot support a verb returns ErrUnsupported rather than silently
// ignoring the call.
//
// Instructions submitted to the same controller reach the device in
// submission order. The real-time verbs (Hold, Resume, Cancel,
// RealTimeMove) bypass the queue and act on the device immediately.
type Controller interface {
	// Connect opens the transport and drives the backend handshake. With
	// retry true, connection failures are retried with backoff until the
	// context is cancelled. Emits connected once the transport is open and
	// ready once the device reports idle and un-alarmed.
	Connect(ctx context.Context, retry bool) error

	// Reset forcibly re-initialises the device. All in-flight instructions
	// terminate with a cancelled error before the handshake is re-driven.
	Reset(ctx context.Context) error

	// ClearError attempts to clear a latched alarm.
	ClearError(ctx context.Context) error

	// SendLine enqueues a raw text line (no trailing newline) for
	// transmission. Progress is observable through the event broker only.
	SendLine(line string, opts SendOptions) error

	// SendGcode enqueues a structured instruction. If the instruction
	// carries a hook bundle, lifecycle events fire in order.
	SendGcode(instr *Instruction, opts SendOptions) error

	// WaitSync completes when the transmit queue is drained, every sent
	// instruction reached a terminal event, and motion has stopped.
	WaitSync(ctx context.Context) error

	// Hold engages feed hold. Motion pauses; the queue is retained.
	Hold() error
	// Resume releases feed hold.
	Resume() error
	// Cancel aborts current operations, flushes the queue (every in-flight
	// instruction terminates with cancelled) and releases hold. Idempotent.
	Cancel() error

	// RealTimeMove nudges one axis by a signed increment, bypassing the
	// queue. While a previous nudge is still in flight the call is a no-op.
	RealTimeMove(axis int, inc float64) error

	// Move performs a linear move to pos (Skip components hold their axis)
	// and returns once motion has completed and the machine is stopped.
	Move(ctx context.Context, pos []float64, feed float64) error

	// Home homes the given axes (nil means all homable axes) and returns
	// once homing completes.
	Home(ctx context.Context, axes []bool) error

	// Probe moves toward pos until the probe trips and returns the tripped
	// machine position, leaving the machine parked there.
	Probe(ctx context.Context, pos []float64, feed float64) ([]float64, error)

	// Status returns an immutable snapshot of the state vector.
	Status() *Status

	// Events returns the controller's broadcast hub.
	Events() *Broker

	core() *Base
}

// Send submits either a raw line or a tagged G-code instruction, whichever
// thing turns out to be.
func Send(c Controller, thing any, opts SendOptions) error {
	switch v := thing.(type) {
	case *Instruction:
		return c.SendGcode(v, opts)
	case string:
		return c.SendLine(v, opts)
	case fmt.Stringer:
		return c.SendLine(v.String(), opts)
	}
	return NewError(KindParseError, fmt.Sprintf("cannot send %T", thing))
}
