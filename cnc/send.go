package cnc

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// streamWindow bounds how many stream items may be awaiting a terminal
// event at once. Submission itself already blocks on the backend's queue;
// the window keeps the tracking bookkeeping bounded as well.
const streamWindow = 32

// SendStream feeds every item of the stream to SendGcode (raw strings are
// tagged as G-code instructions first) and returns once
// each one has reached a terminal event. The first item error fails the
// stream; the remaining in-flight items are cancelled and receive a
// cancelled terminal event. ProgramRunning is true for the duration.
func SendStream(ctx context.Context, c Controller, s Stream) error {
	b := c.core()
	b.setProgramRunning(true)
	defer b.setProgramRunning(false)

	g, ctx := errgroup.WithContext(ctx)
	inFlight := make(chan *Lifecycle, streamWindow)

	g.Go(func() error {
		defer close(inFlight)
		for {
			item, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			instr := asInstruction(item)
			if instr == nil {
				return NewError(KindParseError, "stream item is neither line nor gcode")
			}
			track := NewLifecycle(nil)
			instr.hooks = tee(instr.hooks, track)

			if err := c.SendGcode(instr, SendOptions{}); err != nil {
				return err
			}
			select {
			case inFlight <- track:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		for track := range inFlight {
			select {
			case <-track.Done():
				if err := track.Err(); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		// Flush whatever is still queued; each flushed instruction gets its
		// cancelled terminal event from the backend.
		c.Cancel()
		return err
	}
	return nil
}

// SendFile streams the lines of a UTF-8 text file through the controller.
func SendFile(ctx context.Context, c Controller, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return WrapError(KindCommError, "open gcode file", err)
	}
	return SendStream(ctx, c, LineStream(f))
}

func asInstruction(item any) *Instruction {
	switch v := item.(type) {
	case *Instruction:
		return v
	case string:
		return Gcode(v)
	}
	return nil
}

// tee chains a caller hook bundle with an internal tracker so both observe
// the same lifecycle.
func tee(h *Hooks, track *Lifecycle) *Hooks {
	out := &Hooks{
		OnQueued:    func() { track.Queued() },
		OnSent:      func() { track.Sent() },
		OnAck:       func() { track.Ack() },
		OnExecuting: func() { track.Executing() },
		OnExecuted:  func() { track.Executed() },
		OnError:     func(err error) { track.Fail(err) },
	}
	if h == nil {
		return out
	}
	orig := *h
	out.OnQueued = func() { call(orig.OnQueued); track.Queued() }
	out.OnSent = func() { call(orig.OnSent); track.Sent() }
	out.OnAck = func() { call(orig.OnAck); track.Ack() }
	out.OnExecuting = func() { call(orig.OnExecuting); track.Executing() }
	out.OnExecuted = func() { call(orig.OnExecuted); track.Executed() }
	out.OnError = func(err error) {
		if orig.OnError != nil {
			orig.OnError(err)
		}
		track.Fail(err)
	}
	return out
}
