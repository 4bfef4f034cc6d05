package grbl

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crispy1989/tightcnc/cnc"
)

// fakeDevice simulates a grbl board on the far side of a net.Pipe: it
// acks lines, answers status polls, reboots on soft reset, and moves
// instantly. Motion state is deliberately simplistic; the protocol
// behavior is what matters here.
type fakeDevice struct {
	host net.Conn
	dev  net.Conn

	mu       sync.Mutex
	mpos     [3]float64
	held     bool
	alarmed  bool
	hold     bool
	heldCmds []string
	lines    []string
	tripZ    *float64

	out    chan string
	closed chan struct{}
}

func newFakeDevice(t *testing.T) *fakeDevice {
	host, dev := net.Pipe()
	f := &fakeDevice{
		host:   host,
		dev:    dev,
		out:    make(chan string, 256),
		closed: make(chan struct{}),
	}
	go f.writer()
	go f.reader()
	t.Cleanup(func() {
		close(f.closed)
		f.dev.Close()
		f.host.Close()
	})
	return f
}

func (f *fakeDevice) dial(Config) (io.ReadWriteCloser, error) { return f.host, nil }

func (f *fakeDevice) send(s string) {
	select {
	case f.out <- s:
	case <-f.closed:
	}
}

func (f *fakeDevice) writer() {
	for {
		select {
		case s := <-f.out:
			if _, err := f.dev.Write([]byte(s + "\r\n")); err != nil {
				return
			}
		case <-f.closed:
			return
		}
	}
}

func (f *fakeDevice) reader() {
	buf := make([]byte, 1)
	var line []byte
	for {
		if _, err := f.dev.Read(buf); err != nil {
			return
		}
		switch b := buf[0]; b {
		case charStatus:
			f.sendStatus()
		case charReset:
			line = nil
			f.reboot()
		case charHold:
			f.mu.Lock()
			f.held = true
			f.mu.Unlock()
		case charResume:
			f.mu.Lock()
			f.held = false
			f.mu.Unlock()
		case charJogCancel:
		case '\r':
		case '\n':
			s := string(line)
			line = nil
			if s != "" {
				f.handleLine(s)
			}
		default:
			line = append(line, b)
		}
	}
}

func (f *fakeDevice) reboot() {
	f.mu.Lock()
	f.alarmed = false
	f.held = false
	f.mu.Unlock()
	f.send("")
	f.send("Grbl 1.1f ['$' for help]")
}

func (f *fakeDevice) sendStatus() {
	f.mu.Lock()
	state := "Idle"
	if f.alarmed {
		state = "Alarm"
	} else if f.held {
		state = "Hold:0"
	}
	mpos := f.mpos
	f.mu.Unlock()
	f.send(fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f|FS:0,0>", state, mpos[0], mpos[1], mpos[2]))
}

func (f *fakeDevice) handleLine(s string) {
	f.mu.Lock()
	f.lines = append(f.lines, s)
	if f.hold {
		f.heldCmds = append(f.heldCmds, s)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.respond(s)
}

func (f *fakeDevice) respond(s string) {
	f.mu.Lock()
	alarmed := f.alarmed
	f.mu.Unlock()
	if alarmed && s != "$X" {
		f.send("error:9")
		return
	}

	switch {
	case s == "$X":
		f.mu.Lock()
		f.alarmed = false
		f.mu.Unlock()
		f.send("[MSG:Caution: Unlocked]")
		f.send("ok")
	case s == "$#":
		f.send("[G54:1.000,2.000,3.000]")
		f.send("[G55:0.000,0.000,0.000]")
		f.send("[G28:0.000,0.000,0.000]")
		f.send("[G30:0.000,0.000,0.000]")
		f.send("[G92:0.000,0.000,0.000]")
		f.send("ok")
	case s == "$G":
		f.send("[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]")
		f.send("ok")
	case strings.HasPrefix(s, "$H"):
		f.send("ok")
	case strings.HasPrefix(s, "$J="):
		f.applyMove(strings.TrimPrefix(s, "$J="), true)
		f.send("ok")
	case strings.HasPrefix(s, "G38.2"):
		f.probe(s)
	default:
		f.applyMove(s, false)
		f.send("ok")
	}
}

func (f *fakeDevice) applyMove(s string, jog bool) {
	relative := jog
	for _, w := range parseWords(s) {
		switch w.letter {
		case 'G':
			if w.value == 91 {
				relative = true
			}
			if w.value == 90 {
				relative = false
			}
		case 'X', 'Y', 'Z':
			i := int(w.letter - 'X')
			f.mu.Lock()
			if relative {
				f.mpos[i] += w.value
			} else {
				f.mpos[i] = w.value
			}
			f.mu.Unlock()
		}
	}
}

func (f *fakeDevice) probe(s string) {
	var target float64
	for _, w := range parseWords(s) {
		if w.letter == 'Z' {
			target = w.value
		}
	}
	f.mu.Lock()
	trip := f.tripZ
	f.mu.Unlock()

	if trip != nil && *trip >= target {
		f.mu.Lock()
		f.mpos[2] = *trip
		f.mu.Unlock()
		f.send(fmt.Sprintf("[PRB:0.000,0.000,%.3f:1]", *trip))
		f.send("ok")
		return
	}

	f.mu.Lock()
	f.mpos[2] = target
	f.alarmed = true
	f.mu.Unlock()
	f.send("ALARM:5")
}

func (f *fakeDevice) setHold(v bool) {
	f.mu.Lock()
	f.hold = v
	held := f.heldCmds
	f.heldCmds = nil
	f.mu.Unlock()
	if !v {
		for _, s := range held {
			f.respond(s)
		}
	}
}

func (f *fakeDevice) receivedLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeDevice) countLines(prefix string) int {
	n := 0
	for _, l := range f.receivedLines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func newTestController(t *testing.T) (*Controller, *fakeDevice) {
	f := newFakeDevice(t)
	c := New(Config{
		StatusInterval:   5 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		Dial:             f.dial,
	}, nil)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, false))
	return c, f
}

func TestConnectReady(t *testing.T) {
	c, _ := newTestController(t)
	st := c.Status()
	assert.True(t, st.Ready)
	assert.False(t, st.Error)
	assert.False(t, st.Moving)
}

func TestConnectSyncsOffsets(t *testing.T) {
	c, _ := newTestController(t)
	require.Eventually(t, func() bool {
		st := c.Status()
		return len(st.MPosOffset) == 3 && st.MPosOffset[0] == 1 && st.MPosOffset[1] == 2 && st.MPosOffset[2] == 3
	}, 2*time.Second, 10*time.Millisecond, "G54 offsets never mirrored")
}

func TestLifecycleOrderThroughDevice(t *testing.T) {
	c, _ := newTestController(t)

	events := make(chan string, 8)
	instr := cnc.Gcode("G0 X1").WithHooks(&cnc.Hooks{
		OnQueued:    func() { events <- "queued" },
		OnSent:      func() { events <- "sent" },
		OnAck:       func() { events <- "ack" },
		OnExecuting: func() { events <- "executing" },
		OnExecuted:  func() { events <- "executed" },
		OnError:     func(error) { events <- "error" },
	})
	require.NoError(t, c.SendGcode(instr, cnc.SendOptions{}))

	want := []string{"queued", "sent", "ack", "executing", "executed"}
	for _, expect := range want {
		select {
		case got := <-events:
			require.Equal(t, expect, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", expect)
		}
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendLineBroadcasts(t *testing.T) {
	c, _ := newTestController(t)
	sent := c.Events().SubscribeSent()

	require.NoError(t, c.SendLine("G0 X2", cnc.SendOptions{}))

	// Connect returns on the first idle report, while the handshake's $#
	// and $G queries may still be going out; they are the only lines
	// allowed ahead of ours.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-sent:
			if raw == "$#" || raw == "$G" {
				continue
			}
			assert.Equal(t, "G0 X2", raw)
			return
		case <-deadline:
			t.Fatal("sent event never fired")
		}
	}
}

func TestCancelFanOut(t *testing.T) {
	c, f := newTestController(t)
	require.NoError(t, c.WaitSync(context.Background()))
	f.setHold(true)

	type result struct {
		id   int
		kind cnc.ErrorKind
	}
	terminal := make(chan result, 8)
	for i := 0; i < 3; i++ {
		i := i
		instr := cnc.Gcode(fmt.Sprintf("G1 X%d F100", i)).WithHooks(&cnc.Hooks{
			OnExecuted: func() { terminal <- result{id: i, kind: ""} },
			OnError:    func(err error) { terminal <- result{id: i, kind: cnc.KindOf(err)} },
		})
		require.NoError(t, c.SendGcode(instr, cnc.SendOptions{}))
	}

	// Let the lines reach the device so they are genuinely in flight.
	require.Eventually(t, func() bool { return f.countLines("G1 ") == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel())

	seen := map[int]cnc.ErrorKind{}
	for i := 0; i < 3; i++ {
		select {
		case r := <-terminal:
			_, dup := seen[r.id]
			require.False(t, dup, "instruction %d got two terminal events", r.id)
			seen[r.id] = r.kind
		case <-time.After(2 * time.Second):
			t.Fatal("missing terminal event")
		}
	}
	for id, kind := range seen {
		assert.Equal(t, cnc.KindCancelled, kind, "instruction %d", id)
	}

	st := c.Status()
	assert.False(t, st.Held)
	assert.False(t, st.Moving)
}

func TestCancelIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.WaitSync(context.Background()))
	require.NoError(t, c.Cancel())
	require.NoError(t, c.Cancel())
}

func TestMove(t *testing.T) {
	c, _ := newTestController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Move(ctx, []float64{5, 6, cnc.Skip}, 500))

	require.Eventually(t, func() bool {
		st := c.Status()
		return st.MPos[0] == 5 && st.MPos[1] == 6 && st.MPos[2] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHome(t *testing.T) {
	c, f := newTestController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Home(ctx, nil))
	assert.Equal(t, 1, f.countLines("$H"))

	st := c.Status()
	assert.Equal(t, []bool{true, true, true}, st.Homed)
}

func TestProbeTrip(t *testing.T) {
	c, f := newTestController(t)
	trip := -5.0
	f.mu.Lock()
	f.tripZ = &trip
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pos, err := c.Probe(ctx, []float64{cnc.Skip, cnc.Skip, -10}, 50)
	require.NoError(t, err)
	require.Len(t, pos, 3)
	assert.Equal(t, -5.0, pos[2])
}

func TestProbeNoTrip(t *testing.T) {
	c, _ := newTestController(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Probe(ctx, []float64{cnc.Skip, cnc.Skip, -10}, 50)
	require.Error(t, err)
	assert.True(t, cnc.Is(err, cnc.KindProbeEnd), "err = %v", err)

	// The machine parked at the commanded endpoint.
	require.Eventually(t, func() bool {
		return c.Status().MPos[2] == -10
	}, 2*time.Second, 10*time.Millisecond)

	// The controller unlocked the device itself; no error stays latched.
	require.Eventually(t, func() bool {
		st := c.Status()
		return !st.Error && st.Ready
	}, 2*time.Second, 10*time.Millisecond)
}

func TestErrorLatch(t *testing.T) {
	c, f := newTestController(t)
	errCh := c.Events().SubscribeErrors()
	f.setHold(true)

	terminal := make(chan cnc.ErrorKind, 8)
	instr := cnc.Gcode("G1 X1 F100").WithHooks(&cnc.Hooks{
		OnExecuted: func() { terminal <- "" },
		OnError:    func(err error) { terminal <- cnc.KindOf(err) },
	})
	require.NoError(t, c.SendGcode(instr, cnc.SendOptions{}))
	require.Eventually(t, func() bool { return f.countLines("G1 ") == 1 }, 2*time.Second, 5*time.Millisecond)

	// Sever the transport under the controller.
	f.dev.Close()

	select {
	case err := <-errCh:
		assert.True(t, cnc.Is(err, cnc.KindCommError), "err = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("error broadcast never fired")
	}
	select {
	case err := <-errCh:
		t.Fatalf("second error broadcast: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case kind := <-terminal:
		assert.Equal(t, cnc.KindCancelled, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight instruction never terminated")
	}

	st := c.Status()
	assert.True(t, st.Error)
	assert.False(t, st.Ready)
	require.NotNil(t, st.ErrorData)
	assert.Equal(t, cnc.KindCommError, st.ErrorData.Kind)
}

func TestWaitSyncBounded(t *testing.T) {
	c, _ := newTestController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitSync(ctx))
}

func TestJogCoalescing(t *testing.T) {
	c, f := newTestController(t)
	require.NoError(t, c.WaitSync(context.Background()))
	f.setHold(true)

	require.NoError(t, c.RealTimeMove(0, 1))
	require.Eventually(t, func() bool { return f.countLines("$J=") == 1 }, 2*time.Second, 5*time.Millisecond)

	// Second nudge while the first is outstanding: silently ignored.
	require.NoError(t, c.RealTimeMove(0, 1))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.countLines("$J="))

	f.setHold(false)
	require.Eventually(t, func() bool { return !c.jogBusy.Load() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.RealTimeMove(1, -1))
	require.Eventually(t, func() bool { return f.countLines("$J=") == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestClearError(t *testing.T) {
	c, f := newTestController(t)
	errCh := c.Events().SubscribeErrors()

	// A limit alarm latches controller-wide.
	f.send("ALARM:1")
	select {
	case err := <-errCh:
		assert.True(t, cnc.Is(err, cnc.KindLimitHit))
	case <-time.After(2 * time.Second):
		t.Fatal("alarm never latched")
	}
	assert.True(t, c.Status().Error)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.ClearError(ctx))
	assert.False(t, c.Status().Error)

	require.Eventually(t, func() bool { return c.Status().Ready }, 2*time.Second, 10*time.Millisecond)
}

func TestModalTracking(t *testing.T) {
	c, _ := newTestController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.SendLine("G20 G91", cnc.SendOptions{}))
	require.NoError(t, c.SendLine("M3 S9000", cnc.SendOptions{}))
	require.NoError(t, c.WaitSync(ctx))

	st := c.Status()
	assert.Equal(t, cnc.UnitsInch, st.Units)
	assert.True(t, st.Incremental)
	assert.True(t, st.Spindle)
}

func TestStreamThroughDevice(t *testing.T) {
	c, f := newTestController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := cnc.SendStream(ctx, c, cnc.SliceStream("G21", "G0 X1", "G0 X2"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.countLines("G0 X2"))
	assert.False(t, c.Status().ProgramRunning)
}

func TestConnectRetry(t *testing.T) {
	f := newFakeDevice(t)
	attempts := 0
	c := New(Config{
		StatusInterval:   5 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		Dial: func(cfg Config) (io.ReadWriteCloser, error) {
			attempts++
			if attempts == 1 {
				return nil, fmt.Errorf("device busy")
			}
			return f.dial(cfg)
		},
	}, nil)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, true))
	assert.Equal(t, 2, attempts)
	assert.True(t, c.Status().Ready)
}

func TestConnectNoRetry(t *testing.T) {
	c := New(Config{
		Dial: func(Config) (io.ReadWriteCloser, error) {
			return nil, fmt.Errorf("no such device")
		},
	}, nil)
	err := c.Connect(context.Background(), false)
	require.Error(t, err)
	assert.True(t, cnc.Is(err, cnc.KindCommError))
}
