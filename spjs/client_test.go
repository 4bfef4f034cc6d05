package spjs

import (
	"bufio"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient() *Client {
	return &Client{
		log:     zap.NewNop().Sugar(),
		baseID:  "test",
		pending: make(map[string]chan error),
		stop:    make(chan struct{}),
	}
}

func testPort(c *Client, match Matcher) *Port {
	p := &Port{cli: c, match: match, baud: 115200, buffer: "grbl"}
	p.rd, p.wr = io.Pipe()
	c.mx.Lock()
	c.ports = append(c.ports, p)
	c.mx.Unlock()
	return p
}

func TestMatchers(t *testing.T) {
	sp := SerialPort{Name: "/dev/ttyUSB0", VID: "2a03", PID: "0043"}

	if !MatchVIDPID("2a03", "0043")(sp) {
		t.Error("VID/PID should match")
	}
	if MatchVIDPID("2a03", "9999")(sp) {
		t.Error("wrong PID matched")
	}
	if !MatchName("/dev/ttyUSB0")(sp) {
		t.Error("name should match")
	}
	if MatchName("/dev/ttyACM1")(sp) {
		t.Error("wrong name matched")
	}
}

func TestListingResolvesPortName(t *testing.T) {
	c := testClient()
	p := testPort(c, MatchVIDPID("2a03", "0043"))

	// IsOpen avoids an open command, which would need a live socket.
	c.handle(`{"SerialPorts":[{"Name":"/dev/ttyACM0","IsOpen":true,"UsbVid":"2a03","UsbPid":"0043"}]}`)

	name, ok := p.Name()
	if !ok || name != "/dev/ttyACM0" {
		t.Errorf("Name = %q, %v", name, ok)
	}
}

func TestDataRoutedToPort(t *testing.T) {
	c := testClient()
	p := testPort(c, MatchName("/dev/ttyACM0"))
	c.handle(`{"SerialPorts":[{"Name":"/dev/ttyACM0","IsOpen":true}]}`)

	go func() {
		c.handle(`{"P":"/dev/ttyACM0","D":"ok\n"}`)
	}()

	lineCh := make(chan string, 1)
	go func() {
		r := bufio.NewReader(p)
		line, err := r.ReadString('\n')
		if err == nil {
			lineCh <- line
		}
	}()

	select {
	case line := <-lineCh:
		if line != "ok\n" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("data never reached the port")
	}
}

func TestCommandCompletion(t *testing.T) {
	c := testClient()

	done := make(chan error, 1)
	c.mx.Lock()
	c.pending["/dev/ttyACM0:test-1"] = done
	c.mx.Unlock()

	c.handle(`{"Cmd":"Complete","Id":"/dev/ttyACM0:test-1"}`)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("completion lost")
	}
}

func TestCommandError(t *testing.T) {
	c := testClient()

	done := make(chan error, 1)
	c.mx.Lock()
	c.pending["/dev/ttyACM0:test-2"] = done
	c.mx.Unlock()

	c.handle(`{"Cmd":"Error","Id":"/dev/ttyACM0:test-2","ErrorCode":"Could not write"}`)
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error")
		}
	case <-time.After(time.Second):
		t.Fatal("error result lost")
	}
}

func TestWipedQueueFailsPortCommands(t *testing.T) {
	c := testClient()

	mine := make(chan error, 1)
	other := make(chan error, 1)
	c.mx.Lock()
	c.pending["/dev/ttyACM0:test-3"] = mine
	c.pending["/dev/ttyUSB9:test-4"] = other
	c.mx.Unlock()

	c.handle(`{"Cmd":"WipedQueue","Port":"/dev/ttyACM0"}`)

	select {
	case err := <-mine:
		if err == nil {
			t.Error("wiped command should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("wiped command not failed")
	}
	select {
	case err := <-other:
		t.Errorf("other port's command failed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIgnoresNonJSON(t *testing.T) {
	c := testClient()
	c.handle("\\n")
	c.handle("not json at all")
}
