package spjs

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Port is one remote serial port exposed as an io.ReadWriteCloser. Reads
// yield the raw device output the server forwards; writes are queued on
// the server verbatim. A Port can back any line-oriented protocol driver,
// in particular the grbl controller's Dial hook.
type Port struct {
	cli    *Client
	match  Matcher
	baud   int
	buffer string

	mx   sync.Mutex
	name string

	rd *io.PipeReader
	wr *io.PipeWriter
}

func (p *Port) setName(name string) {
	p.mx.Lock()
	p.name = name
	p.mx.Unlock()
}

// Name returns the resolved device name and whether the device has appeared
// in a server listing. Once resolved, the name is kept even if later
// listings no longer show the device.
func (p *Port) Name() (string, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.name, p.name != ""
}

// WaitOpen blocks until the server lists the matched device, or the
// timeout elapses.
func (p *Port) WaitOpen(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, ok := p.Name(); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("device did not appear on spjs")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Read yields raw device output forwarded by the server.
func (p *Port) Read(b []byte) (int, error) { return p.rd.Read(b) }

// Write queues bytes for transmission on the remote port. The server's
// completion result is discarded; acknowledgement tracking belongs to the
// protocol driver reading the device output.
func (p *Port) Write(b []byte) (int, error) {
	name, ok := p.Name()
	if !ok {
		return 0, fmt.Errorf("port not available")
	}
	if _, err := p.cli.send(name, string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close asks the server to close the remote port and ends the read stream.
func (p *Port) Close() error {
	name, ok := p.Name()
	if ok {
		p.cli.write("close " + name)
	}
	return p.wr.Close()
}
