// Package grbl implements the controller contract for grbl 1.1 class
// firmware over a line-oriented byte transport, usually a serial port.
package grbl

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crispy1989/tightcnc/cnc"
)

// Config holds the backend-specific configuration. The zero value is usable
// for tests with a custom Dial; real machines need at least Device.
type Config struct {
	Device string
	Baud   int

	// StatusInterval is the '?' poll period.
	StatusInterval time.Duration

	// JogFeed is the feed rate used for real-time jog nudges, in the
	// machine's native units per minute.
	JogFeed float64

	// ProbeFeed is the default probing feed rate when the caller passes none.
	ProbeFeed float64

	// RxBuffer is the device's serial receive buffer size used for the
	// character-counting send window.
	RxBuffer int

	HandshakeTimeout time.Duration

	// Dial overrides how the transport is opened. Defaults to opening
	// Device as a serial port.
	Dial func(Config) (io.ReadWriteCloser, error)
}

func (cfg Config) withDefaults() Config {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = 250 * time.Millisecond
	}
	if cfg.JogFeed == 0 {
		cfg.JogFeed = 1000
	}
	if cfg.ProbeFeed == 0 {
		cfg.ProbeFeed = 25
	}
	if cfg.RxBuffer == 0 {
		cfg.RxBuffer = 127
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = dialSerial
	}
	return cfg
}

// maxQueue bounds the host-side transmit queue; enqueueing past it blocks
// the submitter, which is the backpressure the streaming layer relies on.
const maxQueue = 256

type command struct {
	text     string
	lc       *cnc.Lifecycle
	probe    bool
	probeRes []float64
}

// Controller drives one grbl device. Create with New, then Connect.
type Controller struct {
	*cnc.Base
	cfg Config
	log *zap.SugaredLogger

	mx       sync.Mutex
	cond     *sync.Cond
	conn     io.ReadWriteCloser
	stop     chan struct{}
	queue    []*command
	pending  []*command
	inFlight int
	skipAcks int
	closing  bool

	wmx sync.Mutex

	bannerCh chan struct{}

	cancelEpoch uint64
	cancelling  atomic.Bool
	jogBusy     atomic.Bool

	wco []float64
	prb []float64
	// prbTripped is only meaningful between a PRB report and the probe
	// command's ok.
	prbTripped bool
}

var _ cnc.Controller = (*Controller)(nil)

// New creates a controller for the given configuration. The configuration
// is stored verbatim aside from defaulting; the state vector starts at
// defaults. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		Base:     cnc.NewBase(),
		cfg:      cfg.withDefaults(),
		log:      logger.Sugar().With("controller", "grbl"),
		bannerCh: make(chan struct{}, 1),
	}
	c.cond = sync.NewCond(&c.mx)
	return c
}

// Connect opens the transport and drives the grbl handshake: soft reset,
// wait for the version banner, then query offsets and parser state. Status
// polling runs from the moment the transport is open. It returns once the
// device reports idle and un-alarmed; the offset and parser-state queries
// may still be in flight at that point.
// With retry true, failures are retried with exponential backoff until the
// context is cancelled.
func (c *Controller) Connect(ctx context.Context, retry bool) error {
	backoff := 500 * time.Millisecond
	for {
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		c.log.Warnw("connect failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
}

func (c *Controller) connectOnce(ctx context.Context) error {
	conn, err := c.cfg.Dial(c.cfg)
	if err != nil {
		return cnc.WrapError(cnc.KindCommError, "open transport", err)
	}

	c.mx.Lock()
	c.conn = conn
	c.stop = make(chan struct{})
	c.closing = false
	stop := c.stop
	c.mx.Unlock()

	c.ResetState()
	c.Events().PublishConnected()
	c.log.Infow("transport open", "device", c.cfg.Device)

	ready := c.Events().SubscribeReady()
	go c.readLoop(conn)
	go c.pump(stop)
	go c.poll(stop)

	// Soft reset so the device announces itself from a known state.
	if err := c.writeRaw([]byte{charReset}); err != nil {
		c.dropConn(conn)
		return err
	}

	select {
	case <-c.bannerCh:
	case <-time.After(c.cfg.HandshakeTimeout):
		c.dropConn(conn)
		return cnc.NewError(cnc.KindCommError, "no response from device")
	case <-ctx.Done():
		c.dropConn(conn)
		return ctx.Err()
	}

	select {
	case <-ready:
	case <-time.After(c.cfg.HandshakeTimeout):
		c.dropConn(conn)
		return cnc.NewError(cnc.KindCommError, "device never became ready")
	case <-ctx.Done():
		c.dropConn(conn)
		return ctx.Err()
	}

	return nil
}

// Close tears the connection down without touching the device.
func (c *Controller) Close() error {
	c.mx.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mx.Unlock()
	c.cond.Broadcast()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Controller) dropConn(conn io.ReadWriteCloser) {
	c.mx.Lock()
	if c.conn == conn {
		c.closing = true
		c.conn = nil
		if c.stop != nil {
			close(c.stop)
			c.stop = nil
		}
	}
	c.mx.Unlock()
	conn.Close()
}

// commFail handles a transport-level failure: every in-flight instruction
// is cancelled, the error latches on the state vector and fans out on the
// error channel once.
func (c *Controller) commFail(err error) {
	c.mx.Lock()
	if c.closing {
		c.mx.Unlock()
		return
	}
	c.closing = true
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mx.Unlock()
	if conn != nil {
		conn.Close()
	}

	c.log.Errorw("transport failure", "error", err)
	c.failAll(cnc.Cancelled())
	c.LatchError(cnc.WrapError(cnc.KindCommError, "device communication lost", err))
}

func (c *Controller) readLoop(conn io.ReadWriteCloser) {
	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		c.log.Debugw("recv", "line", line)
		c.Events().PublishReceived(line)
		c.handleLine(line)
	}
	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	c.commFail(err)
}

// poll requests a status report on a fixed interval for as long as the
// connection lives.
func (c *Controller) poll(stop chan struct{}) {
	t := time.NewTicker(c.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeRaw([]byte{charStatus})
		case <-stop:
			return
		}
	}
}

func (c *Controller) writeRaw(p []byte) error {
	c.mx.Lock()
	conn := c.conn
	c.mx.Unlock()
	if conn == nil {
		return cnc.NewError(cnc.KindCommError, "not connected")
	}
	c.wmx.Lock()
	_, err := conn.Write(p)
	c.wmx.Unlock()
	if err != nil {
		c.commFail(err)
		return cnc.WrapError(cnc.KindCommError, "write", err)
	}
	return nil
}

func (c *Controller) epoch() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.cancelEpoch
}
