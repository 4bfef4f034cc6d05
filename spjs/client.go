// Package spjs is a client for Serial Port JSON Server. It exposes remote
// serial ports as line transports, so a protocol backend can drive a
// machine attached to another host.
package spjs

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// Client maintains the websocket session with one SPJS instance. Ports
// registered with NewPort are opened automatically whenever the server's
// listing shows their device.
type Client struct {
	url    string
	log    *zap.SugaredLogger
	baseID string
	seq    atomic.Uint32

	mx      sync.Mutex
	ws      *websocket.Conn
	ports   []*Port
	listing []SerialPort
	pending map[string]chan error

	stop chan struct{}
}

// NewClient creates a client for the given websocket URL and starts its
// connection maintenance loops.
func NewClient(url string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:     url,
		log:     logger.Sugar().With("spjs", url),
		baseID:  uuid.NewString()[:8],
		pending: make(map[string]chan error),
		stop:    make(chan struct{}),
	}

	go c.listLoop()
	return c
}

// NewPort registers a port selected by match, opened with the given baud
// and server-side buffer algorithm ("grbl" keeps the server's own
// character counting out of the way of ours).
func (c *Client) NewPort(match Matcher, baud int, bufferAlgorithm string) *Port {
	p := &Port{cli: c, match: match, baud: baud, buffer: bufferAlgorithm}
	p.rd, p.wr = io.Pipe()
	c.mx.Lock()
	c.ports = append(c.ports, p)
	c.mx.Unlock()
	c.write("list")
	return p
}

// Close drops the websocket and stops the maintenance loops.
func (c *Client) Close() error {
	close(c.stop)
	c.mx.Lock()
	ws := c.ws
	c.ws = nil
	c.mx.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Client) listLoop() {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		c.write("list")
		select {
		case <-t.C:
		case <-c.stop:
			return
		}
	}
}

// write sends a raw command to the server, connecting first if needed.
func (c *Client) write(cmd string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.writeLocked(cmd)
}

func (c *Client) writeLocked(cmd string) error {
	if c.ws == nil {
		if err := c.reconnectLocked(); err != nil {
			return err
		}
	}
	c.log.Debugw("write", "cmd", cmd)
	if _, err := io.WriteString(c.ws, cmd); err != nil {
		c.log.Errorw("write failed, reconnecting", "error", err)
		if err := c.reconnectLocked(); err != nil {
			return err
		}
		_, err = io.WriteString(c.ws, cmd)
		return err
	}
	return nil
}

func (c *Client) reconnectLocked() error {
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
		c.listing = nil
		c.failPendingLocked(fmt.Errorf("connection lost"))
	}

	c.log.Infow("connecting")
	ws, err := websocket.Dial(c.url, "", "http://localhost/")
	if err != nil {
		return fmt.Errorf("dial spjs: %w", err)
	}
	c.ws = ws
	go c.readLoop(ws)

	if _, err := io.WriteString(ws, "list"); err != nil {
		ws.Close()
		c.ws = nil
		return fmt.Errorf("write spjs: %w", err)
	}
	return nil
}

func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- err
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	buf := make([]byte, 65536)
	for {
		n, err := ws.Read(buf)
		if err != nil {
			c.mx.Lock()
			if c.ws == ws {
				c.ws = nil
				c.listing = nil
				c.failPendingLocked(err)
			}
			c.mx.Unlock()
			return
		}
		c.handle(string(buf[:n]))
	}
}

func (c *Client) handle(raw string) {
	if !strings.HasPrefix(raw, "{") {
		return
	}
	var msg serverMsg
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		c.log.Warnw("bad payload", "raw", raw, "error", err)
		return
	}

	switch {
	case msg.SerialPorts != nil:
		c.updateListing(msg.SerialPorts)
	case msg.P != "" && msg.Cmd == "" && msg.D != "":
		c.routeData(msg.P, msg.D)
	case msg.Cmd == "Complete":
		c.finish(msg.ID, nil)
	case msg.Cmd == "Error":
		c.finish(msg.ID, fmt.Errorf("spjs error: %s", msg.ErrorCode))
	case msg.Cmd == "WipedQueue" || msg.Cmd == "Close":
		c.mx.Lock()
		err := fmt.Errorf("spjs wiped queue on %s", msg.Port)
		for id, ch := range c.pending {
			if strings.HasPrefix(id, msg.Port+":") {
				ch <- err
				delete(c.pending, id)
			}
		}
		c.mx.Unlock()
	}
}

// updateListing refreshes the port list and opens any matched port that
// the server reports closed.
func (c *Client) updateListing(listing []SerialPort) {
	c.mx.Lock()
	c.listing = listing
	ports := c.ports
	c.mx.Unlock()

	for _, sp := range listing {
		for _, p := range ports {
			if !p.match(sp) {
				continue
			}
			p.setName(sp.Name)
			if !sp.IsOpen {
				if err := c.write(fmt.Sprintf("open %s %d %s", sp.Name, p.baud, p.buffer)); err != nil {
					c.log.Errorw("open failed", "port", sp.Name, "error", err)
				}
			}
			break
		}
	}
}

func (c *Client) routeData(portName, data string) {
	c.mx.Lock()
	var dst *Port
	for _, p := range c.ports {
		if p.name == portName {
			dst = p
			break
		}
	}
	c.mx.Unlock()
	if dst == nil {
		return
	}
	dst.wr.Write([]byte(data))
}

func (c *Client) finish(id string, err error) {
	c.mx.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.mx.Unlock()
	if ch != nil {
		ch <- err
	}
	if err != nil {
		c.log.Warnw("command failed", "id", id, "error", err)
	}
}

// send queues data on the named port and returns a channel that yields
// the server's completion result.
func (c *Client) send(portName, data string) (<-chan error, error) {
	id := fmt.Sprintf("%s:%s-%d", portName, c.baseID, c.seq.Add(1))
	payload, err := json.Marshal(sendJSON{
		Port: portName,
		Data: []sendJSONData{{ID: id, Data: data}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	done := make(chan error, 1)
	c.mx.Lock()
	c.pending[id] = done
	err = c.writeLocked("sendjson " + string(payload))
	if err != nil {
		delete(c.pending, id)
	}
	c.mx.Unlock()
	if err != nil {
		return nil, err
	}
	return done, nil
}
