// Package session wraps a TCP connection with bounded read and write
// buffers and background pump goroutines.
//
// Engine state stays single-owner: the engine goroutine is the only caller
// of NextMessage and Enqueue. The reader goroutine appends incoming bytes
// to the read buffer and blocks while the buffer lacks room, which is how a
// slow-parsing peer stops being read. The writer goroutine drains the write
// buffer; the engine checks Space before enqueueing, which is how
// back-pressure reaches the tracker.
package session

import (
	"net"
	"sync"

	"github.com/rstream/rstream/internal/iobuf"
	"github.com/rstream/rstream/internal/wire"
)

const chunkSize = 32 * 1024

// Event is delivered to the engine's notify channel.
type Event struct {
	ID  int
	Err error // non-nil when the session terminated
}

// Conn is a buffered peer connection.
type Conn struct {
	id     int
	source string // client side: name of the source this session serves
	conn   net.Conn
	notify chan<- Event

	mu     sync.Mutex
	rd     *iobuf.Buffer
	wr     *iobuf.Buffer
	rdCond *sync.Cond
	wrCond *sync.Cond
	closed bool
	err    error
}

// New creates a session over conn with the given per-direction buffer
// capacity. Call Start to begin pumping.
func New(id int, conn net.Conn, bufCap int, notify chan<- Event) *Conn {
	c := &Conn{
		id:     id,
		conn:   conn,
		notify: notify,
		rd:     iobuf.New(bufCap),
		wr:     iobuf.New(bufCap),
	}
	c.rdCond = sync.NewCond(&c.mu)
	c.wrCond = sync.NewCond(&c.mu)
	return c
}

// ID returns the session identifier.
func (c *Conn) ID() int { return c.id }

// Source returns the source name bound to this session (client side).
func (c *Conn) Source() string { return c.source }

// SetSource binds a source name to this session.
func (c *Conn) SetSource(name string) { c.source = name }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Start launches the reader and writer goroutines.
func (c *Conn) Start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) readLoop() {
	buf := make([]byte, chunkSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			for c.rd.Space() < n && !c.closed {
				c.rdCond.Wait()
			}
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.rd.Add(buf[:n])
			c.mu.Unlock()

			// Nudge the engine; the periodic tick covers a full channel.
			select {
			case c.notify <- Event{ID: c.id}:
			default:
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for c.wr.Len() == 0 && !c.closed {
			c.wrCond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		chunk := c.wr.Get(chunkSize)
		c.mu.Unlock()

		if _, err := c.conn.Write(chunk); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	already := c.closed
	if !already {
		c.closed = true
		c.err = err
		c.conn.Close()
		c.rdCond.Broadcast()
		c.wrCond.Broadcast()
	}
	c.mu.Unlock()
	if !already {
		c.notify <- Event{ID: c.id, Err: err}
	}
}

// Close tears the session down without notifying the engine.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
	c.rdCond.Broadcast()
	c.wrCond.Broadcast()
}

// Err returns the terminating error, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// NextMessage extracts the next complete frame from the read buffer.
// It returns (nil, nil) when no whole frame is buffered yet.
func (c *Conn) NextMessage() (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.rd.Len()
	msg, err := wire.Decode(c.rd)
	if c.rd.Len() < before {
		c.rdCond.Broadcast()
	}
	return msg, err
}

// DropPending discards all unparsed inbound bytes. Used after a framing
// error, when resynchronizing mid-stream is hopeless.
func (c *Conn) DropPending() {
	c.mu.Lock()
	c.rd.Reset()
	c.rdCond.Broadcast()
	c.mu.Unlock()
}

// Buffered returns the number of unparsed inbound bytes.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rd.Len()
}

// ReadSpace returns the free space in the read buffer.
func (c *Conn) ReadSpace() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rd.Space()
}

// WriteSpace returns the free space in the write buffer.
func (c *Conn) WriteSpace() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wr.Space()
}

// Enqueue appends a framed message to the write buffer. It reports false,
// leaving the buffer untouched, when the frame does not fit or the session
// is closed.
func (c *Conn) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.wr.Space() < len(frame) {
		return false
	}
	c.wr.Add(frame)
	c.wrCond.Signal()
	return true
}
