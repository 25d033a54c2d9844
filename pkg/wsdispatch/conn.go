package wsdispatch

import (
	"context"
	"io"
	"sync"

	"github.com/jpillora/sizestr"

	"github.com/sammck-go/wsproxy/pkg/wsadapter"
	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

type connState int

const (
	connOpening connState = iota
	connOpen
	connClosed
	connFailed
)

func (st connState) terminal() bool {
	return st == connClosed || st == connFailed
}

func (st connState) String() string {
	switch st {
	case connOpening:
		return "Opening"
	case connOpen:
		return "Open"
	case connClosed:
		return "Closed"
	case connFailed:
		return "Failed"
	}
	return "Unknown"
}

// serverConn is the dispatcher's record of one logical connection. Every frame for the
// connection is queued while holding mu, and nothing is queued once the state is terminal,
// so the frames of one connection reach the wire in the order they were produced.
type serverConn struct {
	wsshare.Logger
	session *Session
	id      uint32

	ctx    context.Context
	cancel context.CancelFunc

	// writes holds client DATA payloads until the adapter is open and the writer drains them
	writes *signalQueue

	mu       sync.Mutex
	state    connState
	handle   wsadapter.Handle
	bytesIn  int64
	bytesOut int64
}

func newServerConn(s *Session, id uint32, label string) *serverConn {
	c := &serverConn{
		Logger:  s.Fork("%s", label),
		session: s,
		id:      id,
		writes:  newSignalQueue(),
	}
	c.ctx, c.cancel = context.WithCancel(s.ctx)
	return c
}

// emit queues a frame for the client unless the connection is already terminal
func (c *serverConn) emit(t wsproto.FrameType, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return false
	}
	return c.session.send(wsproto.NewFrame(c.id, t, payload))
}

// emitData splits p into frames no larger than the session's max payload
func (c *serverConn) emitData(p []byte) bool {
	max := c.session.opts.MaxPayload
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return false
	}
	c.bytesOut += int64(len(p))
	c.session.stats.AddOut(len(p))
	for len(p) > max {
		if !c.session.send(wsproto.NewFrame(c.id, wsproto.FrameData, p[:max])) {
			return false
		}
		p = p[max:]
	}
	return c.session.send(wsproto.NewFrame(c.id, wsproto.FrameData, p))
}

// terminate moves the connection to a terminal state exactly once, queueing final (if not
// nil) as its last frame, then aborts adapter work and removes the table entry
func (c *serverConn) terminate(state connState, final *wsproto.Frame) {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	if final != nil {
		c.session.send(final)
	}
	h := c.handle
	in, out := c.bytesIn, c.bytesOut
	c.mu.Unlock()

	c.cancel()
	c.writes.close()
	if h != nil {
		if err := h.Close(); err != nil {
			c.DLogf("Adapter close failed, ignoring: %s", err)
		}
	}
	c.session.remove(c)
	c.DLogf("%s -> %s (in %s, out %s)", prev, state, sizestr.ToString(in), sizestr.ToString(out))
}

// fail reports err to the client in a fatal ERROR frame and moves to Failed
func (c *serverConn) fail(err *wsproto.ConnectionError) {
	e := *err
	e.Fatal = true
	c.DLogf("Failed: %s", &e)
	c.terminate(connFailed, wsproto.NewFrame(c.id, wsproto.FrameError, e.Marshal()))
}

func (c *serverConn) enqueueWrite(p []byte) {
	c.mu.Lock()
	c.bytesIn += int64(len(p))
	c.mu.Unlock()
	c.session.stats.AddIn(len(p))
	if !c.writes.push(p) {
		c.DLogf("Dropping %d bytes for closed connection", len(p))
	}
}

// open runs in its own goroutine so a slow upstream never stalls the session
func (c *serverConn) open(adapter wsadapter.Adapter, req *wsproto.OpenRequest) {
	ctx, cancel := context.WithTimeout(c.ctx, c.session.opts.OpenTimeout)
	defer cancel()
	h, err := adapter.Open(ctx, c.Logger, req)
	if err != nil {
		if c.ctx.Err() != nil {
			// closed by the client or session while opening
			return
		}
		fallback := wsproto.ErrorRefused
		if ctx.Err() == context.DeadlineExceeded {
			fallback = wsproto.ErrorTimeout
		}
		c.fail(wsadapter.ClassifyError(err, fallback))
		return
	}

	c.mu.Lock()
	if c.state != connOpening {
		c.mu.Unlock()
		h.Close()
		return
	}
	c.handle = h
	c.state = connOpen
	c.session.send(wsproto.NewFrame(c.id, wsproto.FrameOpenAck, nil))
	c.mu.Unlock()
	c.DLogf("Open")

	go c.writeLoop(h)
	go c.readLoop(h)
}

func (c *serverConn) writeLoop(h wsadapter.Handle) {
	for {
		select {
		case <-c.writes.wait():
		case <-c.ctx.Done():
			return
		}
		items, closed := c.writes.drain()
		for _, item := range items {
			if err := h.Write(c.ctx, item.([]byte)); err != nil {
				if c.ctx.Err() == nil {
					c.fail(wsadapter.ClassifyError(err, wsproto.ErrorClosed))
				}
				return
			}
		}
		if closed {
			return
		}
	}
}

func (c *serverConn) readLoop(h wsadapter.Handle) {
	for {
		chunk, err := h.ReadChunk(c.ctx)
		if err == io.EOF {
			c.DLogf("Closed by upstream")
			c.terminate(connClosed, wsproto.NewFrame(c.id, wsproto.FrameClose, nil))
			return
		}
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(wsadapter.ClassifyError(err, wsproto.ErrorClosed))
			}
			return
		}
		var ok bool
		switch chunk.Type {
		case wsadapter.ChunkData:
			ok = c.emitData(chunk.Data)
		case wsadapter.ChunkEnd:
			ok = c.emit(wsproto.FrameEnd, nil)
		case wsadapter.ChunkError:
			e := *chunk.Err
			e.Fatal = false
			ok = c.emit(wsproto.FrameError, e.Marshal())
		}
		if !ok {
			return
		}
	}
}
