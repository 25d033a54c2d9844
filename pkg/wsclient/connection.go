package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// State is the lifecycle state of a Connection as seen by the client
type State int

const (
	// StateOpening means OPEN was sent and neither OPEN_ACK nor ERROR has arrived
	StateOpening State = iota
	// StateOpen means the upstream connection is established
	StateOpen
	// StateClosing means the caller closed the connection and the server has not confirmed
	StateClosing
	// StateClosed is terminal: the connection ended cleanly
	StateClosed
	// StateFailed is terminal: the connection ended with an error
	StateFailed
)

func (st State) String() string {
	switch st {
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

func (st State) terminal() bool {
	return st == StateClosed || st == StateFailed
}

// pendingRequest collects the frames of one response
type pendingRequest struct {
	future *ResponseFuture
	head   *wsproto.ResponseHead
	body   []byte
	// err is set when the response cannot be assembled; it is reported at END
	err error
}

// Connection is one logical connection multiplexed over a Client's WebSocket. Responses are
// matched to requests in the order the requests were sent.
type Connection struct {
	wsshare.Logger
	client *Client
	id     uint32
	kind   wsproto.Kind
	target string

	ready chan struct{}
	done  chan struct{}

	// sendMu keeps pending entries in the same order as their bytes on the wire
	sendMu sync.Mutex

	mu        sync.Mutex
	state     State
	openErr   error
	err       error
	pending   []*pendingRequest
	unclaimed []byte
	// inUnclaimed is set between the first DATA and the END of a burst nobody asked for
	inUnclaimed bool
}

func newConnection(c *Client, id uint32, kind wsproto.Kind, target string) *Connection {
	return &Connection{
		Logger: c.Fork("conn#%d(%s %s)", id, kind, target),
		client: c,
		id:     id,
		kind:   kind,
		target: target,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id, unique within the session
func (cn *Connection) ID() uint32 {
	return cn.id
}

// Kind returns the connection kind
func (cn *Connection) Kind() wsproto.Kind {
	return cn.kind
}

// Target returns the target given when the connection was created
func (cn *Connection) Target() string {
	return cn.target
}

// State returns the current state
func (cn *Connection) State() State {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.state
}

// Ready is closed when the connection leaves Opening, successfully or not
func (cn *Connection) Ready() <-chan struct{} {
	return cn.ready
}

// Done is closed when the connection reaches Closed or Failed
func (cn *Connection) Done() <-chan struct{} {
	return cn.done
}

// WaitReady waits until the connection leaves Opening and returns nil if it opened. A failed
// open returns the *wsproto.ConnectionError sent by the server.
func (cn *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-cn.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.openErr
}

// Err returns the reason the connection failed, or nil
func (cn *Connection) Err() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.err
}

// Unclaimed returns and clears bytes a stream connection received while no request was
// pending, such as a server banner or the tail of an echo split across reads
func (cn *Connection) Unclaimed() []byte {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	b := cn.unclaimed
	cn.unclaimed = nil
	return b
}

// Send writes raw bytes on a stream connection. The future resolves with the bytes received up
// to the next END. Returns ErrNotOpen until the connection is Open.
func (cn *Connection) Send(p []byte) (*ResponseFuture, error) {
	if cn.kind.IsHTTP() {
		return nil, fmt.Errorf("%s connection requires SendRequest", cn.kind)
	}
	return cn.send(p)
}

// SendRequest sends an HTTP request on an http or https connection. Requests may be pipelined;
// their responses resolve in order.
func (cn *Connection) SendRequest(req *Request) (*ResponseFuture, error) {
	if !cn.kind.IsHTTP() {
		return nil, fmt.Errorf("%s connection does not carry http requests", cn.kind)
	}
	p, err := wsproto.EncodeHTTPRequest(req)
	if err != nil {
		return nil, err
	}
	return cn.send(p)
}

func (cn *Connection) send(p []byte) (*ResponseFuture, error) {
	cn.sendMu.Lock()
	defer cn.sendMu.Unlock()

	cn.mu.Lock()
	if err := cn.checkSendable(); err != nil {
		cn.mu.Unlock()
		return nil, err
	}
	req := &pendingRequest{future: newResponseFuture()}
	cn.pending = append(cn.pending, req)
	cn.mu.Unlock()

	max := cn.client.opts.MaxPayload
	var frames []*wsproto.Frame
	for len(p) > max {
		frames = append(frames, wsproto.NewFrame(cn.id, wsproto.FrameData, p[:max]))
		p = p[max:]
	}
	frames = append(frames, wsproto.NewFrame(cn.id, wsproto.FrameData, p))

	// a failed write ends the session, which resolves the future
	cn.client.writeFrames(frames...)
	return req.future, nil
}

// checkSendable must be called with mu held
func (cn *Connection) checkSendable() error {
	switch cn.state {
	case StateOpen:
		return nil
	case StateOpening:
		return ErrNotOpen
	case StateFailed:
		return cn.err
	}
	return wsproto.ErrConnectionClosed
}

// ErrNotOpen is returned by Send, SendRequest and Ping while the connection is still Opening
var ErrNotOpen = errors.New("connection is not open yet")

// Ping succeeds while the connection is Open
func (cn *Connection) Ping() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.checkSendable()
}

// Close sends CLOSE and resolves every pending request with wsproto.ErrConnectionClosed. The
// connection moves to Closed when the server confirms. Closing a connection that is already
// closing or terminal does nothing.
func (cn *Connection) Close() error {
	cn.mu.Lock()
	if cn.state == StateClosing || cn.state.terminal() {
		cn.mu.Unlock()
		return nil
	}
	cn.setState(StateClosing, wsproto.ErrConnectionClosed)
	cn.rejectPending(wsproto.ErrConnectionClosed)
	cn.mu.Unlock()
	cn.DLogf("Closing")
	return cn.client.writeFrames(wsproto.NewFrame(cn.id, wsproto.FrameClose, nil))
}

// setState must be called with mu held. openErr is recorded if the connection was Opening.
func (cn *Connection) setState(st State, openErr error) {
	prev := cn.state
	cn.state = st
	if prev == StateOpening {
		if st != StateOpen {
			cn.openErr = openErr
		}
		close(cn.ready)
	}
	if st.terminal() {
		close(cn.done)
	}
	cn.DLogf("%s -> %s", prev, st)
}

// rejectPending must be called with mu held
func (cn *Connection) rejectPending(err error) {
	for _, p := range cn.pending {
		p.future.resolve(nil, err)
	}
	cn.pending = nil
}

func (cn *Connection) popPending() *pendingRequest {
	if len(cn.pending) == 0 {
		return nil
	}
	p := cn.pending[0]
	cn.pending[0] = nil
	cn.pending = cn.pending[1:]
	return p
}

// handleFrame runs on the client's receive goroutine
func (cn *Connection) handleFrame(f *wsproto.Frame) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.state.terminal() {
		cn.DLogf("Dropping %s for %s connection", f, cn.state)
		return
	}

	switch f.Type {
	case wsproto.FrameOpenAck:
		if cn.state != StateOpening {
			cn.DLogf("Dropping %s in state %s", f, cn.state)
			return
		}
		cn.setState(StateOpen, nil)

	case wsproto.FrameData:
		if cn.inUnclaimed || len(cn.pending) == 0 {
			if !cn.kind.IsHTTP() && cn.state == StateOpen {
				cn.unclaimed = append(cn.unclaimed, f.Payload...)
				cn.inUnclaimed = true
			} else {
				cn.DLogf("Dropping %s with no pending request", f)
			}
			return
		}
		p := cn.pending[0]
		switch {
		case p.err != nil:
		case cn.kind.IsHTTP() && p.head == nil:
			head, err := wsproto.UnmarshalResponseHead(f.Payload)
			if err != nil {
				p.err = wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "%s", err)
			} else {
				p.head = head
			}
		default:
			p.body = append(p.body, f.Payload...)
		}

	case wsproto.FrameEnd:
		if cn.inUnclaimed {
			cn.inUnclaimed = false
			return
		}
		p := cn.popPending()
		if p == nil {
			cn.DLogf("Dropping %s with no pending request", f)
			return
		}
		if p.err == nil && cn.kind.IsHTTP() && p.head == nil {
			p.err = wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "response has no head")
		}
		if p.err != nil {
			p.future.resolve(nil, p.err)
			return
		}
		resp := &Response{Body: p.body}
		if p.head != nil {
			resp.Status = p.head.Status
			resp.Headers = p.head.Headers
		}
		p.future.resolve(resp, nil)

	case wsproto.FrameError:
		ce := wsproto.UnmarshalConnectionError(f.Payload)
		if cn.state == StateOpening || ce.Fatal {
			cn.DLogf("Failed: %s", ce)
			cn.err = ce
			if p := cn.popPending(); p != nil {
				p.future.resolve(nil, ce)
			}
			cn.rejectPending(wsproto.ErrConnectionClosed)
			cn.setState(StateFailed, ce)
			cn.client.remove(cn)
			return
		}
		if p := cn.popPending(); p != nil {
			p.future.resolve(nil, ce)
		} else {
			cn.DLogf("Dropping %s with no pending request", f)
		}

	case wsproto.FrameClose:
		cn.rejectPending(wsproto.ErrConnectionClosed)
		cn.setState(StateClosed, wsproto.ErrConnectionClosed)
		cn.client.remove(cn)

	default:
		cn.DLogf("Dropping unexpected %s", f)
	}
}

// sessionClosed resolves everything outstanding with the session error
func (cn *Connection) sessionClosed(err error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.state.terminal() {
		return
	}
	cn.rejectPending(err)
	if cn.state == StateClosing {
		cn.setState(StateClosed, err)
		return
	}
	cn.err = err
	cn.setState(StateFailed, err)
}
