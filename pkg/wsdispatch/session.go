// Package wsdispatch is the server side of the tunnel. A Session owns one WebSocket, keeps the
// authoritative table of logical connections opened over it, and moves bytes between those
// connections and their adapters. Server accepts WebSocket upgrades and runs a Session for each.
package wsdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/wsproxy/pkg/wsadapter"
	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// Transport is the part of *websocket.Conn a Session uses
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// SessionOptions tune a Session
type SessionOptions struct {
	// OpenTimeout bounds each adapter Open
	OpenTimeout time.Duration

	// MaxPayload is the largest frame payload accepted from the client and emitted to it
	MaxPayload int

	// KeepAlive is the interval between WebSocket pings; zero disables them
	KeepAlive time.Duration

	// Stats, if not nil, is shared with the owning server
	Stats *wsshare.ConnStats
}

const (
	defaultOpenTimeout = 10 * time.Second
	controlWriteWait   = 5 * time.Second
)

// Session dispatches the frames of one WebSocket
type Session struct {
	wsshare.ShutdownHelper
	transport Transport
	adapters  *wsadapter.Set
	opts      SessionOptions
	stats     wsshare.ConnStats

	ctx    context.Context
	cancel context.CancelFunc

	sendq    *signalQueue
	sendDone chan struct{}

	connsMu sync.Mutex
	conns   map[uint32]*serverConn
}

// NewSession creates a Session over transport. It does nothing until Run is called.
func NewSession(logger wsshare.Logger, transport Transport, adapters *wsadapter.Set, opts SessionOptions) *Session {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = wsproto.DefaultMaxPayload
	}
	s := &Session{
		transport: transport,
		adapters:  adapters,
		opts:      opts,
		sendq:     newSignalQueue(),
		sendDone:  make(chan struct{}),
		conns:     make(map[uint32]*serverConn),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.InitShutdownHelper(logger, s)
	return s
}

// Run services the WebSocket until it closes, a malformed frame arrives or ctx is done. It
// always shuts the session down before returning, and returns the reason.
func (s *Session) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			if err := s.AddShutdownChildChan(s.sendDone); err != nil {
				return err
			}
			s.ShutdownOnContext(ctx)
			go s.sendLoop()
			if s.opts.KeepAlive > 0 {
				go s.keepAliveLoop()
			}
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	s.DLogf("Started")
	s.StartShutdown(s.readLoop())
	return s.WaitShutdown()
}

// ConnectionCount returns the number of connections in the table
func (s *Session) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// HandleOnceShutdown fails every connection and closes the transport
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.cancel()
	s.connsMu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.terminate(connFailed, nil)
	}
	s.sendq.close()
	err := s.transport.Close()
	if completionErr == nil {
		completionErr = err
	}
	s.DLogf("Closed %s, %s", s.stats.String(), s.stats.Traffic())
	return completionErr
}

func (s *Session) readLoop() error {
	decoder := wsproto.NewDecoder(s.opts.MaxPayload)
	s.transport.SetReadLimit(wsproto.MessageLimit(s.opts.MaxPayload))
	for {
		mt, msg, err := s.transport.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.DLogf("Client closed the session")
			} else {
				s.DLogf("Read failed: %s", err)
			}
			return &wsproto.SessionError{Kind: wsproto.TransportClosed, Cause: err}
		}
		if mt != websocket.BinaryMessage {
			s.DLogf("Ignoring non-binary message of %d bytes", len(msg))
			continue
		}
		frames, err := decoder.Feed(msg)
		for _, f := range frames {
			s.TLogf("<- %s", f)
			s.handleFrame(f)
		}
		if err != nil {
			s.WLogf("Terminating session: %s", err)
			s.transport.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseProtocolError, "malformed frame"),
				time.Now().Add(controlWriteWait),
			)
			return err
		}
	}
}

func (s *Session) handleFrame(f *wsproto.Frame) {
	if f.Type == wsproto.FrameOpen {
		s.handleOpen(f)
		return
	}
	c := s.lookup(f.ConnID)
	if c == nil {
		s.DLogf("Dropping %s for unknown connection", f)
		return
	}
	switch f.Type {
	case wsproto.FrameData:
		c.enqueueWrite(f.Payload)
	case wsproto.FrameClose:
		c.DLogf("Closed by client")
		c.terminate(connClosed, wsproto.NewFrame(c.id, wsproto.FrameClose, nil))
	default:
		c.DLogf("Dropping unexpected %s", f)
	}
}

func (s *Session) handleOpen(f *wsproto.Frame) {
	req, adapter, openErr := s.resolveOpen(f.Payload)
	label := fmt.Sprintf("conn#%d", f.ConnID)
	if req != nil {
		label = fmt.Sprintf("conn#%d(%s %s)", f.ConnID, req.Kind, req.Target)
	}

	s.connsMu.Lock()
	if _, ok := s.conns[f.ConnID]; ok {
		s.connsMu.Unlock()
		s.WLogf("Dropping duplicate OPEN for connection %d", f.ConnID)
		return
	}
	c := newServerConn(s, f.ConnID, label)
	s.conns[f.ConnID] = c
	s.connsMu.Unlock()
	s.stats.New()
	s.stats.Open()
	if s.opts.Stats != nil {
		s.opts.Stats.New()
		s.opts.Stats.Open()
	}

	if openErr != nil {
		c.fail(openErr)
		return
	}
	go c.open(adapter, req)
}

// resolveOpen validates an OPEN payload and picks its adapter
func (s *Session) resolveOpen(payload []byte) (*wsproto.OpenRequest, wsadapter.Adapter, *wsproto.ConnectionError) {
	req, err := wsproto.UnmarshalOpenRequest(payload)
	if err != nil {
		return nil, nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "%s", err)
	}
	kind, version, err := wsproto.ParseKind(string(req.Kind))
	if err != nil {
		return req, nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "%s", err)
	}
	req.Kind = kind
	if req.TLSVersion == "" {
		req.TLSVersion = version
	}
	if req.Target == "" {
		return req, nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "empty target")
	}
	adapter, ok := s.adapters.Get(kind)
	if !ok {
		return req, nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "unsupported connection kind %q", kind)
	}
	return req, adapter, nil
}

func (s *Session) lookup(id uint32) *serverConn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.conns[id]
}

// remove drops c from the table if it is still the entry for its id
func (s *Session) remove(c *serverConn) {
	s.connsMu.Lock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
	s.connsMu.Unlock()
	s.stats.Close()
	if s.opts.Stats != nil {
		s.opts.Stats.Close()
	}
}

// send queues f for the single writer. Returns false once the session is shutting down.
func (s *Session) send(f *wsproto.Frame) bool {
	return s.sendq.push(f)
}

// sendLoop is the only goroutine that writes data messages to the transport. Frames queued
// while a write is in progress are coalesced into the next message.
func (s *Session) sendLoop() {
	defer close(s.sendDone)
	buf := make([]byte, 0, 4096)
	for {
		<-s.sendq.wait()
		items, closed := s.sendq.drain()
		buf = buf[:0]
		for _, item := range items {
			f := item.(*wsproto.Frame)
			s.TLogf("-> %s", f)
			buf = f.AppendEncode(buf)
			if len(buf) >= wsproto.MessageBatch {
				if !s.writeMessage(buf) {
					return
				}
				buf = buf[:0]
			}
		}
		if len(buf) > 0 && !s.writeMessage(buf) {
			return
		}
		if closed {
			return
		}
	}
}

func (s *Session) writeMessage(b []byte) bool {
	err := s.transport.WriteMessage(websocket.BinaryMessage, b)
	if err != nil {
		s.DLogf("Write failed: %s", err)
		s.StartShutdown(&wsproto.SessionError{Kind: wsproto.TransportClosed, Cause: err})
		return false
	}
	return true
}

func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.DLogf("Ping failed: %s", err)
			}
		}
	}
}
