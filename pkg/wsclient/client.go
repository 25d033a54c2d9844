// Package wsclient is the client side of the tunnel. A Client owns one WebSocket, hands out
// logical Connections multiplexed over it, and matches the frames the dispatcher sends back to
// the requests waiting for them.
package wsclient

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// FrameConn is the part of *websocket.Conn a Client uses
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Options tune a Client
type Options struct {
	// MaxPayload is the largest frame payload sent or accepted
	MaxPayload int

	// KeepAlive is the interval between WebSocket pings; zero disables them
	KeepAlive time.Duration

	// Capabilities restricts the connection kinds this client creates, spelled as in
	// Capabilities(). Case is ignored. nil allows every kind.
	Capabilities []string
}

// ErrKindNotAllowed is returned by CreateConnection for a kind outside Options.Capabilities
var ErrKindNotAllowed = errors.New("connection kind not allowed by client capabilities")

const controlWriteWait = 5 * time.Second

// Client multiplexes logical connections over one WebSocket
type Client struct {
	wsshare.ShutdownHelper
	conn FrameConn
	opts Options
	// allowed is nil when every kind may be created
	allowed map[string]bool

	recvDone chan struct{}

	// writeMu serializes writers of data messages
	writeMu sync.Mutex

	mu         sync.Mutex
	lastID     uint32
	conns      map[uint32]*Connection
	sessionErr error
}

// NewClient starts a Client on an established WebSocket
func NewClient(logger wsshare.Logger, conn FrameConn, opts Options) *Client {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = wsproto.DefaultMaxPayload
	}
	c := &Client{
		conn:     conn,
		opts:     opts,
		recvDone: make(chan struct{}),
		conns:    make(map[uint32]*Connection),
	}
	if opts.Capabilities != nil {
		c.allowed = make(map[string]bool)
		for _, k := range opts.Capabilities {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				c.allowed[k] = true
			}
		}
	}
	c.InitShutdownHelper(logger, c)
	c.DoOnceActivate(
		func() error {
			if err := c.AddShutdownChildChan(c.recvDone); err != nil {
				return err
			}
			go c.receiveLoop()
			if opts.KeepAlive > 0 {
				go c.keepAliveLoop()
			}
			return nil
		},
		false,
	)
	return c
}

// Capabilities returns the connection kinds this client can create, including the pinned TLS
// version spellings of https
func Capabilities() []string {
	return []string{
		string(wsproto.KindHTTP),
		string(wsproto.KindHTTPS),
		"https_tls1_0",
		"https_tls1_1",
		"https_tls1_2",
		"https_tls1_3",
		string(wsproto.KindTCP),
	}
}

// Capabilities returns the connection kinds this client may create
func (c *Client) Capabilities() []string {
	if c.allowed == nil {
		return Capabilities()
	}
	kinds := make([]string, 0, len(c.allowed))
	for k := range c.allowed {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// CreateTCPConnection opens a raw byte stream to "host:port"
func (c *Client) CreateTCPConnection(target string) (*Connection, error) {
	return c.CreateConnection(string(wsproto.KindTCP), target)
}

// CreateHTTPConnection opens an HTTP/1.1 connection to a URL or authority
func (c *Client) CreateHTTPConnection(target string) (*Connection, error) {
	return c.CreateConnection(string(wsproto.KindHTTP), target)
}

// CreateHTTPSConnection opens an HTTP/1.1 connection over TLS terminated by the dispatcher
func (c *Client) CreateHTTPSConnection(target string) (*Connection, error) {
	return c.CreateConnection(string(wsproto.KindHTTPS), target)
}

// CreateConnection allocates a connection id and sends OPEN. kind may be any kind the server
// supports, or an "https_tls1_N" spelling. The returned Connection becomes ready asynchronously.
func (c *Client) CreateConnection(kind string, target string) (*Connection, error) {
	if c.allowed != nil && !c.allowed[strings.ToLower(kind)] {
		return nil, fmt.Errorf("%w: %s", ErrKindNotAllowed, kind)
	}
	k, version, err := wsproto.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if _, err := wsproto.ParseTarget(k, target); err != nil {
		return nil, err
	}
	payload, err := (&wsproto.OpenRequest{Kind: k, Target: target, TLSVersion: version}).Marshal()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.sessionErr != nil {
		err := c.sessionErr
		c.mu.Unlock()
		return nil, err
	}
	c.lastID++
	id := c.lastID
	cn := newConnection(c, id, k, target)
	c.conns[id] = cn
	c.mu.Unlock()

	if err := c.writeFrames(wsproto.NewFrame(id, wsproto.FrameOpen, payload)); err != nil {
		return nil, err
	}
	cn.DLogf("Opening")
	return cn, nil
}

// Connection returns the live connection with the given id
func (c *Client) Connection(id uint32) (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[id]
	return cn, ok
}

// ConnectionIDs returns the ids of all live connections in ascending order
func (c *Client) ConnectionIDs() []uint32 {
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Err returns the session error once the WebSocket has gone away, or nil
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionErr
}

// HandleOnceShutdown closes the WebSocket. The receive loop then fails every connection.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	err := c.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// writeFrames sends frames back to back, coalesced into messages of about
// wsproto.MessageBatch bytes
func (c *Client) writeFrames(frames ...*wsproto.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var buf []byte
	for i, f := range frames {
		c.TLogf("-> %s", f)
		buf = f.AppendEncode(buf)
		if len(buf) < wsproto.MessageBatch && i < len(frames)-1 {
			continue
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			c.DLogf("Write failed: %s", err)
			err = &wsproto.SessionError{Kind: wsproto.TransportClosed, Cause: err}
			c.StartShutdown(err)
			return err
		}
		buf = buf[:0]
	}
	return nil
}

func (c *Client) lookup(id uint32) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

func (c *Client) remove(cn *Connection) {
	c.mu.Lock()
	if c.conns[cn.id] == cn {
		delete(c.conns, cn.id)
	}
	c.mu.Unlock()
}

func (c *Client) receiveLoop() {
	defer close(c.recvDone)
	decoder := wsproto.NewDecoder(c.opts.MaxPayload)
	c.conn.SetReadLimit(wsproto.MessageLimit(c.opts.MaxPayload))
	var sessionErr *wsproto.SessionError
	for sessionErr == nil {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.DLogf("Read failed: %s", err)
			sessionErr = &wsproto.SessionError{Kind: wsproto.TransportClosed, Cause: err}
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frames, err := decoder.Feed(msg)
		for _, f := range frames {
			c.TLogf("<- %s", f)
			c.handleFrame(f)
		}
		if err != nil {
			c.WLogf("Server sent a malformed frame: %s", err)
			sessionErr = &wsproto.SessionError{Kind: wsproto.TransportClosed, Cause: err}
		}
	}
	c.failAll(sessionErr)
	c.StartShutdown(sessionErr)
}

func (c *Client) handleFrame(f *wsproto.Frame) {
	cn := c.lookup(f.ConnID)
	if cn == nil {
		c.DLogf("Dropping %s for unknown connection", f)
		return
	}
	cn.handleFrame(f)
}

// failAll ends the session: no connection can be created after it, and every live connection
// and pending request is resolved with err
func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.sessionErr = err
	conns := make([]*Connection, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.conns = make(map[uint32]*Connection)
	c.mu.Unlock()
	for _, cn := range conns {
		cn.sessionClosed(err)
	}
	if len(conns) > 0 {
		c.DLogf("Session ended with %d live connections", len(conns))
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.ShutdownStartedChan():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.DLogf("Ping failed: %s", err)
			}
		}
	}
}

// Ping sends a WebSocket ping
func (c *Client) Ping() error {
	err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait))
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
