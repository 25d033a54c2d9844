package wsadapter

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// redialTimeout bounds reconnecting to an upstream after it closed a keep-alive connection
const redialTimeout = 10 * time.Second

// HTTPAdapter issues structured HTTP/1.1 requests to one upstream origin, over a plain
// connection (kind http) or a TLS connection it terminates itself (kind https).
type HTTPAdapter struct {
	opts   Options
	secure bool
}

// NewHTTPAdapter creates the built-in http adapter
func NewHTTPAdapter(opts Options) *HTTPAdapter {
	return &HTTPAdapter{opts: opts}
}

// NewHTTPSAdapter creates the built-in https adapter
func NewHTTPSAdapter(opts Options) *HTTPAdapter {
	return &HTTPAdapter{opts: opts, secure: true}
}

// Kind returns wsproto.KindHTTP or wsproto.KindHTTPS
func (a *HTTPAdapter) Kind() wsproto.Kind {
	if a.secure {
		return wsproto.KindHTTPS
	}
	return wsproto.KindHTTP
}

// Open connects to the upstream origin (including the TLS handshake for https) so that
// unreachable targets fail the OPEN rather than the first request
func (a *HTTPAdapter) Open(ctx context.Context, logger wsshare.Logger, req *wsproto.OpenRequest) (Handle, error) {
	target, err := wsproto.ParseTarget(a.Kind(), req.Target)
	if err != nil {
		return nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "%s", err)
	}
	h := &httpHandle{
		logger:  logger,
		adapter: a,
		target:  target,
		reqs:    make(chan *wsproto.HTTPRequest, 64),
		chunks:  make(chan Chunk, 16),
		done:    make(chan struct{}),
		bufSize: a.opts.readBufferSize(),
		asm:     wsproto.RequestAssembler{MaxBody: a.opts.MaxRequestBody},
	}
	if a.secure {
		h.tlsConfig, err = a.tlsConfig(target, req.TLSVersion)
		if err != nil {
			return nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "%s", err)
		}
	} else if req.TLSVersion != "" {
		return nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "tls_version given for plain http target")
	}

	logger.DLogf("Dialing %s", target)
	conn, err := h.dial(ctx)
	if err != nil {
		return nil, ClassifyError(err, wsproto.ErrorRefused)
	}
	h.conn = conn
	h.br = bufio.NewReader(conn)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	go h.run()
	return h, nil
}

func (a *HTTPAdapter) tlsConfig(target wsproto.Target, version wsproto.TLSVersion) (*tls.Config, error) {
	var cfg *tls.Config
	if a.opts.TLSConfig != nil {
		cfg = a.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = target.Host
	}
	cfg.NextProtos = []string{"http/1.1"}
	var v uint16
	switch version {
	case "":
		return cfg, nil
	case wsproto.TLSv10:
		v = tls.VersionTLS10
	case wsproto.TLSv11:
		v = tls.VersionTLS11
	case wsproto.TLSv12:
		v = tls.VersionTLS12
	case wsproto.TLSv13:
		v = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS version %q", version)
	}
	cfg.MinVersion = v
	cfg.MaxVersion = v
	return cfg, nil
}

type httpHandle struct {
	logger    wsshare.Logger
	adapter   *HTTPAdapter
	target    wsproto.Target
	tlsConfig *tls.Config
	bufSize   int

	// asm is only used by Write
	asm wsproto.RequestAssembler

	reqs   chan *wsproto.HTTPRequest
	chunks chan Chunk

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	connMu sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
}

func (h *httpHandle) dial(ctx context.Context) (net.Conn, error) {
	d := h.adapter.opts.dialer()
	if h.tlsConfig == nil {
		return d.DialContext(ctx, "tcp", h.target.Addr())
	}
	td := &tls.Dialer{NetDialer: d, Config: h.tlsConfig}
	return td.DialContext(ctx, "tcp", h.target.Addr())
}

// Write feeds the request stream; every completed request is queued for the worker
func (h *httpHandle) Write(ctx context.Context, p []byte) error {
	reqs, err := h.asm.Write(p)
	if err != nil {
		return wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "%s", err)
	}
	for _, r := range reqs {
		select {
		case h.reqs <- r:
		case <-h.done:
			return wsproto.ErrConnectionClosed
		case <-ctx.Done():
			return ClassifyError(ctx.Err(), wsproto.ErrorClosed)
		}
	}
	return nil
}

func (h *httpHandle) ReadChunk(ctx context.Context) (Chunk, error) {
	select {
	case c := <-h.chunks:
		return c, nil
	case <-h.done:
		return Chunk{}, wsproto.ErrConnectionClosed
	case <-ctx.Done():
		return Chunk{}, ClassifyError(ctx.Err(), wsproto.ErrorClosed)
	}
}

func (h *httpHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.cancel()
		h.connMu.Lock()
		if h.conn != nil {
			err = h.conn.Close()
			h.conn = nil
		}
		h.connMu.Unlock()
	})
	return err
}

// emit returns false once the handle is closed
func (h *httpHandle) emit(c Chunk) bool {
	select {
	case h.chunks <- c:
		return true
	case <-h.done:
		return false
	}
}

// fail reports a per-request failure; the connection stays usable
func (h *httpHandle) fail(err error, fallback wsproto.ErrorKind) bool {
	ce := *ClassifyError(err, fallback)
	ce.Fatal = false
	h.logger.DLogf("request failed: %s", &ce)
	return h.emit(errorChunk(&ce))
}

func (h *httpHandle) run() {
	for {
		select {
		case r := <-h.reqs:
			if !h.roundTrip(r) {
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *httpHandle) currentConn() (net.Conn, *bufio.Reader, error) {
	h.connMu.Lock()
	conn, br := h.conn, h.br
	h.connMu.Unlock()
	if conn != nil {
		return conn, br, nil
	}

	h.logger.DLogf("Redialing %s", h.target)
	ctx, cancel := context.WithTimeout(h.ctx, redialTimeout)
	defer cancel()
	conn, err := h.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	br = bufio.NewReader(conn)
	h.connMu.Lock()
	defer h.connMu.Unlock()
	select {
	case <-h.done:
		conn.Close()
		return nil, nil, wsproto.ErrConnectionClosed
	default:
	}
	h.conn, h.br = conn, br
	return conn, br, nil
}

func (h *httpHandle) dropConn(conn net.Conn) {
	h.connMu.Lock()
	if h.conn == conn {
		h.conn = nil
		h.br = nil
	}
	h.connMu.Unlock()
	conn.Close()
}

// roundTrip performs one request and streams its response. Returns false if the handle
// was closed.
func (h *httpHandle) roundTrip(r *wsproto.HTTPRequest) bool {
	hreq, err := h.buildRequest(r)
	if err != nil {
		return h.fail(err, wsproto.ErrorProtocolViolation)
	}
	conn, br, err := h.currentConn()
	if err != nil {
		return h.fail(err, wsproto.ErrorRefused)
	}
	h.logger.DLogf("%s %s", hreq.Method, hreq.URL.RequestURI())

	if err := hreq.Write(conn); err != nil {
		h.dropConn(conn)
		return h.fail(err, wsproto.ErrorClosed)
	}
	resp, err := http.ReadResponse(br, hreq)
	if err != nil {
		h.dropConn(conn)
		return h.fail(err, wsproto.ErrorProtocolViolation)
	}
	defer resp.Body.Close()

	head := &wsproto.ResponseHead{Status: resp.StatusCode, Headers: flattenHeader(resp.Header)}
	b, err := head.Marshal()
	if err != nil {
		h.dropConn(conn)
		return h.fail(err, wsproto.ErrorProtocolViolation)
	}
	if !h.emit(dataChunk(b)) {
		return false
	}

	buf := make([]byte, h.bufSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if !h.emit(dataChunk(append([]byte(nil), buf[:n]...))) {
				return false
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			h.dropConn(conn)
			return h.fail(err, wsproto.ErrorClosed)
		}
	}
	if resp.Close {
		h.dropConn(conn)
	}
	return h.emit(endChunk)
}

func (h *httpHandle) buildRequest(r *wsproto.HTTPRequest) (*http.Request, error) {
	u, err := url.ParseRequestURI(r.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %s", r.Path, err)
	}
	u.Scheme = "http"
	if h.adapter.secure {
		u.Scheme = "https"
	}
	u.Host = h.target.Addr()

	hreq := &http.Request{
		Method:     r.Method,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       h.defaultHost(),
	}
	for _, hdr := range r.Headers {
		switch {
		case strings.EqualFold(hdr.Name, "Host"):
			hreq.Host = hdr.Value
		case strings.EqualFold(hdr.Name, "Content-Length"), strings.EqualFold(hdr.Name, "Transfer-Encoding"):
			// the body is length-delimited by the tunnel
		default:
			hreq.Header.Add(hdr.Name, hdr.Value)
		}
	}
	if len(r.Body) > 0 {
		hreq.Body = ioutil.NopCloser(bytes.NewReader(r.Body))
		hreq.ContentLength = int64(len(r.Body))
	}
	return hreq, nil
}

func (h *httpHandle) defaultHost() string {
	if (h.adapter.secure && h.target.Port == 443) || (!h.adapter.secure && h.target.Port == 80) {
		return h.target.Host
	}
	return h.target.Addr()
}

// flattenHeader converts a parsed header map to a list. net/http canonicalizes names and
// does not keep the order of distinct names, so names are sorted; values of a repeated
// name keep their received order.
func flattenHeader(hdr http.Header) []wsproto.Header {
	names := make([]string, 0, len(hdr))
	for name := range hdr {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]wsproto.Header, 0, len(names))
	for _, name := range names {
		for _, v := range hdr[name] {
			out = append(out, wsproto.Header{Name: name, Value: v})
		}
	}
	return out
}
