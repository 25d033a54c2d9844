package wsadapter

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// TCPAdapter is a raw passthrough to a TCP host:port
type TCPAdapter struct {
	opts Options
}

// NewTCPAdapter creates the built-in tcp adapter
func NewTCPAdapter(opts Options) *TCPAdapter {
	return &TCPAdapter{opts: opts}
}

// Kind returns wsproto.KindTCP
func (a *TCPAdapter) Kind() wsproto.Kind {
	return wsproto.KindTCP
}

// Open dials the target
func (a *TCPAdapter) Open(ctx context.Context, logger wsshare.Logger, req *wsproto.OpenRequest) (Handle, error) {
	target, err := wsproto.ParseTarget(wsproto.KindTCP, req.Target)
	if err != nil {
		return nil, wsproto.NewConnectionError(wsproto.ErrorProtocolViolation, "%s", err)
	}
	logger.DLogf("Dialing %s", target.Addr())
	conn, err := a.opts.dialer().DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, ClassifyError(err, wsproto.ErrorRefused)
	}
	return newStreamHandle(logger, conn, a.opts.readBufferSize()), nil
}

// streamHandle carries raw bytes over a net.Conn. Each read burst becomes one response:
// a DATA chunk followed by an END chunk.
type streamHandle struct {
	logger  wsshare.Logger
	conn    net.Conn
	buf     []byte
	endNext bool
	// readErr is returned after the END of the final burst
	readErr   error
	closeOnce sync.Once
	closeErr  error
}

func newStreamHandle(logger wsshare.Logger, conn net.Conn, bufSize int) *streamHandle {
	return &streamHandle{
		logger: logger,
		conn:   conn,
		buf:    make([]byte, bufSize),
	}
}

func (h *streamHandle) Write(ctx context.Context, p []byte) error {
	if _, err := h.conn.Write(p); err != nil {
		return ClassifyError(err, wsproto.ErrorClosed)
	}
	return nil
}

// ReadChunk is only called from a single goroutine
func (h *streamHandle) ReadChunk(ctx context.Context) (Chunk, error) {
	if h.endNext {
		h.endNext = false
		return endChunk, nil
	}
	if h.readErr != nil {
		return Chunk{}, h.readErr
	}
	n, err := h.conn.Read(h.buf)
	if err != nil {
		if err != io.EOF {
			err = ClassifyError(err, wsproto.ErrorClosed)
		}
		if n == 0 {
			return Chunk{}, err
		}
		h.readErr = err
	}
	h.endNext = true
	return dataChunk(append([]byte(nil), h.buf[:n]...)), nil
}

func (h *streamHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}
