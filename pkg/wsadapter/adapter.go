// Package wsadapter contains the connection adapters that perform real outbound network I/O
// on behalf of tunnel connections, and the registry through which additional connection
// kinds are plugged into the dispatcher.
package wsadapter

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// ChunkType identifies what an adapter produced
type ChunkType int

const (
	// ChunkData carries bytes to be sent to the client in a DATA frame
	ChunkData ChunkType = iota + 1
	// ChunkEnd marks the end of one response
	ChunkEnd
	// ChunkError fails the current response without failing the connection
	ChunkError
)

// Chunk is one item in the sequence produced by Handle.ReadChunk
type Chunk struct {
	Type ChunkType
	Data []byte
	Err  *wsproto.ConnectionError
}

// Handle is an established outbound connection owned by one tunnel connection
type Handle interface {
	// Write delivers bytes received from the client in DATA frames. An error is fatal to
	// the connection.
	Write(ctx context.Context, p []byte) error

	// ReadChunk blocks until the adapter has something to send toward the client. It returns
	// io.EOF when the remote peer closed the stream. Any other error is fatal to the connection.
	ReadChunk(ctx context.Context) (Chunk, error)

	// Close releases the outbound connection and unblocks any pending Write or ReadChunk
	Close() error
}

// Adapter establishes outbound connections for one connection kind
type Adapter interface {
	Kind() wsproto.Kind

	// Open establishes the outbound connection described by req. ctx carries the open
	// timeout; errors should be *wsproto.ConnectionError values (see ClassifyError).
	Open(ctx context.Context, logger wsshare.Logger, req *wsproto.OpenRequest) (Handle, error)
}

// Options configure the built-in adapters
type Options struct {
	// Dialer is used for all outbound TCP connections. nil means a zero net.Dialer.
	Dialer *net.Dialer

	// TLSConfig is the base client TLS configuration for https connections. ServerName and the
	// version bounds are filled in per connection. nil means system roots.
	TLSConfig *tls.Config

	// ReadBufferSize bounds the size of a single DATA chunk read from an upstream
	ReadBufferSize int

	// MaxRequestBody bounds the body of a single http request. Zero means
	// wsproto.DefaultMaxRequestBody.
	MaxRequestBody int
}

const defaultReadBufferSize = 32 * 1024

func (o Options) dialer() *net.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return &net.Dialer{KeepAlive: 30 * time.Second}
}

func (o Options) readBufferSize() int {
	if o.ReadBufferSize > 0 {
		return o.ReadBufferSize
	}
	return defaultReadBufferSize
}

func dataChunk(p []byte) Chunk {
	return Chunk{Type: ChunkData, Data: p}
}

var endChunk = Chunk{Type: ChunkEnd}

func errorChunk(e *wsproto.ConnectionError) Chunk {
	return Chunk{Type: ChunkError, Err: e}
}
