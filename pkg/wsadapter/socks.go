package wsadapter

import (
	"context"
	"io/ioutil"
	"log"
	"strings"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// KindSocks5 is the connection kind served by SocksAdapter. DATA bytes on such a connection
// are a SOCKS5 conversation; the client picks the real destination in its CONNECT request.
const KindSocks5 wsproto.Kind = "socks5"

// SocksAdapter runs an in-process SOCKS5 server for each connection. It is not built in;
// the proxy registers it through the Registry when enabled.
type SocksAdapter struct {
	logger      wsshare.Logger
	opts        Options
	socksServer *socks5.Server
}

// NewSocksAdapter creates a SocksAdapter
func NewSocksAdapter(logger wsshare.Logger, opts Options) (*SocksAdapter, error) {
	socksConfig := &socks5.Config{
		Dial: opts.dialer().DialContext,
	}
	if logger.GetLogLevel() >= wsshare.LogLevelDebug {
		socksConfig.Logger = log.New(&logWriter{logger: logger}, "", 0)
	} else {
		socksConfig.Logger = log.New(ioutil.Discard, "", 0)
	}
	s, err := socks5.New(socksConfig)
	if err != nil {
		return nil, err
	}
	return &SocksAdapter{logger: logger, opts: opts, socksServer: s}, nil
}

// SocksFactory is a Factory for the socks5 kind
func SocksFactory(logger wsshare.Logger, opts Options) (Adapter, error) {
	return NewSocksAdapter(logger.Fork("socks5"), opts)
}

// Kind returns KindSocks5
func (a *SocksAdapter) Kind() wsproto.Kind {
	return KindSocks5
}

// Open creates a socket pair, hands one end to the SOCKS5 server and returns a stream handle
// for the other. The target is informational only.
func (a *SocksAdapter) Open(ctx context.Context, logger wsshare.Logger, req *wsproto.OpenRequest) (Handle, error) {
	netConn, socksNetConn, err := socketpair.New("unix")
	if err != nil {
		return nil, wsproto.NewConnectionError(wsproto.ErrorRefused, "unable to create socketpair: %s", err)
	}
	go func() {
		err := a.socksServer.ServeConn(socksNetConn)
		if err != nil && !strings.HasSuffix(err.Error(), "EOF") {
			logger.DLogf("socks5 session ended: %s", err)
		}
		socksNetConn.Close()
	}()
	return newStreamHandle(logger, netConn, a.opts.readBufferSize()), nil
}

// logWriter adapts a Logger to an io.Writer for libraries that want a *log.Logger
type logWriter struct {
	logger wsshare.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.DLogf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
