package wsshare

import (
	"context"
	"net"
	"net/http"
	"sync"
)

// HTTPServer extends net/http Server and
// adds graceful shutdowns
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
		ready:  make(chan struct{}),
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown closes the listener and any connections still being served
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	var err error
	h.listenerMu.Lock()
	l := h.listener
	h.listenerMu.Unlock()
	if l != nil {
		err = h.Server.Close()
		if err != nil {
			h.DLogf("close of http server failed, ignoring: %s", err)
		}
	}
	if completionErr == nil || completionErr == http.ErrServerClosed {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on the given bind address, invoking the provided
// handler for each request. It returns after the server has shutdown. The server can be
// shutdown either by cancelling the context or by calling Shutdown().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listenerMu.Lock()
			h.listener = l
			h.listenerMu.Unlock()
			close(h.ready)

			go func() {
				h.StartShutdown(h.Serve(l))
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	if err == http.ErrServerClosed || err == context.Canceled {
		err = nil
	}
	return err
}

// ListenAddr blocks until the server is listening and returns the bound address,
// or returns nil if the server shut down first
func (h *HTTPServer) ListenAddr() net.Addr {
	select {
	case <-h.ready:
		h.listenerMu.Lock()
		defer h.listenerMu.Unlock()
		return h.listener.Addr()
	case <-h.ShutdownDoneChan():
		return nil
	}
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
