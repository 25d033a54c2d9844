package wsclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/wsproxy/pkg/wsdispatch"
	"github.com/sammck-go/wsproxy/pkg/wsproto"
)

func startDispatcher(t *testing.T, config *wsdispatch.ServerConfig) (*wsdispatch.Server, *httptest.Server) {
	if config == nil {
		config = &wsdispatch.ServerConfig{}
	}
	srv, err := wsdispatch.NewServer(testLogger(), config)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dialDispatcher(t *testing.T, ts *httptest.Server) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, testLogger(), &Config{Server: ts.URL + "/", MaxRetryCount: 0})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func startEcho(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return l.Addr().String()
}

func closedPort(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func ready(t *testing.T, cn *Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cn.WaitReady(ctx)
}

func TestEndToEndTCPEcho(t *testing.T) {
	_, ts := startDispatcher(t, nil)
	c := dialDispatcher(t, ts)

	cn, err := c.CreateTCPConnection("tcp://" + startEcho(t))
	require.NoError(t, err)
	require.NoError(t, ready(t, cn))

	msg := []byte{104, 101, 108, 108, 111, 10}
	fut, err := cn.Send(msg)
	require.NoError(t, err)
	resp, err := wait(t, fut)
	require.NoError(t, err)

	// the echo may come back in more than one burst
	got := resp.Body
	assert.Eventually(t, func() bool {
		got = append(got, cn.Unclaimed()...)
		return len(got) >= len(msg)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, msg, got)

	require.NoError(t, cn.Close())
	select {
	case <-cn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("close was not confirmed")
	}
	assert.Equal(t, StateClosed, cn.State())
}

func TestEndToEndHTTPGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/online/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Accept", r.Header.Get("Accept"))
		w.Write([]byte("online"))
	}))
	defer upstream.Close()
	host := strings.TrimPrefix(upstream.URL, "http://")

	_, ts := startDispatcher(t, nil)
	c := dialDispatcher(t, ts)

	cn, err := c.CreateHTTPConnection("http://" + host + "/")
	require.NoError(t, err)
	require.NoError(t, ready(t, cn))

	fut, err := cn.SendRequest(&Request{
		Method:  "GET",
		Path:    "/online/",
		Headers: []wsproto.Header{{Name: "Host", Value: host}, {Name: "Accept", Value: "*/*"}},
	})
	require.NoError(t, err)
	missing, err := cn.SendRequest(&Request{Method: "GET", Path: "/offline/"})
	require.NoError(t, err)

	resp, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "online", string(resp.Body))
	assert.Equal(t, "*/*", resp.Header("X-Accept"))
	assert.NotEmpty(t, resp.Headers)

	resp, err = wait(t, missing)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
}

func TestEndToEndHTTPSRefused(t *testing.T) {
	srv, ts := startDispatcher(t, nil)
	c := dialDispatcher(t, ts)

	cn, err := c.CreateHTTPSConnection("https://" + closedPort(t))
	require.NoError(t, err)
	err = ready(t, cn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &wsproto.ConnectionError{Kind: wsproto.ErrorRefused}), "got %v", err)
	assert.Equal(t, StateFailed, cn.State())

	assert.Eventually(t, func() bool { return srv.Stats().OpenCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndManyConnections(t *testing.T) {
	_, ts := startDispatcher(t, nil)
	c := dialDispatcher(t, ts)
	echo := startEcho(t)

	var conns []*Connection
	for i := 0; i < 8; i++ {
		cn, err := c.CreateTCPConnection(echo)
		require.NoError(t, err)
		conns = append(conns, cn)
	}
	var futures []*ResponseFuture
	for i, cn := range conns {
		require.NoError(t, ready(t, cn))
		fut, err := cn.Send([]byte{byte('a' + i)})
		require.NoError(t, err)
		futures = append(futures, fut)
	}
	for i, fut := range futures {
		resp, err := wait(t, fut)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte('a' + i)}, resp.Body, "connection %d", conns[i].ID())
	}
}

func TestServerShutdownFailsConnections(t *testing.T) {
	srv, ts := startDispatcher(t, nil)
	c := dialDispatcher(t, ts)
	cn, err := c.CreateTCPConnection(startEcho(t))
	require.NoError(t, err)
	require.NoError(t, ready(t, cn))

	srv.Close()
	select {
	case <-cn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection survived the session")
	}
	assert.Equal(t, StateFailed, cn.State())
	assert.True(t, errors.Is(c.Err(), wsproto.ErrSessionClosed))
}

func TestDialRejectedPath(t *testing.T) {
	_, ts := startDispatcher(t, &wsdispatch.ServerConfig{Path: "/tunnel"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := Dial(ctx, testLogger(), &Config{Server: ts.URL + "/", MaxRetryCount: 3})
	assert.Error(t, err)

	c, err := Dial(ctx, testLogger(), &Config{Server: ts.URL + "/tunnel"})
	require.NoError(t, err)
	c.Close()
}

func TestDialGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := Dial(ctx, testLogger(), &Config{Server: "http://" + closedPort(t), MaxRetryCount: 0})
	assert.Error(t, err)
}
