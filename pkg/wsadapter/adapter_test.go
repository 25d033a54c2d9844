package wsadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

func testLogger() wsshare.Logger {
	return wsshare.NewLoggerWithWriter(ioutil.Discard, "test", wsshare.LogLevelDebug)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startEcho runs a TCP server that echoes every connection
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

// closedPort returns an address nothing listens on
func closedPort(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// readData collects DATA bytes until n bytes arrived, checking that every burst is
// followed by END
func readData(t *testing.T, ctx context.Context, h Handle, n int) []byte {
	var got []byte
	for len(got) < n {
		c, err := h.ReadChunk(ctx)
		require.NoError(t, err)
		require.Equal(t, ChunkData, c.Type)
		got = append(got, c.Data...)
		c, err = h.ReadChunk(ctx)
		require.NoError(t, err)
		require.Equal(t, ChunkEnd, c.Type)
	}
	return got
}

type httpResult struct {
	head *wsproto.ResponseHead
	body []byte
	err  *wsproto.ConnectionError
}

func readResponse(t *testing.T, ctx context.Context, h Handle) httpResult {
	var res httpResult
	for {
		c, err := h.ReadChunk(ctx)
		require.NoError(t, err)
		switch c.Type {
		case ChunkData:
			if res.head == nil {
				res.head, err = wsproto.UnmarshalResponseHead(c.Data)
				require.NoError(t, err)
			} else {
				res.body = append(res.body, c.Data...)
			}
		case ChunkEnd:
			return res
		case ChunkError:
			res.err = c.Err
			return res
		}
	}
}

func TestTCPEcho(t *testing.T) {
	ctx := testContext(t)
	a := NewTCPAdapter(Options{})
	h, err := a.Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindTCP, Target: "tcp://" + startEcho(t)})
	require.NoError(t, err)
	defer h.Close()

	msg := []byte{104, 101, 108, 108, 111, 10}
	require.NoError(t, h.Write(ctx, msg))
	assert.Equal(t, msg, readData(t, ctx, h, len(msg)))
}

func TestTCPPeerCloseEndsStream(t *testing.T) {
	ctx := testContext(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("bye"))
		c.Close()
	}()

	h, err := NewTCPAdapter(Options{}).Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindTCP, Target: l.Addr().String()})
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, []byte("bye"), readData(t, ctx, h, 3))
	_, err = h.ReadChunk(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestTCPRefused(t *testing.T) {
	ctx := testContext(t)
	_, err := NewTCPAdapter(Options{}).Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindTCP, Target: closedPort(t)})
	require.Error(t, err)
	assert.Equal(t, wsproto.ErrorRefused, wsproto.ErrorKindOf(err))
}

func TestTCPRejectsBadTarget(t *testing.T) {
	_, err := NewTCPAdapter(Options{}).Open(testContext(t), testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindTCP, Target: "http://host/"})
	assert.Equal(t, wsproto.ErrorProtocolViolation, wsproto.ErrorKindOf(err))
}

func onlineHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/online/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-Accept", r.Header.Get("Accept"))
		fmt.Fprintf(w, "online %s", r.Method)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := ioutil.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(b)
	})
	mux.HandleFunc("/slam", func(w http.ResponseWriter, r *http.Request) {
		c, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			c.Close()
		}
	})
	return mux
}

func writeRequest(t *testing.T, ctx context.Context, h Handle, r *wsproto.HTTPRequest) {
	b, err := wsproto.EncodeHTTPRequest(r)
	require.NoError(t, err)
	// split to exercise reassembly
	mid := len(b) / 2
	require.NoError(t, h.Write(ctx, b[:mid]))
	require.NoError(t, h.Write(ctx, b[mid:]))
}

func TestHTTPGet(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewServer(onlineHandler())
	defer ts.Close()

	h, err := NewHTTPAdapter(Options{}).Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTP, Target: ts.URL + "/"})
	require.NoError(t, err)
	defer h.Close()

	writeRequest(t, ctx, h, &wsproto.HTTPRequest{
		Method:  "GET",
		Path:    "/online/",
		Headers: []wsproto.Header{{Name: "Host", Value: "host"}, {Name: "Accept", Value: "*/*"}},
	})
	res := readResponse(t, ctx, h)
	require.Nil(t, res.err)
	assert.Equal(t, 200, res.head.Status)
	assert.Equal(t, "online GET", string(res.body))
	assert.Contains(t, res.head.Headers, wsproto.Header{Name: "X-Host", Value: "host"})
	assert.Contains(t, res.head.Headers, wsproto.Header{Name: "X-Accept", Value: "*/*"})
}

func TestHTTPPipelinedResponsesInOrder(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewServer(onlineHandler())
	defer ts.Close()

	h, err := NewHTTPAdapter(Options{}).Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTP, Target: ts.URL})
	require.NoError(t, err)
	defer h.Close()

	var stream []byte
	for i := 0; i < 5; i++ {
		b, err := wsproto.EncodeHTTPRequest(&wsproto.HTTPRequest{Method: "POST", Path: "/echo", Body: []byte(fmt.Sprintf("req-%d", i))})
		require.NoError(t, err)
		stream = append(stream, b...)
	}
	require.NoError(t, h.Write(ctx, stream))
	for i := 0; i < 5; i++ {
		res := readResponse(t, ctx, h)
		require.Nil(t, res.err)
		assert.Equal(t, http.StatusCreated, res.head.Status)
		assert.Equal(t, fmt.Sprintf("req-%d", i), string(res.body))
	}
}

func TestHTTPUpstreamFailureIsNotFatal(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewServer(onlineHandler())
	defer ts.Close()

	h, err := NewHTTPAdapter(Options{}).Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTP, Target: ts.URL})
	require.NoError(t, err)
	defer h.Close()

	writeRequest(t, ctx, h, &wsproto.HTTPRequest{Method: "GET", Path: "/slam"})
	res := readResponse(t, ctx, h)
	require.NotNil(t, res.err)
	assert.False(t, res.err.Fatal)

	writeRequest(t, ctx, h, &wsproto.HTTPRequest{Method: "GET", Path: "/online/"})
	res = readResponse(t, ctx, h)
	require.Nil(t, res.err)
	assert.Equal(t, 200, res.head.Status)
}

func TestHTTPGarbageRequestStream(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewServer(onlineHandler())
	defer ts.Close()

	h, err := NewHTTPAdapter(Options{}).Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTP, Target: ts.URL})
	require.NoError(t, err)
	defer h.Close()

	err = h.Write(ctx, []byte{0, 0, 0, 2, '{', '!'})
	assert.Equal(t, wsproto.ErrorProtocolViolation, wsproto.ErrorKindOf(err))
}

func TestHTTPSGet(t *testing.T) {
	ctx := testContext(t)
	ts := httptest.NewTLSServer(onlineHandler())
	defer ts.Close()

	opts := Options{TLSConfig: ts.Client().Transport.(*http.Transport).TLSClientConfig}
	h, err := NewHTTPSAdapter(opts).Open(ctx, testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTPS, Target: ts.URL, TLSVersion: wsproto.TLSv12})
	require.NoError(t, err)
	defer h.Close()

	writeRequest(t, ctx, h, &wsproto.HTTPRequest{Method: "GET", Path: "/online/"})
	res := readResponse(t, ctx, h)
	require.Nil(t, res.err)
	assert.Equal(t, 200, res.head.Status)
	assert.Equal(t, "online GET", string(res.body))
}

func TestHTTPSUntrustedCertificate(t *testing.T) {
	ts := httptest.NewTLSServer(onlineHandler())
	defer ts.Close()

	_, err := NewHTTPSAdapter(Options{}).Open(testContext(t), testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTPS, Target: ts.URL})
	assert.Equal(t, wsproto.ErrorProtocolViolation, wsproto.ErrorKindOf(err))
}

func TestHTTPSRefused(t *testing.T) {
	_, err := NewHTTPSAdapter(Options{}).Open(testContext(t), testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTPS, Target: "https://" + closedPort(t)})
	assert.True(t, errors.Is(err, &wsproto.ConnectionError{Kind: wsproto.ErrorRefused}), "%v", err)
}

func TestHTTPRejectsTLSVersion(t *testing.T) {
	_, err := NewHTTPAdapter(Options{}).Open(testContext(t), testLogger(), &wsproto.OpenRequest{Kind: wsproto.KindHTTP, Target: "http://127.0.0.1:1/", TLSVersion: wsproto.TLSv13})
	assert.Equal(t, wsproto.ErrorProtocolViolation, wsproto.ErrorKindOf(err))
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		kind wsproto.ErrorKind
	}{
		{&net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, wsproto.ErrorResolutionFailed},
		{&net.DNSError{Err: "i/o timeout", Name: "slow", IsTimeout: true}, wsproto.ErrorTimeout},
		{context.DeadlineExceeded, wsproto.ErrorTimeout},
		{&net.OpError{Op: "dial", Net: "tcp", Err: &wrappedSyscall{syscall.ECONNREFUSED}}, wsproto.ErrorRefused},
		{fmt.Errorf("read: %w", syscall.ECONNRESET), wsproto.ErrorClosed},
		{io.EOF, wsproto.ErrorClosed},
		{net.ErrClosed, wsproto.ErrorClosed},
		{errors.New("tls: handshake failure"), wsproto.ErrorProtocolViolation},
		{errors.New("something else"), wsproto.ErrorTimeout},
	}
	for _, c := range cases {
		ce := ClassifyError(c.err, wsproto.ErrorTimeout)
		require.NotNil(t, ce)
		assert.Equal(t, c.kind, ce.Kind, "%v", c.err)
		assert.True(t, ce.Fatal)
	}
	assert.Nil(t, ClassifyError(nil, wsproto.ErrorClosed))

	orig := wsproto.NewConnectionError(wsproto.ErrorRefused, "x")
	assert.Same(t, orig, ClassifyError(fmt.Errorf("wrapped: %w", orig), wsproto.ErrorClosed))
}

type wrappedSyscall struct {
	errno syscall.Errno
}

func (w *wrappedSyscall) Error() string { return w.errno.Error() }
func (w *wrappedSyscall) Unwrap() error { return w.errno }
