package wsclient

import (
	"context"
	"strings"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
)

// Request is a structured HTTP request sent over an http or https connection
type Request = wsproto.HTTPRequest

// Response is the result of one Send. For tcp connections only Body is set.
type Response struct {
	Status  int
	Headers []wsproto.Header
	Body    []byte
}

// Header returns the first value of the named header, matched case-insensitively
func (r *Response) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ResponseFuture completes exactly once with a Response or an error
type ResponseFuture struct {
	done chan struct{}
	resp *Response
	err  error
}

func newResponseFuture() *ResponseFuture {
	return &ResponseFuture{done: make(chan struct{})}
}

// Done is closed when the result is available
func (f *ResponseFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the response arrives or ctx is done. Giving up on ctx does not cancel
// the request.
func (f *ResponseFuture) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome; it must only be called after Done is closed
func (f *ResponseFuture) Result() (*Response, error) {
	return f.resp, f.err
}

// resolve is called exactly once by the connection that owns the future
func (f *ResponseFuture) resolve(resp *Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}
