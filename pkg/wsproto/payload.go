package wsproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// OpenRequest is the payload of an OPEN frame
type OpenRequest struct {
	Kind       Kind       `json:"kind"`
	Target     string     `json:"target"`
	TLSVersion TLSVersion `json:"tls_version,omitempty"`
}

// Marshal serializes the OPEN payload
func (o *OpenRequest) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalOpenRequest parses an OPEN payload
func UnmarshalOpenRequest(b []byte) (*OpenRequest, error) {
	o := &OpenRequest{}
	if err := json.Unmarshal(b, o); err != nil {
		return nil, fmt.Errorf("invalid OPEN payload: %s", err)
	}
	if o.Kind == "" {
		return nil, fmt.Errorf("OPEN payload has no kind")
	}
	return o, nil
}

// Header is one HTTP header line. Header lists keep duplicates and order.
type Header struct {
	Name  string
	Value string
}

// MarshalJSON encodes a header as a two element array
func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Name, h.Value})
}

// UnmarshalJSON decodes a two element array
func (h *Header) UnmarshalJSON(b []byte) error {
	var pair [2]string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}

// HTTPRequest is the structured request carried over http and https connections
type HTTPRequest struct {
	Method  string
	Path    string
	Headers []Header
	Body    []byte
}

// requestHead is the JSON head of an encoded HTTPRequest
type requestHead struct {
	Method  string   `json:"method"`
	Path    string   `json:"path"`
	Headers []Header `json:"headers"`
	BodyLen int      `json:"body_len"`
}

// maxRequestHead bounds the JSON head of an encoded request
const maxRequestHead = 1 << 20

// DefaultMaxRequestBody is the largest request body a RequestAssembler accepts unless
// configured otherwise
const DefaultMaxRequestBody = 32 << 20

// EncodeHTTPRequest serializes r as |HEAD LENGTH (32 bits)|HEAD JSON|BODY|. The result may be
// split across any number of DATA frames.
func EncodeHTTPRequest(r *HTTPRequest) ([]byte, error) {
	if r.Method == "" {
		return nil, fmt.Errorf("http request has no method")
	}
	path := r.Path
	if path == "" {
		path = "/"
	}
	head, err := json.Marshal(&requestHead{
		Method:  r.Method,
		Path:    path,
		Headers: r.Headers,
		BodyLen: len(r.Body),
	})
	if err != nil {
		return nil, err
	}
	b := make([]byte, 4, 4+len(head)+len(r.Body))
	binary.BigEndian.PutUint32(b, uint32(len(head)))
	b = append(b, head...)
	return append(b, r.Body...), nil
}

// RequestAssembler reassembles HTTPRequests from arbitrarily split byte chunks
type RequestAssembler struct {
	// MaxBody bounds body_len; zero means DefaultMaxRequestBody
	MaxBody int

	buf []byte
}

func (a *RequestAssembler) maxBody() int {
	if a.MaxBody > 0 {
		return a.MaxBody
	}
	return DefaultMaxRequestBody
}

// Write appends bytes and returns every request completed by them
func (a *RequestAssembler) Write(p []byte) ([]*HTTPRequest, error) {
	a.buf = append(a.buf, p...)
	var reqs []*HTTPRequest
	for {
		if len(a.buf) < 4 {
			return reqs, nil
		}
		headLen := int(binary.BigEndian.Uint32(a.buf))
		if headLen > maxRequestHead {
			return reqs, fmt.Errorf("http request head of %d bytes exceeds limit", headLen)
		}
		if len(a.buf) < 4+headLen {
			return reqs, nil
		}
		var head requestHead
		if err := json.Unmarshal(a.buf[4:4+headLen], &head); err != nil {
			return reqs, fmt.Errorf("invalid http request head: %s", err)
		}
		if head.Method == "" || head.BodyLen < 0 {
			return reqs, fmt.Errorf("invalid http request head")
		}
		if head.BodyLen > a.maxBody() {
			return reqs, fmt.Errorf("http request body of %d bytes exceeds limit of %d", head.BodyLen, a.maxBody())
		}
		total := 4 + headLen + head.BodyLen
		if len(a.buf) < total {
			return reqs, nil
		}
		req := &HTTPRequest{
			Method:  head.Method,
			Path:    head.Path,
			Headers: head.Headers,
		}
		if head.BodyLen > 0 {
			req.Body = append([]byte(nil), a.buf[4+headLen:total]...)
		}
		reqs = append(reqs, req)
		a.buf = a.buf[total:]
	}
}

// Pending returns the number of buffered bytes that do not yet form a whole request
func (a *RequestAssembler) Pending() int {
	return len(a.buf)
}

// ResponseHead is the first DATA payload of every http or https response
type ResponseHead struct {
	Status  int      `json:"status"`
	Headers []Header `json:"headers"`
}

// Marshal serializes the response head
func (h *ResponseHead) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// UnmarshalResponseHead parses a response head
func UnmarshalResponseHead(b []byte) (*ResponseHead, error) {
	h := &ResponseHead{}
	if err := json.Unmarshal(b, h); err != nil {
		return nil, fmt.Errorf("invalid http response head: %s", err)
	}
	if h.Status < 100 || h.Status > 999 {
		return nil, fmt.Errorf("invalid http response status %d", h.Status)
	}
	return h, nil
}
