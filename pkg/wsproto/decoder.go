package wsproto

import (
	"errors"
)

// Decoder extracts frames from a stream of bytes that arrive in arbitrary pieces, such as
// the payloads of successive WebSocket messages. It is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	maxPayload int
	broken     error
}

// NewDecoder creates a Decoder. maxPayload <= 0 selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Write appends received bytes to the decode buffer. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed as frames
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ErrTruncated means more bytes are needed; any
// ErrMalformed is sticky and every later call returns it again.
func (d *Decoder) Next() (*Frame, error) {
	if d.broken != nil {
		return nil, d.broken
	}
	f, n, err := DecodeWithLimit(d.buf, d.maxPayload)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			d.broken = err
		}
		return nil, err
	}
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return f, nil
}

// Feed writes p and returns every complete frame now available. A Malformed stream returns
// the frames decoded before the corruption together with the error.
func (d *Decoder) Feed(p []byte) ([]*Frame, error) {
	d.Write(p)
	var frames []*Frame
	for {
		f, err := d.Next()
		if err != nil {
			if errors.Is(err, ErrTruncated) {
				return frames, nil
			}
			return frames, err
		}
		frames = append(frames, f)
	}
}
