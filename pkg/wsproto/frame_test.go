package wsproto

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allFrameTypes = []FrameType{FrameOpen, FrameOpenAck, FrameData, FrameEnd, FrameError, FrameClose}

func randomFrames(n int) []*Frame {
	r := rand.New(rand.NewSource(42))
	frames := make([]*Frame, 0, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, r.Intn(300))
		r.Read(payload)
		frames = append(frames, NewFrame(r.Uint32(), allFrameTypes[r.Intn(len(allFrameTypes))], payload))
	}
	return frames
}

func TestFrameRoundTrip(t *testing.T) {
	for _, f := range randomFrames(200) {
		b := f.Encode()
		require.Equal(t, f.EncodedLen(), len(b))
		got, n, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, f, got)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	for _, ft := range allFrameTypes {
		f := NewFrame(7, ft, nil)
		got, _, err := Decode(f.Encode())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	b := NewFrame(1, FrameData, []byte("hello\n")).Encode()
	for i := 0; i < len(b); i++ {
		_, n, err := Decode(b[:i])
		assert.True(t, errors.Is(err, ErrTruncated), "prefix %d: %v", i, err)
		assert.False(t, errors.Is(err, ErrMalformed))
		assert.Equal(t, 0, n)
	}
}

func TestDecodeMalformed(t *testing.T) {
	b := NewFrame(1, FrameData, []byte("x")).Encode()
	b[0] = 0
	_, _, err := Decode(b)
	assert.True(t, errors.Is(err, ErrMalformed))

	b[0] = 99
	_, _, err = Decode(b[:1])
	assert.True(t, errors.Is(err, ErrMalformed), "bad tag is detected before the rest of the header arrives")

	big := NewFrame(1, FrameData, make([]byte, 64)).Encode()
	_, _, err = DecodeWithLimit(big, 63)
	assert.True(t, errors.Is(err, ErrMalformed))
	_, _, err = DecodeWithLimit(big, 64)
	assert.NoError(t, err)
}

func TestDecoderSplitAcrossWrites(t *testing.T) {
	frames := randomFrames(50)
	var stream []byte
	for _, f := range frames {
		stream = f.AppendEncode(stream)
	}

	r := rand.New(rand.NewSource(7))
	d := NewDecoder(0)
	var got []*Frame
	for len(stream) > 0 {
		n := r.Intn(40) + 1
		if n > len(stream) {
			n = len(stream)
		}
		fs, err := d.Feed(stream[:n])
		require.NoError(t, err)
		got = append(got, fs...)
		stream = stream[n:]
	}
	assert.Equal(t, frames, got)
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoderMalformedIsSticky(t *testing.T) {
	good := NewFrame(3, FrameEnd, nil).Encode()
	bad := []byte{0xff, 0, 0, 0, 1, 0, 0, 0, 0}
	d := NewDecoder(0)

	fs, err := d.Feed(append(append([]byte{}, good...), bad...))
	assert.Len(t, fs, 1)
	require.True(t, errors.Is(err, ErrMalformed))

	_, err = d.Feed(good)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "OPEN_ACK", FrameOpenAck.String())
	assert.Equal(t, "FrameType(42)", FrameType(42).String())
	assert.True(t, bytes.HasPrefix(NewFrame(9, FrameClose, nil).Encode(), []byte{byte(FrameClose), 0, 0, 0, 9}))
}
