package wsproto

import (
	"encoding/binary"
	"fmt"
)

// FrameType identifies the meaning of a Frame
type FrameType uint8

const (
	// FrameOpen asks the dispatcher to establish a new logical connection
	FrameOpen FrameType = 1
	// FrameOpenAck confirms that a logical connection is open
	FrameOpenAck FrameType = 2
	// FrameData carries request or response bytes
	FrameData FrameType = 3
	// FrameEnd marks the end of one response
	FrameEnd FrameType = 4
	// FrameError reports a ConnectionError for a logical connection
	FrameError FrameType = 5
	// FrameClose tears down a logical connection
	FrameClose FrameType = 6
)

// HeaderLen is the fixed size of a frame header:
//
//	|TYPE (8 bits)|CONNECTION ID (32 bits)|PAYLOAD LENGTH (32 bits)|PAYLOAD|
const HeaderLen = 9

// DefaultMaxPayload is the largest payload accepted by a Decoder unless configured otherwise
const DefaultMaxPayload = 1 << 20

// MessageBatch is the size at which writers stop coalescing frames into one WebSocket message
const MessageBatch = 256 * 1024

// MessageLimit is the largest WebSocket message a writer coalescing frames of at most
// maxPayload bytes up to MessageBatch can produce
func MessageLimit(maxPayload int) int64 {
	return int64(MessageBatch) + HeaderLen + int64(maxPayload)
}

var frameTypeNames = map[FrameType]string{
	FrameOpen:    "OPEN",
	FrameOpenAck: "OPEN_ACK",
	FrameData:    "DATA",
	FrameEnd:     "END",
	FrameError:   "ERROR",
	FrameClose:   "CLOSE",
}

// Valid returns true if t is one of the known frame types
func (t FrameType) Valid() bool {
	_, ok := frameTypeNames[t]
	return ok
}

func (t FrameType) String() string {
	name, ok := frameTypeNames[t]
	if !ok {
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
	return name
}

// Frame is one self-delimited message on the tunnel
type Frame struct {
	ConnID  uint32
	Type    FrameType
	Payload []byte
}

// NewFrame creates a frame that owns a private copy of payload
func NewFrame(connID uint32, t FrameType, payload []byte) *Frame {
	var b []byte
	if len(payload) > 0 {
		b = make([]byte, len(payload))
		copy(b, payload)
	}
	return &Frame{ConnID: connID, Type: t, Payload: b}
}

func (f *Frame) String() string {
	return fmt.Sprintf("%d %s (%d bytes)", f.ConnID, f.Type, len(f.Payload))
}

// EncodedLen returns the number of bytes Encode will produce
func (f *Frame) EncodedLen() int {
	return HeaderLen + len(f.Payload)
}

// AppendEncode appends the wire form of f to dst and returns the extended slice
func (f *Frame) AppendEncode(dst []byte) []byte {
	var hdr [HeaderLen]byte
	hdr[0] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[1:5], f.ConnID)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// Encode returns the wire form of f
func (f *Frame) Encode() []byte {
	return f.AppendEncode(make([]byte, 0, f.EncodedLen()))
}

// Decode parses one frame from the front of b, enforcing DefaultMaxPayload. It returns the frame and the
// number of bytes consumed. Insufficient input yields ErrTruncated; a bad type tag or oversized
// length yields ErrMalformed.
func Decode(b []byte) (*Frame, int, error) {
	return DecodeWithLimit(b, DefaultMaxPayload)
}

// DecodeWithLimit is Decode with an explicit payload size limit
func DecodeWithLimit(b []byte, maxPayload int) (*Frame, int, error) {
	if len(b) < 1 {
		return nil, 0, truncated("need frame header")
	}
	t := FrameType(b[0])
	if !t.Valid() {
		return nil, 0, malformed("unknown frame type tag %d", b[0])
	}
	if len(b) < HeaderLen {
		return nil, 0, truncated("have %d of %d header bytes", len(b), HeaderLen)
	}
	connID := binary.BigEndian.Uint32(b[1:5])
	n := binary.BigEndian.Uint32(b[5:9])
	if uint64(n) > uint64(maxPayload) {
		return nil, 0, malformed("payload length %d exceeds limit %d", n, maxPayload)
	}
	total := HeaderLen + int(n)
	if len(b) < total {
		return nil, 0, truncated("have %d of %d frame bytes", len(b), total)
	}
	return NewFrame(connID, t, b[HeaderLen:total]), total, nil
}
