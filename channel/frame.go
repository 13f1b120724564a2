package channel

import (
	"encoding/binary"
	"fmt"
	"math"
)

type frameType uint8

const (
	frameMessage frameType = iota // whole unreliable message
	frameSlice                    // one slice of an unreliable message
	frameReliable                 // whole reliable-ordered message
	frameChunk                    // one chunk of a reliable-chunked message
	numFrameTypes
)

const (
	maxAckHeaderSize   = 1 + binary.MaxVarintLen64 + 4
	maxFrameHeaderSize = 2 + binary.MaxVarintLen64 + 2*binary.MaxVarintLen32 + 3

	ackFlag = 0x01
)

// frame is the unit channels place into payload bodies:
//
//	channel u8 | type u8 | [message id uvarint] | [index uvarint | count uvarint] | length uvarint | data
type frame struct {
	channel   uint8
	typ       frameType
	messageID uint64
	index     uint32
	count     uint32
	data      []byte
}

func (f *frame) hasID() bool {
	return f.typ != frameMessage
}

func (f *frame) hasParts() bool {
	return f.typ == frameSlice || f.typ == frameChunk
}

func (f *frame) size() int {
	n := 2
	if f.hasID() {
		n += uvarintLen(f.messageID)
	}
	if f.hasParts() {
		n += uvarintLen(uint64(f.index)) + uvarintLen(uint64(f.count))
	}
	return n + uvarintLen(uint64(len(f.data))) + len(f.data)
}

func appendFrame(dst []byte, f *frame) []byte {
	dst = append(dst, f.channel, byte(f.typ))
	if f.hasID() {
		dst = binary.AppendUvarint(dst, f.messageID)
	}
	if f.hasParts() {
		dst = binary.AppendUvarint(dst, uint64(f.index))
		dst = binary.AppendUvarint(dst, uint64(f.count))
	}
	dst = binary.AppendUvarint(dst, uint64(len(f.data)))
	return append(dst, f.data...)
}

// readFrame parses one frame from the front of buf. The returned frame's data
// aliases buf.
func readFrame(buf []byte) (frame, int, error) {
	var f frame
	if len(buf) < 2 {
		return f, 0, fmt.Errorf("%w: truncated frame header", ErrProtocolViolation)
	}
	f.channel = buf[0]
	f.typ = frameType(buf[1])
	if f.typ >= numFrameTypes {
		return f, 0, fmt.Errorf("%w: unknown frame type %d", ErrProtocolViolation, buf[1])
	}
	off := 2

	next := func(max uint64) (uint64, bool) {
		v, n := binary.Uvarint(buf[off:])
		if n <= 0 || v > max {
			return 0, false
		}
		off += n
		return v, true
	}

	var ok bool
	if f.hasID() {
		if f.messageID, ok = next(math.MaxUint64); !ok {
			return f, 0, fmt.Errorf("%w: bad message id", ErrProtocolViolation)
		}
	}
	if f.hasParts() {
		index, ok1 := next(math.MaxUint32)
		count, ok2 := next(math.MaxUint32)
		if !ok1 || !ok2 {
			return f, 0, fmt.Errorf("%w: bad part numbers", ErrProtocolViolation)
		}
		f.index, f.count = uint32(index), uint32(count)
	}
	length, ok := next(uint64(len(buf)))
	if !ok || int(length) > len(buf)-off {
		return f, 0, fmt.Errorf("%w: bad frame length", ErrProtocolViolation)
	}
	f.data = buf[off : off+int(length)]
	return f, off + int(length), nil
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// messageRef names data carried by a sent packet so an ack can be routed back.
type messageRef struct {
	channel   uint8 // index into the multiplexer's channel list
	messageID uint64
	index     uint32
}

// builder accumulates frames for one payload body.
type builder struct {
	buf    []byte
	refs   []messageRef
	frames int
	limit  int
}

func newBuilder(limit int, ack uint64, ackBits uint32, hasAck bool) *builder {
	b := &builder{
		buf:   make([]byte, 0, limit),
		limit: limit,
	}
	if !hasAck {
		b.buf = append(b.buf, 0)
		return b
	}
	b.buf = append(b.buf, ackFlag)
	b.buf = binary.AppendUvarint(b.buf, ack)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, ackBits)
	return b
}

func (b *builder) remaining() int {
	return b.limit - len(b.buf)
}

func (b *builder) fits(f *frame) bool {
	return f.size() <= b.remaining()
}

func (b *builder) add(f *frame, ref *messageRef) {
	b.buf = appendFrame(b.buf, f)
	b.frames++
	if ref != nil {
		b.refs = append(b.refs, *ref)
	}
}

// ackHeader is the acknowledgement state at the front of a payload body.
type ackHeader struct {
	present bool
	ack     uint64
	bits    uint32
}

func readAckHeader(body []byte) (ackHeader, int, error) {
	var h ackHeader
	if len(body) < 1 {
		return h, 0, fmt.Errorf("%w: empty payload body", ErrProtocolViolation)
	}
	switch body[0] {
	case 0:
		return h, 1, nil
	case ackFlag:
	default:
		return h, 0, fmt.Errorf("%w: bad ack flags %#x", ErrProtocolViolation, body[0])
	}

	ack, n := binary.Uvarint(body[1:])
	if n <= 0 || len(body) < 1+n+4 {
		return h, 0, fmt.Errorf("%w: truncated ack header", ErrProtocolViolation)
	}
	h.present = true
	h.ack = ack
	h.bits = binary.LittleEndian.Uint32(body[1+n:])
	return h, 1 + n + 4, nil
}
