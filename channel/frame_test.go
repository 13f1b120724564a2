package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []frame{
		{channel: 0, typ: frameMessage, data: []byte("hello")},
		{channel: 3, typ: frameSlice, messageID: 1 << 40, index: 2, count: 7, data: bytes.Repeat([]byte{1}, 1024)},
		{channel: 255, typ: frameReliable, messageID: 300, data: []byte{9}},
		{channel: 2, typ: frameChunk, messageID: 0, index: 0, count: 1, data: []byte("chunk")},
	}

	var buf []byte
	for i := range frames {
		before := len(buf)
		buf = appendFrame(buf, &frames[i])
		assert.Equal(t, frames[i].size(), len(buf)-before, "size() of frame %d", i)
	}

	off := 0
	for i := range frames {
		f, n, err := readFrame(buf[off:])
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, frames[i].channel, f.channel)
		assert.Equal(t, frames[i].typ, f.typ)
		assert.Equal(t, frames[i].messageID, f.messageID)
		assert.Equal(t, frames[i].index, f.index)
		assert.Equal(t, frames[i].count, f.count)
		assert.Equal(t, frames[i].data, f.data)
		off += n
	}
	assert.Equal(t, len(buf), off)
}

func TestReadFrameRejectsMalformed(t *testing.T) {
	valid := appendFrame(nil, &frame{channel: 1, typ: frameReliable, messageID: 5, data: []byte("abc")})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{1}},
		{"unknown type", []byte{1, byte(numFrameTypes), 0}},
		{"truncated data", valid[:len(valid)-1]},
		{"missing length", valid[:3]},
		{"overlong varint", []byte{1, byte(frameReliable), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
		{"index overflows uint32", []byte{1, byte(frameChunk), 0, 0xff, 0xff, 0xff, 0xff, 0x7f, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readFrame(tt.data)
			assert.ErrorIs(t, err, ErrProtocolViolation)
		})
	}
}

func TestAckHeader(t *testing.T) {
	b := newBuilder(100, 1000, 0xdeadbeef, true)
	h, n, err := readAckHeader(b.buf)
	require.NoError(t, err)
	assert.Equal(t, len(b.buf), n)
	assert.True(t, h.present)
	assert.Equal(t, uint64(1000), h.ack)
	assert.Equal(t, uint32(0xdeadbeef), h.bits)

	b = newBuilder(100, 0, 0, false)
	h, n, err = readAckHeader(b.buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, h.present)

	_, _, err = readAckHeader(nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	_, _, err = readAckHeader([]byte{0x80})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	_, _, err = readAckHeader([]byte{ackFlag, 5, 0, 0})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestMaxFrameFitsPayload(t *testing.T) {
	b := newBuilder(1167, ^uint64(0), ^uint32(0), true)
	f := frame{channel: 255, typ: frameReliable, messageID: ^uint64(0), data: make([]byte, MaxUnslicedMessageSize)}
	assert.True(t, b.fits(&f))

	s := frame{channel: 255, typ: frameSlice, messageID: ^uint64(0), index: 1 << 31, count: 1 << 31, data: make([]byte, 1024)}
	assert.True(t, b.fits(&s))
}

func FuzzReadFrame(f *testing.F) {
	f.Add(appendFrame(nil, &frame{channel: 1, typ: frameChunk, messageID: 9, index: 1, count: 3, data: []byte("x")}))
	f.Add([]byte{0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		fr, n, err := readFrame(data)
		if err != nil {
			return
		}
		if n > len(data) {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
		if got := appendFrame(nil, &fr); len(got) > n {
			t.Fatalf("re-encoded frame is longer than its input")
		}
	})
}
