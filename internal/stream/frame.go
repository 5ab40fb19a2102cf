package stream

import "encoding/binary"

// Frame is one logical publication: a length prefix followed by the payload
// buffers. The prefix (buffer 0) is consumed by byte-oriented transports
// and never enters the shared-memory channel.
type Frame struct {
	bufs [][]byte
}

// NewFrame builds a frame from payload buffers, prepending the 4-byte
// little-endian prefix holding the total payload size.
func NewFrame(payload ...[]byte) *Frame {
	var total uint32
	for _, b := range payload {
		total += uint32(len(b))
	}
	prefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(prefix, total)
	bufs := make([][]byte, 0, len(payload)+1)
	bufs = append(bufs, prefix)
	bufs = append(bufs, payload...)
	return &Frame{bufs: bufs}
}

// Buffers returns every buffer including the prefix.
func (f *Frame) Buffers() [][]byte { return f.bufs }

// Payload returns the payload buffers, excluding the prefix.
func (f *Frame) Payload() [][]byte { return f.bufs[1:] }

// PayloadSize is the logical frame size: the sum of all buffers after the
// prefix.
func (f *Frame) PayloadSize() uint64 {
	var total uint64
	for _, b := range f.bufs[1:] {
		total += uint64(len(b))
	}
	return total
}

// PayloadBytes concatenates the payload buffers into a single slice.
func (f *Frame) PayloadBytes() []byte {
	out := make([]byte, 0, f.PayloadSize())
	for _, b := range f.bufs[1:] {
		out = append(out, b...)
	}
	return out
}
