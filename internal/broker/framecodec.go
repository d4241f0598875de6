package broker

import (
	"bytes"
	"compress/flate"
	"fmt"
	"sync"
)

// opcode values from RFC 6455 section 5.2.
const (
	opcodeText   byte = 0x1
	opcodeBinary byte = 0x2
)

// syncFlushTail is the 4-byte marker Go's flate.Writer.Flush leaves at
// the end of its output (an empty stored block, equivalent to zlib's
// Z_SYNC_FLUSH). RFC 7692 has permessage-deflate senders strip it since
// a compliant receiver re-appends it before inflating.
var syncFlushTail = []byte{0x00, 0x00, 0xff, 0xff}

// FrameCodec builds self-contained WebSocket data frames compressed
// with permessage-deflate, under the assumption that every compressing
// peer negotiated both server_no_context_takeover and
// client_no_context_takeover. A single flate.Writer is reused across
// calls and fully reset before each one, which is equivalent to a
// Z_FULL_FLUSH boundary: no compression dictionary survives between
// messages, so one compressed frame is safe to hand to every
// compressing subscriber verbatim.
//
// CompressedFrame serializes access with the codec's own mutex, so
// concurrent calls are safe.
type FrameCodec struct {
	mu         sync.Mutex
	compressor *flate.Writer
	buf        bytes.Buffer
}

// NewFrameCodec creates a FrameCodec ready for use.
func NewFrameCodec() *FrameCodec {
	c := &FrameCodec{}
	// BestSpeed mirrors the source's use of Z_FULL_FLUSH tuned for low
	// per-frame latency over a high compression ratio.
	w, err := flate.NewWriter(&c.buf, flate.BestSpeed)
	if err != nil {
		// flate.BestSpeed is always a valid level; this cannot happen.
		panic(fmt.Sprintf("broker: flate.NewWriter: %v", err))
	}
	c.compressor = w
	return c
}

// CompressedFrame deflates payload and wraps it in a single final
// WebSocket frame: FIN=1, the permessage-deflate RSV0 bit set, MASK=0
// (server-to-client frames are never masked), and opcode TEXT or
// BINARY depending on binary.
func (c *FrameCodec) CompressedFrame(payload []byte, binary bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Reset()
	c.compressor.Reset(&c.buf)

	if _, err := c.compressor.Write(payload); err != nil {
		return nil, fmt.Errorf("deflate write: %w", err)
	}
	if err := c.compressor.Flush(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}

	deflated := c.buf.Bytes()
	deflated = bytes.TrimSuffix(deflated, syncFlushTail)

	opcode := opcodeText
	if binary {
		opcode = opcodeBinary
	}

	frame := make([]byte, 0, len(deflated)+10)
	frame = appendFrameHeader(frame, opcode, len(deflated))
	frame = append(frame, deflated...)
	return frame, nil
}

// appendFrameHeader appends an unmasked RFC 6455 frame header with
// FIN=1 and the permessage-deflate RSV0 bit set, for a payload of the
// given length.
func appendFrameHeader(dst []byte, opcode byte, payloadLen int) []byte {
	const finBit = 0x80
	const rsv0Bit = 0x40 // permessage-deflate "compressed" marker

	dst = append(dst, finBit|rsv0Bit|opcode)

	switch {
	case payloadLen <= 125:
		dst = append(dst, byte(payloadLen))
	case payloadLen <= 0xFFFF:
		dst = append(dst, 126,
			byte(payloadLen>>8), byte(payloadLen))
	default:
		dst = append(dst, 127,
			byte(payloadLen>>56), byte(payloadLen>>48),
			byte(payloadLen>>40), byte(payloadLen>>32),
			byte(payloadLen>>24), byte(payloadLen>>16),
			byte(payloadLen>>8), byte(payloadLen))
	}
	return dst
}
