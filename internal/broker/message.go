package broker

// MinCompressSize is the smallest payload, in bytes, for which the
// dispatcher bothers building a precomputed compressed frame. Payloads
// smaller than this already fit inside a single TCP/IP packet (1500 MTU
// minus typical IP/TCP overhead), so compressing them would spend CPU
// without measurably reducing bytes on the wire.
const MinCompressSize = 1500 - 60 - 60

// Message is an immutable value produced once per inbound bus message
// and fanned out to every matching subscriber queue.
type Message struct {
	// Namespace is the bus routing key the message arrived on.
	Namespace string

	// Raw is the UTF-8 payload bytes, sent verbatim to subscribers that
	// did not negotiate compression.
	Raw []byte

	// CompressedFrame is a complete, ready-to-write WebSocket frame
	// (header + deflate payload) for subscribers that negotiated
	// permessage-deflate. Nil when len(Raw) < MinCompressSize.
	CompressedFrame []byte
}
