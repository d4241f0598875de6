package broker

import (
	"context"
	"math/rand/v2"
	"time"
)

// Conn is the minimal surface the pump needs from a WebSocket
// connection; *websocket.Conn satisfies it directly.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// WebSocket frame opcodes as understood by gorilla/websocket's
// WriteMessage (mirrors the gorilla/websocket TextMessage/
// PingMessage constants so callers can pass conn.WriteMessage
// straight through without importing gorilla here).
const (
	TextMessage = 1
	PingMessage = 9
)

// PumpConfig controls one subscriber pump's keepalive behavior.
type PumpConfig struct {
	// PingInterval is the nominal idle time before a keepalive ping is
	// sent in place of a delivered message.
	PingInterval time.Duration

	// Compressed reports whether this connection negotiated
	// permessage-deflate; when true and a message carries a
	// CompressedFrame, the pump writes that frame raw instead of asking
	// the WebSocket library to frame msg.Raw.
	Compressed bool
}

// RawWriter is implemented by connections that allow writing a
// complete, already-framed WebSocket frame directly to the wire,
// bypassing the library's own framing. *websocket.Conn exposes this
// via its UnderlyingConn() net.Conn.
type RawWriter interface {
	Write(b []byte) (int, error)
}

// Pump drains one SubscriberQueue onto one connection until ctx is
// canceled or a write fails. It is the Go translation of the source's
// per-connection greenlet loop: where that loop cooperatively yielded
// between a bounded wait and a write, this pump blocks on a select
// between the queue, a jittered ping timer, and ctx.Done.
//
// jitter avoids every idle connection on the fleet waking to ping at
// the same instant after a restart or a broadcast storm.
func Pump(ctx context.Context, queue *SubscriberQueue, raw RawWriter, conn Conn, cfg PumpConfig) error {
	for {
		timeout := jitteredTimeout(cfg.PingInterval)
		timer := time.NewTimer(timeout)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case msg, ok := <-queue.Receive():
			timer.Stop()
			if !ok {
				return nil
			}
			if err := writeMessage(msg, raw, conn, cfg.Compressed); err != nil {
				return err
			}

		case <-timer.C:
			if err := conn.WriteMessage(PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// writeMessage delivers msg to the connection. A compressing
// subscriber with a precomputed frame gets that frame written
// directly to the raw socket, bypassing the WebSocket library's own
// framing entirely (the frame already contains the FIN/RSV0/opcode/
// length header). Every other case goes through the library's
// WriteMessage so masking/framing stays correct for uncompressed or
// small payloads.
func writeMessage(msg Message, raw RawWriter, conn Conn, compressed bool) error {
	if compressed && msg.CompressedFrame != nil {
		_, err := raw.Write(msg.CompressedFrame)
		return err
	}
	return conn.WriteMessage(TextMessage, msg.Raw)
}

// jitteredTimeout returns a duration in [base/2, base], so that a
// fleet of idle connections pings on a staggered schedule rather than
// in lockstep.
func jitteredTimeout(base time.Duration) time.Duration {
	if base <= 0 {
		return time.Second
	}
	half := base / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
