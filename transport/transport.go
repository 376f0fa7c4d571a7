// Package transport defines the engine's transport contract and a quic-go
// adapter implementing it. The engine itself never imports quic-go
// directly — it only depends on the Conn interface here, so tests can
// supply an in-memory fake.
package transport

import (
	"github.com/cppla/wtcpq/stream"
)

// Chunk is a per-stream byte-chunk delivery event. The transport MAY
// coalesce multiple PDUs into one chunk, or split a single PDU across
// several chunks; the engine reassembles using the length field.
type Chunk struct {
	Stream stream.ID
	Data   []byte
}

// Conn is the per-connection transport contract the session engine
// consumes. Implementations MUST deliver chunks for a single stream in
// transport order; no ordering is guaranteed across streams (§5).
type Conn interface {
	// Send writes payload to the given logical stream. The transport MAY
	// coalesce this write with others; the engine treats a returned nil
	// error as "observable by the peer no later than the next flush" (§5).
	Send(id stream.ID, payload []byte) error

	// Chunks delivers inbound byte-chunk events. The implementations here
	// never close this channel; teardown is signalled through Closed.
	Chunks() <-chan Chunk

	// Closed is closed when the transport detects connection termination
	// (graceful or error); Err reports the reason, if any.
	Closed() <-chan struct{}
	Err() error

	// Close tears the connection down from the engine's side.
	Close() error
}
