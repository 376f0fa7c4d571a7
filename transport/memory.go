package transport

import (
	"sync"

	"github.com/cppla/wtcpq/stream"
)

// MemConn is an in-memory Conn used by tests and by the two halves of a
// MemPipe. It never touches the network.
type MemConn struct {
	name string
	peer *MemConn

	chunks chan Chunk
	closed chan struct{}
	closeOnce sync.Once
	mu     sync.Mutex
	err    error

	// Sent records every payload this side wrote, keyed by stream, for
	// assertions in tests that don't pipe to a peer.
	sentMu sync.Mutex
	Sent   map[stream.ID][][]byte
}

// NewMemPipe returns two connected MemConns: writes on one arrive as chunks
// on the other, simulating a QUIC connection's per-stream delivery without
// a real transport.
func NewMemPipe() (a, b *MemConn) {
	a = &MemConn{name: "a", chunks: make(chan Chunk, 256), closed: make(chan struct{}), Sent: make(map[stream.ID][][]byte)}
	b = &MemConn{name: "b", chunks: make(chan Chunk, 256), closed: make(chan struct{}), Sent: make(map[stream.ID][][]byte)}
	a.peer = b
	b.peer = a
	return a, b
}

// NewMemConn returns a single unpiped MemConn whose writes are captured in
// Sent rather than delivered anywhere, for tests that only assert on
// outbound traffic.
func NewMemConn() *MemConn {
	return &MemConn{chunks: make(chan Chunk, 256), closed: make(chan struct{}), Sent: make(map[stream.ID][][]byte)}
}

func (m *MemConn) Send(id stream.ID, payload []byte) error {
	m.sentMu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.Sent[id] = append(m.Sent[id], cp)
	m.sentMu.Unlock()

	if m.peer == nil {
		return nil
	}
	chunk := make([]byte, len(payload))
	copy(chunk, payload)
	select {
	case m.peer.chunks <- Chunk{Stream: id, Data: chunk}:
	case <-m.peer.closed:
	}
	return nil
}

func (m *MemConn) Chunks() <-chan Chunk    { return m.chunks }
func (m *MemConn) Closed() <-chan struct{} { return m.closed }
func (m *MemConn) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MemConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectChunk delivers a raw chunk as if it had arrived from the transport,
// for tests exercising malformed or adversarial input.
func (m *MemConn) InjectChunk(id stream.ID, data []byte) {
	select {
	case m.chunks <- Chunk{Stream: id, Data: data}:
	case <-m.closed:
	}
}
