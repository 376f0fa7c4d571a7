package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/cppla/wtcpq/stream"
)

// streamOpenOrder is the fixed order in which the three logical streams
// are opened (client side) or accepted (server side), so that the Nth
// stream opened by the client is always the Nth one the server accepts.
var streamOpenOrder = []stream.ID{stream.Control, stream.Telemetry, stream.Emergency}

// QuicConn adapts a quic.Connection to the engine's Conn contract. Each
// logical stream is backed by one QUIC stream, read by a dedicated
// goroutine; Send writes on the caller's goroutine.
type QuicConn struct {
	log  *zap.Logger
	conn quic.Connection

	mu      sync.Mutex
	streams map[stream.ID]quic.Stream

	chunks chan Chunk
	closed chan struct{}
	closeOnce sync.Once
	err     error
}

// DialClient opens a QUIC connection to addr and establishes the three
// logical streams in the fixed order streamOpenOrder. tlsConf carries the
// already-loaded TLS material; loading certificates is out of scope (§1).
func DialClient(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config, log *zap.Logger) (*QuicConn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	qc := newQuicConn(conn, log)
	for _, id := range streamOpenOrder {
		s, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(genericApplicationErrorCode, "stream open failed")
			return nil, fmt.Errorf("transport: open %s stream: %w", id, err)
		}
		qc.streams[id] = s
		go qc.readLoop(id, s)
	}
	return qc, nil
}

// DialClientWithFailover tries each address in addrs in order, returning
// the first successful connection.
func DialClientWithFailover(ctx context.Context, addrs []string, tlsConf *tls.Config, quicConf *quic.Config, log *zap.Logger) (*QuicConn, error) {
	var lastErr error
	for _, addr := range addrs {
		conn, err := DialClient(ctx, addr, tlsConf, quicConf, log)
		if err != nil {
			if log != nil {
				log.Warn("unable to establish connection, trying next address", zap.String("addr", addr), zap.Error(err))
			}
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("transport: all addresses failed to connect: %w", lastErr)
}

// AcceptServerConn accepts the three logical streams in the same fixed
// order the client opens them in.
func AcceptServerConn(ctx context.Context, conn quic.Connection, log *zap.Logger) (*QuicConn, error) {
	qc := newQuicConn(conn, log)
	for _, id := range streamOpenOrder {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(genericApplicationErrorCode, "stream accept failed")
			return nil, fmt.Errorf("transport: accept %s stream: %w", id, err)
		}
		qc.streams[id] = s
		go qc.readLoop(id, s)
	}
	return qc, nil
}

func newQuicConn(conn quic.Connection, log *zap.Logger) *QuicConn {
	return &QuicConn{
		log:     log,
		conn:    conn,
		streams: make(map[stream.ID]quic.Stream, len(streamOpenOrder)),
		chunks:  make(chan Chunk, 64),
		closed:  make(chan struct{}),
	}
}

const (
	noApplicationErrorCode      quic.ApplicationErrorCode = 0
	genericApplicationErrorCode quic.ApplicationErrorCode = 1
)

func (q *QuicConn) readLoop(id stream.ID, s quic.Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case q.chunks <- Chunk{Stream: id, Data: chunk}:
			case <-q.closed:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				q.fail(fmt.Errorf("transport: read %s stream: %w", id, err))
			}
			return
		}
	}
}

func (q *QuicConn) fail(err error) {
	q.closeOnce.Do(func() {
		q.err = err
		close(q.closed)
		if q.log != nil {
			q.log.Warn("transport connection failed", zap.Error(err))
		}
	})
}

func (q *QuicConn) Send(id stream.ID, payload []byte) error {
	q.mu.Lock()
	s, ok := q.streams[id]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no open stream for %s", id)
	}
	if _, err := s.Write(payload); err != nil {
		return fmt.Errorf("transport: write %s stream: %w", id, err)
	}
	return nil
}

func (q *QuicConn) Chunks() <-chan Chunk     { return q.chunks }
func (q *QuicConn) Closed() <-chan struct{}  { return q.closed }
func (q *QuicConn) Err() error               { return q.err }

func (q *QuicConn) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return q.conn.CloseWithError(noApplicationErrorCode, "")
}
