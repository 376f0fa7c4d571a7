package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// Listener accepts incoming QUIC connections and establishes each one's
// logical streams before handing it to the caller as a Conn.
type Listener struct {
	ln  *quic.Listener
	log *zap.Logger
}

// Listen starts a QUIC listener on addr. tlsConf must carry server
// certificates already loaded by the host; loading TLS material is an
// external collaborator, not this engine's concern.
func Listen(addr string, tlsConf *tls.Config, quicConf *quic.Config, log *zap.Logger) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Accept blocks until a new connection arrives, establishes its logical
// streams and returns it as a Conn.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return AcceptServerConn(ctx, conn, l.log)
}

// Addr returns the listener's local address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close shuts the listener down.
func (l *Listener) Close() error { return l.ln.Close() }
