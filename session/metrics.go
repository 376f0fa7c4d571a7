package session

import (
	"time"

	"github.com/cppla/wtcpq/pdu"
)

// Metrics receives engine events for observability; metrics.Recorder
// implements this via OTEL instruments. session never imports the OTEL SDK
// directly so it stays testable with a no-op or a fake.
type Metrics interface {
	PDUAccepted(t pdu.Type)
	PDURejected(t pdu.Type, reason string)
	SessionOpened()
	SessionClosed(d time.Duration)
}

// NoopMetrics discards every event; the zero value is ready to use.
type NoopMetrics struct{}

func (NoopMetrics) PDUAccepted(pdu.Type)          {}
func (NoopMetrics) PDURejected(pdu.Type, string)  {}
func (NoopMetrics) SessionOpened()                {}
func (NoopMetrics) SessionClosed(time.Duration)   {}
