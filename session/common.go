// Package session implements the per-connection orchestration: the
// client's auth handshake, telemetry producer and idle watchdog, and the
// server's auth grant, telemetry counter/periodic control and wake
// emitter — all driven through a single-owner mailbox.
package session

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cppla/wtcpq/pdu"
)

// TelemetryReading is one sample of sensor data, supplied by the host.
// The engine never reads hardware itself.
type TelemetryReading struct {
	Latitude  float32
	Longitude float32
	Activity  uint16
	Battery   uint8
	DiagFlags uint8
}

// SensorSource supplies the current telemetry reading on demand.
type SensorSource interface {
	Read() TelemetryReading
}

// SensorFunc adapts a function to SensorSource.
type SensorFunc func() TelemetryReading

func (f SensorFunc) Read() TelemetryReading { return f() }

// liveConfig holds the small set of session fields background tasks (the
// telemetry producer, the idle watchdog, the wake emitter) need to read
// without going through the mailbox. Every field here is read-mostly and
// scalar; anything requiring a multi-step invariant (FSM transitions,
// sink buffers, counters) is owned exclusively by the connection's Run
// loop goroutine and is never touched from here.
type liveConfig struct {
	sessionID      atomic.Uint32
	samplingRateNS atomic.Int64
	radiusBits     atomic.Uint32
	lastInboundNS  atomic.Int64
	clientState    atomic.Int32
	serverState    atomic.Int32
}

func (c *liveConfig) SessionID() uint32 { return c.sessionID.Load() }
func (c *liveConfig) SetSessionID(v uint32) { c.sessionID.Store(v) }

func (c *liveConfig) SamplingRate() time.Duration {
	return time.Duration(c.samplingRateNS.Load())
}
func (c *liveConfig) SetSamplingRate(d time.Duration) { c.samplingRateNS.Store(int64(d)) }

func (c *liveConfig) GeofenceRadius() float32 {
	return math.Float32frombits(c.radiusBits.Load())
}
func (c *liveConfig) SetGeofenceRadius(v float32) { c.radiusBits.Store(math.Float32bits(v)) }

func (c *liveConfig) touchInbound(now time.Time) { c.lastInboundNS.Store(now.UnixNano()) }
func (c *liveConfig) LastInbound() time.Time {
	return time.Unix(0, c.lastInboundNS.Load())
}

// mailboxFunc is one unit of work the connection's owning goroutine runs;
// background tasks enqueue closures instead of mutating session state
// directly.
type mailboxFunc func()

// errorCounters counts errors per kind on one connection. Only codecErrors
// is checked against repeatOffenceThreshold; the other two are counted but
// never prompt a TERMINATE.
type errorCounters struct {
	codecErrors      atomic.Int64
	invalidTransitions atomic.Int64
	streamMismatches atomic.Int64
}

// repeatOffenceThreshold is how many codec errors on one connection before
// the engine treats the peer as misbehaving and emits TERMINATE.
const repeatOffenceThreshold = 5

func buildAuthRequestPDU(device pdu.DeviceUUID, rate time.Duration, radius float32) pdu.PDU {
	return pdu.PDU{
		Type:      pdu.AuthRequest,
		Version:   pdu.CurrentVersion,
		SessionID: 0,
		Payload: pdu.EncodeAuthRequest(pdu.AuthRequestPayload{
			DeviceUUID:     device,
			SamplingRate:   uint32(rate.Seconds()),
			GeofenceRadius: radius,
		}),
	}
}

func buildTerminatePDU(sessionID uint32) pdu.PDU {
	return pdu.PDU{Type: pdu.Terminate, Version: pdu.CurrentVersion, SessionID: sessionID}
}

func buildWakePDU(sessionID uint32) pdu.PDU {
	return pdu.PDU{Type: pdu.Wake, Version: pdu.CurrentVersion, SessionID: sessionID}
}

func buildEmptyControlPDU(sessionID uint32) pdu.PDU {
	return pdu.PDU{Type: pdu.Control, Version: pdu.CurrentVersion, SessionID: sessionID, Payload: nil}
}

func buildAuthResponsePDU(sessionID uint32, status uint8) pdu.PDU {
	return pdu.PDU{
		Type:      pdu.AuthResponse,
		Version:   pdu.CurrentVersion,
		SessionID: 0,
		Payload:   pdu.EncodeAuthResponse(pdu.AuthResponsePayload{Status: status, AssignedSessionID: sessionID}),
	}
}
