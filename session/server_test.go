package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cppla/wtcpq/fsm"
	"github.com/cppla/wtcpq/pdu"
	"github.com/cppla/wtcpq/sink"
	"github.com/cppla/wtcpq/transport"
)

// memSink is a trivial in-memory TelemetrySink/EmergencySink for tests that
// don't care about on-disk encoding, only that Append/Flush were called.
type memSink struct {
	mu         sync.Mutex
	telemetry  []sink.TelemetryRecord
	emergency  []sink.EmergencyRecord
	flushCalls int
}

func (m *memSink) Append(r sink.TelemetryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = append(m.telemetry, r)
}

func (m *memSink) AppendEmergency(r sink.EmergencyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency = append(m.emergency, r)
}

func (m *memSink) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

func (m *memSink) count() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.telemetry), len(m.emergency)
}

type telemetryOnly struct{ *memSink }

func (t telemetryOnly) Append(r sink.TelemetryRecord) { t.memSink.Append(r) }

type emergencyOnly struct{ *memSink }

func (e emergencyOnly) Append(r sink.EmergencyRecord) { e.memSink.AppendEmergency(r) }

func newTestServer(t *testing.T, conn transport.Conn, ms *memSink, cfg ServerConfig) *ServerSession {
	t.Helper()
	return NewServerSession(conn, zap.NewNop(), NewSessionIDAllocator(), telemetryOnly{ms}, emergencyOnly{ms}, nil, cfg, nil)
}

func TestServerGrantsAuthAndGoesOperational(t *testing.T) {
	clientConn, serverConn := transport.NewMemPipe()
	ms := &memSink{}
	srv := newTestServer(t, serverConn, ms, ServerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	req := buildAuthRequestPDU(pdu.DeviceUUID{1}, 5*time.Second, 100)
	data, err := pdu.Encode(req)
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(0, data))

	require.Eventually(t, func() bool {
		return srv.State() == fsm.ServerOperational
	}, time.Second, time.Millisecond)

	select {
	case chunk := <-clientConn.Chunks():
		resp, rest, err := pdu.Decode(chunk.Data)
		require.NoError(t, err)
		require.Empty(t, rest)
		assert.Equal(t, pdu.AuthResponse, resp.Type)
		payload, err := pdu.DecodeAuthResponse(resp.Payload)
		require.NoError(t, err)
		assert.Equal(t, pdu.StatusAccepted, payload.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AUTH_RESPONSE")
	}
}

func TestServerEmitsControlEveryTenTelemetry(t *testing.T) {
	clientConn, serverConn := transport.NewMemPipe()
	ms := &memSink{}
	srv := newTestServer(t, serverConn, ms, ServerConfig{TelemetryControlEvery: 10, WakeInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	sendAndDrainAuth(t, clientConn, srv)

	for i := 0; i < 25; i++ {
		p := pdu.PDU{
			Type:      pdu.Telemetry,
			Version:   pdu.CurrentVersion,
			SessionID: srv.live.SessionID(),
			Payload: pdu.EncodeTelemetry(pdu.TelemetryPayload{
				Timestamp: uint64(i), Latitude: 1, Longitude: 2, Activity: 1, Battery: 80, DiagFlags: 0,
			}),
		}
		data, err := pdu.Encode(p)
		require.NoError(t, err)
		require.NoError(t, clientConn.Send(2, data))
	}

	require.Eventually(t, func() bool {
		return srv.ControlEmittedCount() == 2
	}, time.Second, time.Millisecond)

	count, _ := ms.count()
	assert.Equal(t, 25, count)
}

func TestServerHandlesEmergencyAndTerminates(t *testing.T) {
	clientConn, serverConn := transport.NewMemPipe()
	ms := &memSink{}
	srv := newTestServer(t, serverConn, ms, ServerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	sendAndDrainAuth(t, clientConn, srv)

	payload, err := pdu.EncodeEmergency(pdu.EmergencyPayload{Timestamp: 99, AlertCode: 2, Details: "fallen"})
	require.NoError(t, err)
	p := pdu.PDU{Type: pdu.Emergency, Version: pdu.CurrentVersion, SessionID: srv.live.SessionID(), Payload: payload}
	data, err := pdu.Encode(p)
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(4, data))

	require.Eventually(t, func() bool {
		return srv.State() == fsm.ServerTerminated
	}, time.Second, time.Millisecond)

	_, emergencyCount := ms.count()
	assert.Equal(t, 1, emergencyCount)
	assert.GreaterOrEqual(t, ms.flushCalls, 1)
}

func TestServerRejectsSecondAuthForSameDevice(t *testing.T) {
	clientConn, serverConn := transport.NewMemPipe()
	ms := &memSink{}
	devices := NewDeviceRegistry(time.Minute)

	device := pdu.DeviceUUID{5, 5, 5}
	devices.Bind(device, 999) // simulate an already-active session for device

	srv := NewServerSession(serverConn, zap.NewNop(), NewSessionIDAllocator(), telemetryOnly{ms}, emergencyOnly{ms}, devices, ServerConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	req := buildAuthRequestPDU(device, 5*time.Second, 100)
	data, err := pdu.Encode(req)
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(0, data))

	require.Eventually(t, func() bool {
		return srv.State() == fsm.ServerTerminated
	}, time.Second, time.Millisecond)
}

func TestServerRejectsAuthWithZeroSamplingRate(t *testing.T) {
	clientConn, serverConn := transport.NewMemPipe()
	ms := &memSink{}
	srv := newTestServer(t, serverConn, ms, ServerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	req := buildAuthRequestPDU(pdu.DeviceUUID{7}, 0, 100)
	data, err := pdu.Encode(req)
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(0, data))

	require.Eventually(t, func() bool {
		return srv.State() == fsm.ServerTerminated
	}, time.Second, time.Millisecond)

	select {
	case chunk := <-clientConn.Chunks():
		resp, _, err := pdu.Decode(chunk.Data)
		require.NoError(t, err)
		assert.Equal(t, pdu.AuthResponse, resp.Type)
		payload, err := pdu.DecodeAuthResponse(resp.Payload)
		require.NoError(t, err)
		assert.Equal(t, pdu.StatusRejected, payload.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AUTH_RESPONSE")
	}
}

func TestServerWakeEmitterFiresWhileOperational(t *testing.T) {
	clientConn, serverConn := transport.NewMemPipe()
	ms := &memSink{}
	srv := newTestServer(t, serverConn, ms, ServerConfig{WakeInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	sendAndDrainAuth(t, clientConn, srv)

	found := false
	deadline := time.After(time.Second)
	for !found {
		select {
		case chunk := <-clientConn.Chunks():
			p, _, err := pdu.Decode(chunk.Data)
			if err == nil && p.Type == pdu.Wake {
				found = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for WAKE")
		}
	}
}

// sendAndDrainAuth performs the handshake and drains the AUTH_RESPONSE chunk
// so later assertions on clientConn.Chunks() don't see it.
func sendAndDrainAuth(t *testing.T, clientConn *transport.MemConn, srv *ServerSession) {
	t.Helper()
	req := buildAuthRequestPDU(pdu.DeviceUUID{1}, 5*time.Second, 100)
	data, err := pdu.Encode(req)
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(0, data))

	require.Eventually(t, func() bool {
		return srv.State() == fsm.ServerOperational
	}, time.Second, time.Millisecond)

	select {
	case <-clientConn.Chunks():
	case <-time.After(time.Second):
		t.Fatal("timed out draining AUTH_RESPONSE")
	}
}
