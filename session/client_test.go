package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cppla/wtcpq/fsm"
	"github.com/cppla/wtcpq/pdu"
	"github.com/cppla/wtcpq/transport"
)

func fixedSensor() SensorSource {
	return SensorFunc(func() TelemetryReading {
		return TelemetryReading{Latitude: 10, Longitude: 20, Activity: 1, Battery: 75, DiagFlags: 0}
	})
}

func newTestClient(conn transport.Conn, cfg ClientConfig) *ClientSession {
	return NewClientSession(conn, zap.NewNop(), fixedSensor(), cfg, nil)
}

func TestClientSendsAuthRequestImmediately(t *testing.T) {
	conn := transport.NewMemConn()
	c := newTestClient(conn, ClientConfig{DeviceUUID: pdu.DeviceUUID{9}, InitialRate: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return len(conn.Sent[0]) == 1
	}, time.Second, time.Millisecond)

	sent, _, err := pdu.Decode(conn.Sent[0][0])
	require.NoError(t, err)
	assert.Equal(t, pdu.AuthRequest, sent.Type)
	assert.Equal(t, fsm.AuthPending, c.State())
}

func TestClientNominalHandshakeAndTelemetry(t *testing.T) {
	clientConn, remote := transport.NewMemPipe()
	c := newTestClient(clientConn, ClientConfig{
		DeviceUUID:  pdu.DeviceUUID{1},
		InitialRate: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Drain the AUTH_REQUEST the client just sent on the remote side, then
	// grant it.
	select {
	case <-remote.Chunks():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AUTH_REQUEST")
	}
	resp := buildAuthResponsePDU(42, pdu.StatusAccepted)
	data, err := pdu.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, remote.Send(0, data))

	require.Eventually(t, func() bool {
		return c.State() == fsm.Operational
	}, time.Second, time.Millisecond)

	select {
	case chunk := <-remote.Chunks():
		p, _, err := pdu.Decode(chunk.Data)
		require.NoError(t, err)
		assert.Equal(t, pdu.Telemetry, p.Type)
		assert.Equal(t, uint32(42), p.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TELEMETRY")
	}
}

func TestClientRejectedAuthTerminates(t *testing.T) {
	clientConn, remote := transport.NewMemPipe()
	c := newTestClient(clientConn, ClientConfig{DeviceUUID: pdu.DeviceUUID{1}, InitialRate: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-remote.Chunks():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AUTH_REQUEST")
	}
	resp := buildAuthResponsePDU(0, 1)
	data, err := pdu.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, remote.Send(0, data))

	require.Eventually(t, func() bool {
		return c.State() == fsm.Terminated
	}, time.Second, time.Millisecond)
}

func TestClientSleepSuspendsTelemetryThenWakeResumes(t *testing.T) {
	clientConn, remote := transport.NewMemPipe()
	c := newTestClient(clientConn, ClientConfig{
		DeviceUUID:  pdu.DeviceUUID{1},
		InitialRate: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-remote.Chunks():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AUTH_REQUEST")
	}
	resp := buildAuthResponsePDU(7, pdu.StatusAccepted)
	data, err := pdu.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, remote.Send(0, data))
	require.Eventually(t, func() bool { return c.State() == fsm.Operational }, time.Second, time.Millisecond)

	sleepPDU := pdu.PDU{Type: pdu.Sleep, Version: pdu.CurrentVersion, SessionID: 7, Payload: pdu.EncodeSleep(pdu.SleepPayload{Wake: false})}
	data, err = pdu.Encode(sleepPDU)
	require.NoError(t, err)
	require.NoError(t, remote.Send(0, data))
	require.Eventually(t, func() bool { return c.State() == fsm.Sleeping }, time.Second, time.Millisecond)

	// drain any telemetry in flight before the sleep took effect
	drainFor(remote, 20*time.Millisecond)

	wakePDU := pdu.PDU{Type: pdu.Wake, Version: pdu.CurrentVersion, SessionID: 7}
	data, err = pdu.Encode(wakePDU)
	require.NoError(t, err)
	require.NoError(t, remote.Send(0, data))
	require.Eventually(t, func() bool { return c.State() == fsm.Operational }, time.Second, time.Millisecond)

	select {
	case chunk := <-remote.Chunks():
		p, _, err := pdu.Decode(chunk.Data)
		require.NoError(t, err)
		assert.Equal(t, pdu.Telemetry, p.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resumed TELEMETRY")
	}
}

func TestClientMalformedPDUIsIgnoredNotFatal(t *testing.T) {
	conn := transport.NewMemConn()
	c := newTestClient(conn, ClientConfig{DeviceUUID: pdu.DeviceUUID{1}, InitialRate: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return len(conn.Sent[0]) == 1 }, time.Second, time.Millisecond)

	conn.InjectChunk(0, []byte{0, 3, 0xFF, 1, 0, 0, 0, 0})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fsm.AuthPending, c.State())
}

func TestClientIdleWatchdogTerminates(t *testing.T) {
	clientConn, remote := transport.NewMemPipe()
	c := newTestClient(clientConn, ClientConfig{
		DeviceUUID:  pdu.DeviceUUID{1},
		InitialRate: time.Second,
		IdleTimeout: 15 * time.Millisecond,
		IdleTick:    2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-remote.Chunks():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AUTH_REQUEST")
	}
	resp := buildAuthResponsePDU(3, pdu.StatusAccepted)
	data, err := pdu.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, remote.Send(0, data))
	require.Eventually(t, func() bool { return c.State() == fsm.Operational }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return c.State() == fsm.Terminated
	}, time.Second, time.Millisecond)
}

func drainFor(conn *transport.MemConn, d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case <-conn.Chunks():
		case <-deadline:
			return
		}
	}
}
