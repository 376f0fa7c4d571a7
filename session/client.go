package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/wtcpq/fsm"
	"github.com/cppla/wtcpq/pdu"
	"github.com/cppla/wtcpq/stream"
	"github.com/cppla/wtcpq/transport"
)

// ClientConfig carries the client-side configuration knobs.
type ClientConfig struct {
	DeviceUUID     pdu.DeviceUUID
	InitialRate    time.Duration
	GeofenceRadius float32

	// IdleTimeout and IdleTick default to 120s/1s; tests override them to
	// keep cases fast.
	IdleTimeout time.Duration
	IdleTick    time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.IdleTick <= 0 {
		c.IdleTick = 1 * time.Second
	}
}

// ClientSession orchestrates one client connection end to end: auth
// handshake, telemetry producer, idle watchdog, control/sleep/wake
// handling and emergency reporting.
type ClientSession struct {
	conn    transport.Conn
	log     *zap.Logger
	sensor  SensorSource
	metrics Metrics
	cfg     ClientConfig

	fsm           *fsm.ClientFSM
	live          liveConfig
	errs          errorCounters
	reassemblers  map[stream.ID]*reassembler

	mailbox chan mailboxFunc
	opened  time.Time

	telemetryCancel context.CancelFunc
	watchdogCancel  context.CancelFunc
	tasksWG         sync.WaitGroup
}

// NewClientSession constructs a client session bound to an already-open
// transport connection.
func NewClientSession(conn transport.Conn, log *zap.Logger, sensor SensorSource, cfg ClientConfig, m Metrics) *ClientSession {
	cfg.setDefaults()
	if m == nil {
		m = NoopMetrics{}
	}
	cs := &ClientSession{
		conn:    conn,
		log:     log,
		sensor:  sensor,
		metrics: m,
		cfg:     cfg,
		fsm:     fsm.NewClientFSM(),
		reassemblers: map[stream.ID]*reassembler{
			stream.Control:   {},
			stream.Telemetry: {},
			stream.Emergency: {},
		},
		mailbox: make(chan mailboxFunc, 16),
	}
	cs.live.SetSamplingRate(cfg.InitialRate)
	cs.live.SetGeofenceRadius(cfg.GeofenceRadius)
	cs.live.clientState.Store(int32(fsm.Initial))
	return cs
}

// State returns the current client FSM state. Safe for concurrent use.
func (c *ClientSession) State() fsm.ClientState {
	return fsm.ClientState(c.live.clientState.Load())
}

// enqueue schedules fn to run on the owning goroutine.
func (c *ClientSession) enqueue(fn mailboxFunc) {
	select {
	case c.mailbox <- fn:
	default:
		// mailbox is generously buffered; a full mailbox means the
		// connection is being torn down and the message can be dropped.
	}
}

func (c *ClientSession) setState(s fsm.ClientState) {
	c.live.clientState.Store(int32(s))
}

// Run drives the connection until it reaches TERMINATED, the transport
// closes, or ctx is cancelled. It sends AUTH_REQUEST immediately.
func (c *ClientSession) Run(ctx context.Context) error {
	c.opened = time.Now()
	c.live.touchInbound(c.opened)
	c.metrics.SessionOpened()
	defer func() {
		c.cancelTasks()
		c.tasksWG.Wait()
		c.metrics.SessionClosed(time.Since(c.opened))
	}()

	if err := c.sendAuthRequest(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Closed():
			if err := c.conn.Err(); err != nil {
				return err
			}
			return nil
		case chunk, ok := <-c.conn.Chunks():
			if !ok {
				return nil
			}
			c.onChunk(chunk)
		case fn := <-c.mailbox:
			fn()
		}
		if c.State() == fsm.Terminated {
			return nil
		}
	}
}

func (c *ClientSession) cancelTasks() {
	if c.telemetryCancel != nil {
		c.telemetryCancel()
	}
	if c.watchdogCancel != nil {
		c.watchdogCancel()
	}
}

// sendPDU encodes and writes a PDU on the stream its type maps to.
func (c *ClientSession) sendPDU(p pdu.PDU) error {
	sid, err := stream.StreamFor(p.Type)
	if err != nil {
		return err
	}
	data, err := pdu.Encode(p)
	if err != nil {
		return err
	}
	if err := c.conn.Send(sid, data); err != nil {
		c.log.Warn("send failed", zap.String("pduType", p.Type.String()), zap.Error(err))
		return err
	}
	c.log.Debug("sent PDU", zap.String("pduType", p.Type.String()), zap.Uint32("sessionId", p.SessionID))
	return nil
}

func (c *ClientSession) sendAuthRequest() error {
	p := buildAuthRequestPDU(c.cfg.DeviceUUID, c.live.SamplingRate(), c.live.GeofenceRadius())
	if err := c.sendPDU(p); err != nil {
		return err
	}
	old, next, err := c.fsm.Apply(pdu.AuthRequest)
	if err != nil {
		return err
	}
	c.setState(next)
	c.log.Info("client transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.AuthRequest.String()))
	return nil
}

func (c *ClientSession) sendTerminate() {
	p := buildTerminatePDU(c.live.SessionID())
	_ = c.sendPDU(p)
	old, next, err := c.fsm.Apply(pdu.Terminate)
	if err != nil {
		c.log.Debug("terminate apply rejected", zap.Error(err))
		return
	}
	c.setState(next)
	c.log.Info("client transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Terminate.String()))
}

// onChunk feeds a transport chunk through its stream's reassembler and
// dispatches every complete PDU it yields.
func (c *ClientSession) onChunk(chunk transport.Chunk) {
	r, ok := c.reassemblers[chunk.Stream]
	if !ok {
		c.log.Warn("chunk on unrecognised stream", zap.Any("stream", chunk.Stream))
		return
	}
	r.feed(chunk.Data)
	for {
		p, ok, err := r.next()
		if err != nil {
			c.onCodecError(err)
			continue
		}
		if !ok {
			return
		}
		c.handleInbound(chunk.Stream, p)
		if c.State() == fsm.Terminated {
			return
		}
	}
}

func (c *ClientSession) onCodecError(err error) {
	c.errs.codecErrors.Add(1)
	c.log.Warn("codec error", zap.Error(err))
	c.metrics.PDURejected(0, err.Error())
	if c.errs.codecErrors.Load() >= repeatOffenceThreshold && c.State() != fsm.Terminated {
		c.log.Warn("repeat codec offences, terminating")
		c.sendTerminate()
	}
}

func (c *ClientSession) handleInbound(sid stream.ID, p pdu.PDU) {
	if err := stream.Validate(sid, p.Type); err != nil {
		c.errs.streamMismatches.Add(1)
		c.log.Warn("stream-type-mismatch", zap.Error(err))
		c.metrics.PDURejected(p.Type, "stream-type-mismatch")
		return
	}
	c.live.touchInbound(time.Now())
	c.metrics.PDUAccepted(p.Type)

	switch p.Type {
	case pdu.AuthResponse:
		c.handleAuthResponse(p)
	case pdu.Control:
		c.handleControl(p)
	case pdu.Sleep:
		c.handleSleep(p)
	case pdu.Wake:
		c.handleWake()
	case pdu.Emergency:
		c.handleEmergency()
	case pdu.Terminate:
		c.handleTerminate()
	default:
		c.onInvalidTransition(p.Type)
	}
}

func (c *ClientSession) onInvalidTransition(t pdu.Type) {
	c.errs.invalidTransitions.Add(1)
	c.log.Warn("invalid-transition", zap.String("pduType", t.String()), zap.Stringer("state", c.State()))
	c.metrics.PDURejected(t, "invalid-transition")
}

func (c *ClientSession) handleAuthResponse(p pdu.PDU) {
	resp, err := pdu.DecodeAuthResponse(p.Payload)
	if err != nil {
		c.onCodecError(err)
		return
	}
	old, next, err := c.fsm.ApplyAuthResponse(resp.Status)
	if err != nil {
		c.onInvalidTransition(pdu.AuthResponse)
		return
	}
	c.setState(next)
	c.log.Info("client transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.AuthResponse.String()))
	if next == fsm.Operational {
		c.live.SetSessionID(resp.AssignedSessionID)
		c.spawnTelemetryProducer()
		c.spawnIdleWatchdog()
	} else if next == fsm.Terminating {
		// non-zero status: nothing else will move this connection along,
		// so the client sends its own TERMINATE.
		c.sendTerminate()
	}
}

func (c *ClientSession) handleControl(p pdu.PDU) {
	params, err := pdu.DecodeControl(p.Payload)
	if err != nil {
		c.onCodecError(err)
		return
	}
	old, next, err := c.fsm.Apply(pdu.Control)
	if err != nil {
		c.onInvalidTransition(pdu.Control)
		return
	}
	c.setState(next)
	c.log.Debug("client transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Control.String()))
	if params.SamplingRate != nil {
		oldRate := c.live.SamplingRate()
		newRate := time.Duration(*params.SamplingRate) * time.Second
		c.live.SetSamplingRate(newRate)
		c.log.Info("sampling rate updated", zap.Duration("old", oldRate), zap.Duration("new", newRate))
	}
	if params.GeofenceRadius != nil {
		c.live.SetGeofenceRadius(*params.GeofenceRadius)
		c.log.Info("geofence radius updated", zap.Float32("radius", *params.GeofenceRadius))
	}
}

func (c *ClientSession) handleSleep(p pdu.PDU) {
	sp, err := pdu.DecodeSleep(p.Payload)
	if err != nil {
		c.onCodecError(err)
		return
	}
	old, next, err := c.fsm.ApplySleep(sp.Wake)
	if err != nil {
		c.onInvalidTransition(pdu.Sleep)
		return
	}
	c.setState(next)
	c.log.Info("client transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Sleep.String()))
	if next == fsm.Sleeping {
		c.cancelTelemetryProducer()
	} else if next == fsm.Operational && old == fsm.Sleeping {
		c.spawnTelemetryProducer()
	}
}

func (c *ClientSession) handleWake() {
	old, next, err := c.fsm.Apply(pdu.Wake)
	if err != nil {
		c.onInvalidTransition(pdu.Wake)
		return
	}
	c.setState(next)
	c.log.Info("client transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Wake.String()))
	if next == fsm.Operational && old == fsm.Sleeping {
		c.spawnTelemetryProducer()
	}
}

func (c *ClientSession) handleEmergency() {
	old, next, err := c.fsm.Apply(pdu.Emergency)
	if err != nil {
		c.onInvalidTransition(pdu.Emergency)
		return
	}
	c.setState(next)
	c.log.Warn("emergency PDU received", zap.Stringer("from", old), zap.Stringer("to", next))
	c.sendTerminate()
}

func (c *ClientSession) handleTerminate() {
	old, next, err := c.fsm.Apply(pdu.Terminate)
	if err != nil {
		c.onInvalidTransition(pdu.Terminate)
		return
	}
	c.setState(next)
	c.log.Info("client transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Terminate.String()))
}

func (c *ClientSession) cancelTelemetryProducer() {
	if c.telemetryCancel != nil {
		c.telemetryCancel()
		c.telemetryCancel = nil
	}
}

// spawnTelemetryProducer starts the background loop that, while
// OPERATIONAL, emits a TELEMETRY PDU immediately and then again every
// sampling_rate, using the rate in effect at the moment each sleep is
// armed (a mid-sleep rate change takes effect from the next sleep, never
// interrupting the current one).
func (c *ClientSession) spawnTelemetryProducer() {
	c.cancelTelemetryProducer()
	ctx, cancel := context.WithCancel(context.Background())
	c.telemetryCancel = cancel
	c.tasksWG.Add(1)
	go func() {
		defer c.tasksWG.Done()
		for {
			if c.State() != fsm.Operational {
				return
			}
			reading := c.sensor.Read()
			ts := uint64(time.Now().Unix())
			done := make(chan struct{})
			c.enqueue(func() {
				defer close(done)
				if c.State() != fsm.Operational {
					return
				}
				payload := pdu.EncodeTelemetry(pdu.TelemetryPayload{
					Timestamp: ts,
					Latitude:  reading.Latitude,
					Longitude: reading.Longitude,
					Activity:  reading.Activity,
					Battery:   reading.Battery,
					DiagFlags: reading.DiagFlags,
				})
				p := pdu.PDU{Type: pdu.Telemetry, Version: pdu.CurrentVersion, SessionID: c.live.SessionID(), Payload: payload}
				if err := c.sendPDU(p); err != nil {
					return
				}
				_, next, err := c.fsm.Apply(pdu.Telemetry)
				if err == nil {
					c.setState(next)
				}
			})
			select {
			case <-done:
			case <-ctx.Done():
				return
			}

			rate := c.live.SamplingRate()
			if rate <= 0 {
				rate = time.Second
			}
			t := time.NewTimer(rate)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}

// spawnIdleWatchdog starts the background loop that terminates the
// connection if no inbound traffic is seen within IdleTimeout.
func (c *ClientSession) spawnIdleWatchdog() {
	if c.watchdogCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.watchdogCancel = cancel
	c.tasksWG.Add(1)
	go func() {
		defer c.tasksWG.Done()
		ticker := time.NewTicker(c.cfg.IdleTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			state := c.State()
			if state != fsm.Operational && state != fsm.Sleeping {
				return
			}
			if time.Since(c.live.LastInbound()) > c.cfg.IdleTimeout {
				done := make(chan struct{})
				c.enqueue(func() {
					defer close(done)
					c.log.Info("idle timeout, sending TERMINATE")
					c.sendTerminate()
				})
				select {
				case <-done:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
}
