package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/wtcpq/fsm"
	"github.com/cppla/wtcpq/pdu"
	"github.com/cppla/wtcpq/sink"
	"github.com/cppla/wtcpq/stream"
	"github.com/cppla/wtcpq/transport"
)

// SessionIDAllocator hands out monotonically increasing session ids across
// every connection a server instance handles.
type SessionIDAllocator struct {
	next atomic.Uint32
}

// NewSessionIDAllocator starts allocation at 1 (0 is reserved for
// "unassigned").
func NewSessionIDAllocator() *SessionIDAllocator {
	a := &SessionIDAllocator{}
	a.next.Store(1)
	return a
}

func (a *SessionIDAllocator) Allocate() uint32 {
	return a.next.Add(1) - 1
}

// ServerConfig carries the server-side configuration knobs.
type ServerConfig struct {
	// WakeInterval defaults to 60s.
	WakeInterval time.Duration
	// TelemetryControlEvery defaults to 10.
	TelemetryControlEvery uint64
}

func (c *ServerConfig) setDefaults() {
	if c.WakeInterval <= 0 {
		c.WakeInterval = 60 * time.Second
	}
	if c.TelemetryControlEvery <= 0 {
		c.TelemetryControlEvery = 10
	}
}

// ServerSession orchestrates one inbound connection: auth grant, telemetry
// ingestion with periodic CONTROL emission, the wake emitter, emergency
// handling and sink flush on termination.
type ServerSession struct {
	conn    transport.Conn
	log     *zap.Logger
	metrics Metrics
	cfg     ServerConfig
	ids     *SessionIDAllocator

	telemetrySink sink.TelemetrySink
	emergencySink sink.EmergencySink
	devices       *DeviceRegistry

	boundDevice pdu.DeviceUUID
	hasBound    bool

	fsm          *fsm.ServerFSM
	live         liveConfig
	errs         errorCounters
	reassemblers map[stream.ID]*reassembler

	telemetryCount atomic.Uint64
	controlEmitted atomic.Uint64

	mailbox chan mailboxFunc
	opened  time.Time

	wakeCancel context.CancelFunc
	tasksWG    sync.WaitGroup
}

// NewServerSession constructs a server session bound to an accepted
// transport connection. devices may be nil, in which case every device is
// allowed to authenticate unconditionally (no duplicate-session guard).
func NewServerSession(conn transport.Conn, log *zap.Logger, ids *SessionIDAllocator, telemetry sink.TelemetrySink, emergency sink.EmergencySink, devices *DeviceRegistry, cfg ServerConfig, m Metrics) *ServerSession {
	cfg.setDefaults()
	if m == nil {
		m = NoopMetrics{}
	}
	ss := &ServerSession{
		conn:          conn,
		log:           log,
		metrics:       m,
		cfg:           cfg,
		ids:           ids,
		telemetrySink: telemetry,
		emergencySink: emergency,
		devices:       devices,
		fsm:           fsm.NewServerFSM(),
		reassemblers: map[stream.ID]*reassembler{
			stream.Control:   {},
			stream.Telemetry: {},
			stream.Emergency: {},
		},
		mailbox: make(chan mailboxFunc, 16),
	}
	ss.live.serverState.Store(int32(fsm.Listening))
	return ss
}

func (s *ServerSession) State() fsm.ServerState {
	return fsm.ServerState(s.live.serverState.Load())
}

func (s *ServerSession) setState(st fsm.ServerState) {
	s.live.serverState.Store(int32(st))
}

func (s *ServerSession) enqueue(fn mailboxFunc) {
	select {
	case s.mailbox <- fn:
	default:
	}
}

// Run drives the connection until TERMINATED, transport close, or ctx
// cancellation, flushing both sinks exactly once on the way out.
func (s *ServerSession) Run(ctx context.Context) error {
	s.opened = time.Now()
	s.live.touchInbound(s.opened)
	s.metrics.SessionOpened()
	defer func() {
		if s.wakeCancel != nil {
			s.wakeCancel()
		}
		s.tasksWG.Wait()
		s.flushSinks()
		if s.hasBound {
			s.devices.Release(s.boundDevice)
		}
		s.metrics.SessionClosed(time.Since(s.opened))
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.conn.Closed():
			return s.conn.Err()
		case chunk, ok := <-s.conn.Chunks():
			if !ok {
				return nil
			}
			s.onChunk(chunk)
		case fn := <-s.mailbox:
			fn()
		}
		if s.State() == fsm.ServerTerminated {
			return nil
		}
	}
}

func (s *ServerSession) flushSinks() {
	if err := s.telemetrySink.Flush(); err != nil {
		s.log.Error("sink-io-error flushing telemetry", zap.Error(err))
	}
	if err := s.emergencySink.Flush(); err != nil {
		s.log.Error("sink-io-error flushing emergency", zap.Error(err))
	}
}

func (s *ServerSession) sendPDU(p pdu.PDU) error {
	sid, err := stream.StreamFor(p.Type)
	if err != nil {
		return err
	}
	data, err := pdu.Encode(p)
	if err != nil {
		return err
	}
	if err := s.conn.Send(sid, data); err != nil {
		s.log.Warn("send failed", zap.String("pduType", p.Type.String()), zap.Error(err))
		return err
	}
	s.log.Debug("sent PDU", zap.String("pduType", p.Type.String()), zap.Uint32("sessionId", p.SessionID))
	return nil
}

func (s *ServerSession) onChunk(chunk transport.Chunk) {
	r, ok := s.reassemblers[chunk.Stream]
	if !ok {
		s.log.Warn("chunk on unrecognised stream", zap.Any("stream", chunk.Stream))
		return
	}
	r.feed(chunk.Data)
	for {
		p, ok, err := r.next()
		if err != nil {
			s.onCodecError(err)
			continue
		}
		if !ok {
			return
		}
		s.handleInbound(chunk.Stream, p)
		if s.State() == fsm.ServerTerminated {
			return
		}
	}
}

func (s *ServerSession) onCodecError(err error) {
	s.errs.codecErrors.Add(1)
	s.log.Warn("codec error", zap.Error(err))
	s.metrics.PDURejected(0, err.Error())
	if s.errs.codecErrors.Load() >= repeatOffenceThreshold && s.State() != fsm.ServerTerminated {
		s.log.Warn("repeat codec offences, terminating")
		s.sendTerminate()
	}
}

func (s *ServerSession) handleInbound(sid stream.ID, p pdu.PDU) {
	if err := stream.Validate(sid, p.Type); err != nil {
		s.errs.streamMismatches.Add(1)
		s.log.Warn("stream-type-mismatch", zap.Error(err))
		s.metrics.PDURejected(p.Type, "stream-type-mismatch")
		return
	}
	s.live.touchInbound(time.Now())
	s.metrics.PDUAccepted(p.Type)

	switch p.Type {
	case pdu.AuthRequest:
		s.handleAuthRequest(p)
	case pdu.Telemetry:
		s.handleTelemetry(p)
	case pdu.Emergency:
		s.handleEmergency(p)
	case pdu.Terminate:
		s.handleTerminate()
	default:
		s.onInvalidTransition(p.Type)
	}
}

func (s *ServerSession) onInvalidTransition(t pdu.Type) {
	s.errs.invalidTransitions.Add(1)
	s.log.Warn("invalid-transition", zap.String("pduType", t.String()), zap.Stringer("state", s.State()))
	s.metrics.PDURejected(t, "invalid-transition")
}

func (s *ServerSession) handleAuthRequest(p pdu.PDU) {
	req, err := pdu.DecodeAuthRequest(p.Payload)
	if err != nil {
		s.onCodecError(err)
		return
	}
	old, next, err := s.fsm.Apply(pdu.AuthRequest)
	if err != nil {
		s.onInvalidTransition(pdu.AuthRequest)
		return
	}
	s.setState(next)
	s.log.Info("server transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.AuthRequest.String()))

	var status uint8
	var sessionID uint32
	switch {
	case req.SamplingRate == 0 || req.GeofenceRadius < 0:
		status = pdu.StatusRejected
		s.log.Warn("rejecting auth: invalid sampling_rate/geofence_radius",
			zap.Uint32("samplingRate", req.SamplingRate), zap.Float32("geofenceRadius", req.GeofenceRadius))
	default:
		status = pdu.StatusAccepted
		sessionID = s.ids.Allocate()
		if s.devices != nil && !s.devices.Bind(req.DeviceUUID, sessionID) {
			status = pdu.StatusDeviceAlreadyActive
			sessionID = 0
			s.log.Warn("rejecting auth: device already has an active session")
		} else {
			s.live.SetSessionID(sessionID)
			s.boundDevice = req.DeviceUUID
			s.hasBound = s.devices != nil
		}
	}

	resp := buildAuthResponsePDU(sessionID, status)
	if err := s.sendPDU(resp); err != nil {
		return
	}
	old, next, err = s.fsm.ApplyAuthResponse(status)
	if err != nil {
		s.onInvalidTransition(pdu.AuthResponse)
		return
	}
	s.setState(next)
	s.log.Info("server transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.AuthResponse.String()))
	if next == fsm.ServerOperational {
		s.spawnWakeEmitter()
	} else if next == fsm.ServerTerminating {
		s.sendTerminate()
	}
}

func (s *ServerSession) handleTelemetry(p pdu.PDU) {
	rec, err := pdu.DecodeTelemetry(p.Payload)
	if err != nil {
		s.onCodecError(err)
		return
	}
	old, next, err := s.fsm.Apply(pdu.Telemetry)
	if err != nil {
		s.onInvalidTransition(pdu.Telemetry)
		return
	}
	s.setState(next)
	s.log.Debug("server transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Telemetry.String()))

	s.telemetrySink.Append(sink.TelemetryRecord{
		Timestamp: rec.Timestamp,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Activity:  rec.Activity,
		Battery:   rec.Battery,
		DiagFlags: rec.DiagFlags,
	})

	count := s.telemetryCount.Add(1)
	if count%s.cfg.TelemetryControlEvery == 0 {
		s.emitPeriodicControl()
	}
}

// emitPeriodicControl sends the every-Nth-telemetry CONTROL PDU with an
// empty TLV stream: a placeholder for a future policy engine.
func (s *ServerSession) emitPeriodicControl() {
	p := buildEmptyControlPDU(s.live.SessionID())
	if err := s.sendPDU(p); err != nil {
		return
	}
	old, next, err := s.fsm.Apply(pdu.Control)
	if err != nil {
		s.onInvalidTransition(pdu.Control)
		return
	}
	s.setState(next)
	s.controlEmitted.Add(1)
	s.log.Debug("server transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Control.String()))
}

// ControlEmittedCount exposes the periodic-control counter: after exactly
// TelemetryControlEvery*k accepted TELEMETRY PDUs (10*k by default),
// exactly k CONTROL PDUs have been emitted.
func (s *ServerSession) ControlEmittedCount() uint64 { return s.controlEmitted.Load() }

func (s *ServerSession) handleEmergency(p pdu.PDU) {
	rec, err := pdu.DecodeEmergency(p.Payload)
	if err != nil {
		s.onCodecError(err)
		return
	}
	old, next, err := s.fsm.Apply(pdu.Emergency)
	if err != nil {
		s.onInvalidTransition(pdu.Emergency)
		return
	}
	s.setState(next)
	s.log.Warn("emergency PDU received", zap.Stringer("from", old), zap.Stringer("to", next))

	s.emergencySink.Append(sink.EmergencyRecord{
		Timestamp: rec.Timestamp,
		AlertCode: rec.AlertCode,
		Details:   rec.Details,
	})
	s.sendTerminate()
}

func (s *ServerSession) handleTerminate() {
	old, next, err := s.fsm.Apply(pdu.Terminate)
	if err != nil {
		s.onInvalidTransition(pdu.Terminate)
		return
	}
	s.setState(next)
	s.log.Info("server transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Terminate.String()))
}

// sendTerminate sends TERMINATE with session_id=0. Receivers ignore
// session_id on TERMINATE, so the server never bothers looking its own
// assigned id up for this PDU.
func (s *ServerSession) sendTerminate() {
	p := buildTerminatePDU(0)
	_ = s.sendPDU(p)
	old, next, err := s.fsm.Apply(pdu.Terminate)
	if err != nil {
		s.log.Debug("terminate apply rejected", zap.Error(err))
		return
	}
	s.setState(next)
	s.log.Info("server transition", zap.Stringer("from", old), zap.Stringer("to", next), zap.String("pduType", pdu.Terminate.String()))
}

// spawnWakeEmitter starts the background loop that, every WakeInterval
// while OPERATIONAL, sends WAKE.
func (s *ServerSession) spawnWakeEmitter() {
	if s.wakeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.wakeCancel = cancel
	s.tasksWG.Add(1)
	go func() {
		defer s.tasksWG.Done()
		ticker := time.NewTicker(s.cfg.WakeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if s.State() != fsm.ServerOperational {
				return
			}
			done := make(chan struct{})
			s.enqueue(func() {
				defer close(done)
				if s.State() != fsm.ServerOperational {
					return
				}
				p := buildWakePDU(s.live.SessionID())
				if err := s.sendPDU(p); err != nil {
					return
				}
				_, next, err := s.fsm.Apply(pdu.Wake)
				if err == nil {
					s.setState(next)
				}
			})
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}()
}
