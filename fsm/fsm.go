// Package fsm implements the client and server session state machines as
// dense (state, pdu_type) -> next_state lookup tables.
package fsm

import (
	"fmt"

	"github.com/cppla/wtcpq/pdu"
)

// ClientState enumerates the client FSM states.
type ClientState int

const (
	Initial ClientState = iota
	AuthPending
	Operational
	Sleeping
	Terminating
	Terminated
	numClientStates
)

func (s ClientState) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case AuthPending:
		return "AUTH_PENDING"
	case Operational:
		return "OPERATIONAL"
	case Sleeping:
		return "SLEEPING"
	case Terminating:
		return "TERMINATING"
	case Terminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}

// ServerState enumerates the server FSM states.
type ServerState int

const (
	Listening ServerState = iota
	Authorizing
	ServerOperational
	ServerTerminating
	ServerTerminated
	numServerStates
)

func (s ServerState) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Authorizing:
		return "AUTHORIZING"
	case ServerOperational:
		return "OPERATIONAL"
	case ServerTerminating:
		return "TERMINATING"
	case ServerTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("ServerState(%d)", int(s))
	}
}

// numPDUTypes bounds the dense table's second dimension; pdu types run
// 0x01..0x08 so an array of this size indexed by pdu.Type covers them all
// (index 0 is simply never populated).
const numPDUTypes = 9

// InvalidTransitionError reports a PDU disallowed in the current state.
// The state is left unmutated.
type InvalidTransitionError struct {
	State   fmt.Stringer
	PDUType pdu.Type
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("protocol-violation: no transition from %s on %s", e.State, e.PDUType)
}

// ClientFSM holds the client's current state and advances it against the
// dense transition table below.
type ClientFSM struct {
	state ClientState
}

// NewClientFSM returns a client FSM starting at INITIAL.
func NewClientFSM() *ClientFSM {
	return &ClientFSM{state: Initial}
}

func (f *ClientFSM) State() ClientState { return f.state }

// clientTransitions[state][pduType] holds next_state and
// clientHasTransition marks which entries are defined, since the zero
// ClientState (INITIAL) is itself a valid value; together they form the
// dense 2-D lookup table.
var clientTransitions [numClientStates][numPDUTypes]ClientState
var clientHasTransition [numClientStates][numPDUTypes]bool

func setClient(from ClientState, t pdu.Type, to ClientState) {
	clientTransitions[from][t] = to
	clientHasTransition[from][t] = true
}

func init() {
	setClient(Initial, pdu.AuthRequest, AuthPending)
	// AUTH_RESPONSE routing depends on status; Apply handles the split via
	// ApplyAuthResponse below, but the bare table entry covers the common
	// accepted path so a caller that doesn't care about status still gets
	// a defined transition.
	setClient(AuthPending, pdu.AuthResponse, Operational)
	setClient(Operational, pdu.Control, Operational)
	setClient(Operational, pdu.Telemetry, Operational)
	setClient(Operational, pdu.Sleep, Sleeping)
	setClient(Sleeping, pdu.Sleep, Operational)
	setClient(Sleeping, pdu.Wake, Operational)
	setClient(Operational, pdu.Emergency, Terminating)
	setClient(Sleeping, pdu.Emergency, Terminating)
	setClient(Operational, pdu.Terminate, Terminated)
	setClient(Sleeping, pdu.Terminate, Terminated)
	setClient(Terminating, pdu.Terminate, Terminated)
}

// Apply advances the FSM for an inbound/outbound pdu type that doesn't need
// payload inspection to pick its next state. For AUTH_RESPONSE and SLEEP,
// whose next state depends on payload fields, use ApplyAuthResponse and
// ApplySleep instead.
func (f *ClientFSM) Apply(t pdu.Type) (old, next ClientState, err error) {
	old = f.state
	if !clientHasTransition[f.state][t] {
		return old, old, &InvalidTransitionError{State: f.state, PDUType: t}
	}
	f.state = clientTransitions[f.state][t]
	return old, f.state, nil
}

// ApplyAuthResponse advances the FSM on a received AUTH_RESPONSE, routing to
// OPERATIONAL on status 0 and to TERMINATING otherwise.
func (f *ClientFSM) ApplyAuthResponse(status uint8) (old, next ClientState, err error) {
	old = f.state
	if f.state != AuthPending {
		return old, old, &InvalidTransitionError{State: f.state, PDUType: pdu.AuthResponse}
	}
	if status == pdu.StatusAccepted {
		f.state = Operational
	} else {
		f.state = Terminating
	}
	return old, f.state, nil
}

// ApplySleep advances the FSM on a SLEEP PDU, which carries a wake flag
// that picks the next state independent of direction (sent or received).
func (f *ClientFSM) ApplySleep(wake bool) (old, next ClientState, err error) {
	old = f.state
	switch {
	case f.state == Operational && !wake:
		f.state = Sleeping
	case f.state == Sleeping && wake:
		f.state = Operational
	default:
		return old, old, &InvalidTransitionError{State: f.state, PDUType: pdu.Sleep}
	}
	return old, f.state, nil
}

// ServerFSM holds the server's current state.
type ServerFSM struct {
	state ServerState
}

// NewServerFSM returns a server FSM starting at LISTENING.
func NewServerFSM() *ServerFSM {
	return &ServerFSM{state: Listening}
}

func (f *ServerFSM) State() ServerState { return f.state }

var serverTransitions [numServerStates][numPDUTypes]ServerState
var serverHasTransition [numServerStates][numPDUTypes]bool

func setServer(from ServerState, t pdu.Type, to ServerState) {
	serverTransitions[from][t] = to
	serverHasTransition[from][t] = true
}

func init() {
	setServer(Listening, pdu.AuthRequest, Authorizing)
	setServer(Authorizing, pdu.AuthResponse, ServerOperational)
	setServer(ServerOperational, pdu.Telemetry, ServerOperational)
	setServer(ServerOperational, pdu.Control, ServerOperational)
	setServer(ServerOperational, pdu.Wake, ServerOperational)
	setServer(ServerOperational, pdu.Emergency, ServerTerminating)
	setServer(ServerOperational, pdu.Terminate, ServerTerminated)
	setServer(ServerTerminating, pdu.Terminate, ServerTerminated)
}

// Apply advances the server FSM for the given pdu type.
func (f *ServerFSM) Apply(t pdu.Type) (old, next ServerState, err error) {
	old = f.state
	if !serverHasTransition[f.state][t] {
		return old, old, &InvalidTransitionError{State: f.state, PDUType: t}
	}
	f.state = serverTransitions[f.state][t]
	return old, f.state, nil
}

// ApplyAuthResponse advances the server FSM on its own outbound
// AUTH_RESPONSE, routing to OPERATIONAL on status 0 and to TERMINATING
// otherwise (e.g. a rejected duplicate-device auth), mirroring
// ClientFSM.ApplyAuthResponse.
func (f *ServerFSM) ApplyAuthResponse(status uint8) (old, next ServerState, err error) {
	old = f.state
	if f.state != Authorizing {
		return old, old, &InvalidTransitionError{State: f.state, PDUType: pdu.AuthResponse}
	}
	if status == pdu.StatusAccepted {
		f.state = ServerOperational
	} else {
		f.state = ServerTerminating
	}
	return old, f.state, nil
}
