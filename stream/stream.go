// Package stream implements the stream router: the mapping between PDU
// type and the fixed QUIC-aligned stream id that carries it, in both
// directions.
package stream

import (
	"fmt"

	"github.com/cppla/wtcpq/pdu"
)

// ID is one of the fixed logical stream identifiers, chosen to align with
// QUIC's bidirectional client-initiated stream numbering.
type ID uint8

const (
	Control   ID = 0
	Telemetry ID = 2
	Emergency ID = 4
)

func (id ID) String() string {
	switch id {
	case Control:
		return "control"
	case Telemetry:
		return "telemetry"
	case Emergency:
		return "emergency"
	default:
		return fmt.Sprintf("stream(%d)", uint8(id))
	}
}

// allowed maps each stream id to the set of PDU types it may carry.
var allowed = map[ID]map[pdu.Type]bool{
	Control: {
		pdu.AuthRequest:  true,
		pdu.AuthResponse: true,
		pdu.Control:      true,
		pdu.Sleep:        true,
		pdu.Wake:         true,
		pdu.Terminate:    true,
	},
	Telemetry: {
		pdu.Telemetry: true,
	},
	Emergency: {
		pdu.Emergency: true,
	},
}

// outbound maps each PDU type to the stream the router selects for it.
var outbound = map[pdu.Type]ID{
	pdu.AuthRequest:  Control,
	pdu.AuthResponse: Control,
	pdu.Control:      Control,
	pdu.Sleep:        Control,
	pdu.Wake:         Control,
	pdu.Terminate:    Control,
	pdu.Telemetry:    Telemetry,
	pdu.Emergency:    Emergency,
}

// MismatchError reports a PDU arriving on a stream not mapped to its
// type: the PDU is dropped without reaching the FSM.
type MismatchError struct {
	Stream  ID
	PDUType pdu.Type
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("stream-type-mismatch: %s PDU on %s stream", e.PDUType, e.Stream)
}

// StreamFor returns the outbound stream id for a PDU type.
func StreamFor(t pdu.Type) (ID, error) {
	id, ok := outbound[t]
	if !ok {
		return 0, fmt.Errorf("stream: no stream mapping for pdu type %s", t)
	}
	return id, nil
}

// Validate checks that an inbound PDU's type is permitted on the stream it
// arrived on. A mismatch must not be delivered to the FSM.
func Validate(id ID, t pdu.Type) error {
	if allowed[id][t] {
		return nil
	}
	return &MismatchError{Stream: id, PDUType: t}
}
