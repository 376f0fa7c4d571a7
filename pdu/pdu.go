// Package pdu implements the WTCP-Q wire codec: the fixed 8-byte header,
// the per-type payload layouts and the CONTROL TLV stream.
package pdu

import (
	"encoding/binary"
	"fmt"
)

// Type is the PDU discriminator carried in the header.
type Type uint8

const (
	AuthRequest  Type = 0x01
	AuthResponse Type = 0x02
	Telemetry    Type = 0x03
	Control      Type = 0x04
	Emergency    Type = 0x05
	Sleep        Type = 0x06
	Wake         Type = 0x07
	Terminate    Type = 0x08
)

func (t Type) String() string {
	switch t {
	case AuthRequest:
		return "AUTH_REQUEST"
	case AuthResponse:
		return "AUTH_RESPONSE"
	case Telemetry:
		return "TELEMETRY"
	case Control:
		return "CONTROL"
	case Emergency:
		return "EMERGENCY"
	case Sleep:
		return "SLEEP"
	case Wake:
		return "WAKE"
	case Terminate:
		return "TERMINATE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// knownTypes is the set of pdu_type values the codec accepts.
var knownTypes = map[Type]bool{
	AuthRequest:  true,
	AuthResponse: true,
	Telemetry:    true,
	Control:      true,
	Emergency:    true,
	Sleep:        true,
	Wake:         true,
	Terminate:    true,
}

// CurrentVersion is the only protocol version this codec accepts.
const CurrentVersion uint8 = 1

// HeaderSize is the fixed 8-byte header length (length, type, version, session_id).
const HeaderSize = 8

// MaxPayload is the largest payload that still fits in a uint16 length field.
const MaxPayload = 65535 - HeaderSize

// PDU is a single decoded/to-be-encoded Protocol Data Unit.
type PDU struct {
	Type      Type
	Version   uint8
	SessionID uint32
	Payload   []byte
}

// ErrorKind distinguishes the codec failure modes.
type ErrorKind int

const (
	TruncatedHeader ErrorKind = iota
	TruncatedPayload
	UnknownType
	UnsupportedVersion
	MalformedControl
)

func (k ErrorKind) String() string {
	switch k {
	case TruncatedHeader:
		return "truncated-header"
	case TruncatedPayload:
		return "truncated-payload"
	case UnknownType:
		return "unknown-type"
	case UnsupportedVersion:
		return "unsupported-version"
	case MalformedControl:
		return "malformed-control"
	default:
		return "unknown-error-kind"
	}
}

// CodecError carries the failure kind plus a short diagnostic context.
type CodecError struct {
	Kind    ErrorKind
	Context string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func newErr(kind ErrorKind, format string, args ...interface{}) *CodecError {
	return &CodecError{Kind: kind, Context: fmt.Sprintf(format, args...)}
}

// Encode serialises a PDU to its wire representation. It fails if the
// resulting length would overflow the uint16 length field.
func Encode(p PDU) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, newErr(TruncatedPayload, "payload of %d bytes exceeds max %d", len(p.Payload), MaxPayload)
	}
	length := HeaderSize + len(p.Payload)
	buf := make([]byte, length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(length))
	buf[2] = uint8(p.Type)
	buf[3] = p.Version
	binary.BigEndian.PutUint32(buf[4:8], p.SessionID)
	copy(buf[8:], p.Payload)
	return buf, nil
}

// Decode parses one PDU from the front of data. It returns the PDU, the
// unconsumed remainder of data (for further framing of subsequent PDUs in
// the same chunk), and an error distinguishing the failure kinds of §4.1.
func Decode(data []byte) (PDU, []byte, error) {
	if len(data) < HeaderSize {
		return PDU{}, data, newErr(TruncatedHeader, "%d bytes available, %d required", len(data), HeaderSize)
	}
	length := int(binary.BigEndian.Uint16(data[0:2]))
	if length < HeaderSize {
		return PDU{}, data, newErr(TruncatedHeader, "header declares length %d below minimum %d", length, HeaderSize)
	}
	if len(data) < length {
		return PDU{}, data, newErr(TruncatedPayload, "%d bytes available, %d required by header", len(data), length)
	}
	typ := Type(data[2])
	if !knownTypes[typ] {
		// length is known-good, so the caller can still resync past this
		// PDU even though its type is unrecognised.
		return PDU{}, data[length:], newErr(UnknownType, "pdu_type 0x%02x", uint8(typ))
	}
	version := data[3]
	if version != CurrentVersion {
		return PDU{}, data[length:], newErr(UnsupportedVersion, "version %d, expected %d", version, CurrentVersion)
	}
	sessionID := binary.BigEndian.Uint32(data[4:8])
	payload := make([]byte, length-HeaderSize)
	copy(payload, data[HeaderSize:length])
	return PDU{Type: typ, Version: version, SessionID: sessionID, Payload: payload}, data[length:], nil
}
