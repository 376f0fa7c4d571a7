package pdu

import (
	"encoding/binary"
	"math"
)

// DeviceUUID is the 16 raw bytes identifying a wearable, never a textual
// representation.
type DeviceUUID [16]byte

// AuthRequestPayload is the AUTH_REQUEST (0x01) payload: 24 bytes.
type AuthRequestPayload struct {
	DeviceUUID      DeviceUUID
	SamplingRate    uint32
	GeofenceRadius  float32
}

func EncodeAuthRequest(p AuthRequestPayload) []byte {
	buf := make([]byte, 24)
	copy(buf[0:16], p.DeviceUUID[:])
	binary.BigEndian.PutUint32(buf[16:20], p.SamplingRate)
	binary.BigEndian.PutUint32(buf[20:24], math.Float32bits(p.GeofenceRadius))
	return buf
}

func DecodeAuthRequest(payload []byte) (AuthRequestPayload, error) {
	if len(payload) < 24 {
		return AuthRequestPayload{}, newErr(TruncatedPayload, "AUTH_REQUEST payload %d bytes, 24 required", len(payload))
	}
	var p AuthRequestPayload
	copy(p.DeviceUUID[:], payload[0:16])
	p.SamplingRate = binary.BigEndian.Uint32(payload[16:20])
	p.GeofenceRadius = math.Float32frombits(binary.BigEndian.Uint32(payload[20:24]))
	return p, nil
}

// AuthResponsePayload is the AUTH_RESPONSE (0x02) payload: 5 bytes.
type AuthResponsePayload struct {
	Status            uint8
	AssignedSessionID uint32
}

// AUTH_RESPONSE status codes. Only StatusAccepted is a non-error code; any
// other value sends the client to TERMINATING. StatusRejected and
// StatusDeviceAlreadyActive are the two specific reasons the server
// distinguishes in its own logging; a client only ever needs to know
// "zero or not".
const (
	StatusAccepted           uint8 = 0
	StatusRejected            uint8 = 1
	StatusDeviceAlreadyActive uint8 = 2
)

func EncodeAuthResponse(p AuthResponsePayload) []byte {
	buf := make([]byte, 5)
	buf[0] = p.Status
	binary.BigEndian.PutUint32(buf[1:5], p.AssignedSessionID)
	return buf
}

func DecodeAuthResponse(payload []byte) (AuthResponsePayload, error) {
	if len(payload) < 5 {
		return AuthResponsePayload{}, newErr(TruncatedPayload, "AUTH_RESPONSE payload %d bytes, 5 required", len(payload))
	}
	return AuthResponsePayload{
		Status:            payload[0],
		AssignedSessionID: binary.BigEndian.Uint32(payload[1:5]),
	}, nil
}

// TelemetryPayload is the TELEMETRY (0x03) payload: 20 bytes.
type TelemetryPayload struct {
	Timestamp  uint64
	Latitude   float32
	Longitude  float32
	Activity   uint16
	Battery    uint8
	DiagFlags  uint8
}

func EncodeTelemetry(p TelemetryPayload) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], math.Float32bits(p.Latitude))
	binary.BigEndian.PutUint32(buf[12:16], math.Float32bits(p.Longitude))
	binary.BigEndian.PutUint16(buf[16:18], p.Activity)
	buf[18] = p.Battery
	buf[19] = p.DiagFlags
	return buf
}

func DecodeTelemetry(payload []byte) (TelemetryPayload, error) {
	if len(payload) < 20 {
		return TelemetryPayload{}, newErr(TruncatedPayload, "TELEMETRY payload %d bytes, 20 required", len(payload))
	}
	return TelemetryPayload{
		Timestamp: binary.BigEndian.Uint64(payload[0:8]),
		Latitude:  math.Float32frombits(binary.BigEndian.Uint32(payload[8:12])),
		Longitude: math.Float32frombits(binary.BigEndian.Uint32(payload[12:16])),
		Activity:  binary.BigEndian.Uint16(payload[16:18]),
		Battery:   payload[18],
		DiagFlags: payload[19],
	}, nil
}

// EmergencyPayload is the EMERGENCY (0x05) payload: variable length.
type EmergencyPayload struct {
	Timestamp  uint64
	AlertCode  uint8
	Details    string
}

func EncodeEmergency(p EmergencyPayload) ([]byte, error) {
	detail := []byte(p.Details)
	if len(detail) > 255 {
		return nil, newErr(TruncatedPayload, "EMERGENCY details of %d bytes exceeds max 255", len(detail))
	}
	buf := make([]byte, 10+len(detail))
	binary.BigEndian.PutUint64(buf[0:8], p.Timestamp)
	buf[8] = p.AlertCode
	buf[9] = uint8(len(detail))
	copy(buf[10:], detail)
	return buf, nil
}

func DecodeEmergency(payload []byte) (EmergencyPayload, error) {
	if len(payload) < 10 {
		return EmergencyPayload{}, newErr(TruncatedPayload, "EMERGENCY payload %d bytes, 10 required", len(payload))
	}
	detailLen := int(payload[9])
	if len(payload) < 10+detailLen {
		return EmergencyPayload{}, newErr(TruncatedPayload, "EMERGENCY detail_len %d but only %d bytes follow header", detailLen, len(payload)-10)
	}
	return EmergencyPayload{
		Timestamp: binary.BigEndian.Uint64(payload[0:8]),
		AlertCode: payload[8],
		Details:   string(payload[10 : 10+detailLen]),
	}, nil
}

// SleepPayload is the SLEEP (0x06) payload: 1 byte.
type SleepPayload struct {
	Wake bool
}

func EncodeSleep(p SleepPayload) []byte {
	if p.Wake {
		return []byte{1}
	}
	return []byte{0}
}

func DecodeSleep(payload []byte) (SleepPayload, error) {
	if len(payload) < 1 {
		return SleepPayload{}, newErr(TruncatedPayload, "SLEEP payload empty, 1 byte required")
	}
	return SleepPayload{Wake: payload[0] != 0}, nil
}
