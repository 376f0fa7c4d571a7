package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []PDU{
		{Type: AuthRequest, Version: 1, SessionID: 0, Payload: EncodeAuthRequest(AuthRequestPayload{
			DeviceUUID: DeviceUUID{}, SamplingRate: 10, GeofenceRadius: 5.5,
		})},
		{Type: AuthResponse, Version: 1, SessionID: 42, Payload: EncodeAuthResponse(AuthResponsePayload{
			Status: StatusAccepted, AssignedSessionID: 42,
		})},
		{Type: Telemetry, Version: 1, SessionID: 7, Payload: EncodeTelemetry(TelemetryPayload{
			Timestamp: 1625000000, Latitude: 37.7749, Longitude: -122.4194, Activity: 2, Battery: 80, DiagFlags: 1,
		})},
		{Type: Terminate, Version: 1, SessionID: 0, Payload: nil},
		{Type: Wake, Version: 1, SessionID: 3, Payload: []byte{}},
	}
	for _, p := range cases {
		data, err := Encode(p)
		require.NoError(t, err)
		decoded, rest, err := Decode(data)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, p.Type, decoded.Type)
		assert.Equal(t, p.Version, decoded.Version)
		assert.Equal(t, p.SessionID, decoded.SessionID)
		if len(p.Payload) == 0 {
			assert.Empty(t, decoded.Payload)
		} else {
			assert.Equal(t, p.Payload, decoded.Payload)
		}
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x09, 0x01})
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, TruncatedHeader, ce.Kind)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	p := PDU{Type: Telemetry, Version: 1, SessionID: 1, Payload: EncodeTelemetry(TelemetryPayload{Timestamp: 1})}
	full, err := Encode(p)
	require.NoError(t, err)
	for k := HeaderSize; k < len(full); k++ {
		_, _, err := Decode(full[:k])
		require.Error(t, err, "prefix of %d bytes should fail", k)
		var ce *CodecError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, TruncatedPayload, ce.Kind)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	// length=9, type=0xFF, version=1, session_id=0, one payload byte
	data := []byte{0x00, 0x09, 0xFF, 0x01, 0, 0, 0, 0, 0x00}
	_, _, err := Decode(data)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, UnknownType, ce.Kind)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	data := []byte{0x00, 0x08, 0x01, 0x02, 0, 0, 0, 0}
	_, _, err := Decode(data)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, UnsupportedVersion, ce.Kind)
}

func TestDecodeMultiplePDUsInOneChunk(t *testing.T) {
	a, err := Encode(PDU{Type: Wake, Version: 1, SessionID: 1})
	require.NoError(t, err)
	b, err := Encode(PDU{Type: Terminate, Version: 1, SessionID: 1})
	require.NoError(t, err)
	chunk := append(append([]byte{}, a...), b...)

	p1, rest, err := Decode(chunk)
	require.NoError(t, err)
	assert.Equal(t, Wake, p1.Type)
	p2, rest2, err := Decode(rest)
	require.NoError(t, err)
	assert.Equal(t, Terminate, p2.Type)
	assert.Empty(t, rest2)
}

func TestControlTLVRoundtrip(t *testing.T) {
	rate := uint32(20)
	radius := float32(15.75)
	payload := EncodeControl(ControlParams{SamplingRate: &rate, GeofenceRadius: &radius})
	parsed, err := DecodeControl(payload)
	require.NoError(t, err)
	require.NotNil(t, parsed.SamplingRate)
	require.NotNil(t, parsed.GeofenceRadius)
	assert.Equal(t, rate, *parsed.SamplingRate)
	assert.InDelta(t, radius, *parsed.GeofenceRadius, 1e-4)
}

func TestControlTLVSkipsUnknownTag(t *testing.T) {
	rate := uint32(7)
	known := EncodeControl(ControlParams{SamplingRate: &rate})
	// splice in an unknown tag 0xEE with 3 bytes of junk before the known TLV
	payload := append([]byte{0xEE, 0x03, 'x', 'y', 'z'}, known...)
	parsed, err := DecodeControl(payload)
	require.NoError(t, err)
	require.NotNil(t, parsed.SamplingRate)
	assert.Equal(t, rate, *parsed.SamplingRate)
	assert.Nil(t, parsed.GeofenceRadius)
}

func TestDecodeControlRawPreservesUnknownTags(t *testing.T) {
	rate := uint32(7)
	known := EncodeControl(ControlParams{SamplingRate: &rate})
	payload := append([]byte{0xEE, 0x03, 'x', 'y', 'z'}, known...)

	raw, err := decodeControlRaw(payload)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, uint8(0xEE), raw[0].tag)
	assert.Equal(t, []byte("xyz"), raw[0].value)
	assert.Equal(t, TagSamplingRate, raw[1].tag)
}

func TestControlTLVTruncatedIsMalformed(t *testing.T) {
	// tag + len claiming 4 bytes but only 1 follows
	payload := []byte{TagSamplingRate, 0x04, 0x00}
	_, err := DecodeControl(payload)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MalformedControl, ce.Kind)
}

func TestEmergencyRoundtrip(t *testing.T) {
	payload, err := EncodeEmergency(EmergencyPayload{Timestamp: 987654321, AlertCode: 3, Details: "fall"})
	require.NoError(t, err)
	parsed, err := DecodeEmergency(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(987654321), parsed.Timestamp)
	assert.Equal(t, uint8(3), parsed.AlertCode)
	assert.Equal(t, "fall", parsed.Details)
}
