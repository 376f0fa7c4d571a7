package pdu

import (
	"encoding/binary"
	"math"
)

// Known CONTROL TLV tags.
const (
	TagSamplingRate   uint8 = 0x01
	TagGeofenceRadius uint8 = 0x02
)

// ControlParams is the parsed result of a CONTROL TLV stream. A nil pointer
// means the tag was absent; unknown tags are skipped and don't appear
// here.
type ControlParams struct {
	SamplingRate   *uint32
	GeofenceRadius *float32
}

// controlTLV is one decoded TLV entry, known tag or not, as returned in
// arrival order by decodeControlRaw.
type controlTLV struct {
	tag   uint8
	value []byte
}

// EncodeControl serialises known tags as a TLV stream, sampling rate first
// then geofence radius.
func EncodeControl(p ControlParams) []byte {
	var buf []byte
	if p.SamplingRate != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, *p.SamplingRate)
		buf = append(buf, TagSamplingRate, uint8(len(v)))
		buf = append(buf, v...)
	}
	if p.GeofenceRadius != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, math.Float32bits(*p.GeofenceRadius))
		buf = append(buf, TagGeofenceRadius, uint8(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

// DecodeControl parses a CONTROL TLV stream, skipping unknown tags using
// their declared length. A TLV whose declared length runs past the end of
// the payload is a malformed-control error.
func DecodeControl(payload []byte) (ControlParams, error) {
	var out ControlParams
	i := 0
	for i < len(payload) {
		if i+2 > len(payload) {
			return ControlParams{}, newErr(MalformedControl, "truncated TLV tag/len at offset %d", i)
		}
		tag := payload[i]
		tlvLen := int(payload[i+1])
		i += 2
		if i+tlvLen > len(payload) {
			return ControlParams{}, newErr(MalformedControl, "TLV tag 0x%02x declares len %d past end of payload", tag, tlvLen)
		}
		value := payload[i : i+tlvLen]
		i += tlvLen
		switch tag {
		case TagSamplingRate:
			if tlvLen != 4 {
				return ControlParams{}, newErr(MalformedControl, "sampling_rate TLV has len %d, expected 4", tlvLen)
			}
			v := binary.BigEndian.Uint32(value)
			out.SamplingRate = &v
		case TagGeofenceRadius:
			if tlvLen != 4 {
				return ControlParams{}, newErr(MalformedControl, "geofence_radius TLV has len %d, expected 4", tlvLen)
			}
			v := math.Float32frombits(binary.BigEndian.Uint32(value))
			out.GeofenceRadius = &v
		default:
			// unknown tag: skip using len
		}
	}
	return out, nil
}

// decodeControlRaw returns every TLV in order, known or not, for tests that
// check unknown tags are kept with their values and position.
func decodeControlRaw(payload []byte) ([]controlTLV, error) {
	var out []controlTLV
	i := 0
	for i < len(payload) {
		if i+2 > len(payload) {
			return nil, newErr(MalformedControl, "truncated TLV tag/len at offset %d", i)
		}
		tag := payload[i]
		tlvLen := int(payload[i+1])
		i += 2
		if i+tlvLen > len(payload) {
			return nil, newErr(MalformedControl, "TLV tag 0x%02x declares len %d past end of payload", tag, tlvLen)
		}
		value := make([]byte, tlvLen)
		copy(value, payload[i:i+tlvLen])
		i += tlvLen
		out = append(out, controlTLV{tag: tag, value: value})
	}
	return out, nil
}
