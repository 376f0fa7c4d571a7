package session

import (
	"encoding/binary"

	"github.com/cppla/wtcpq/pdu"
)

// reassembler buffers inbound bytes for one stream and yields complete PDUs
// as enough bytes accumulate, tolerating multiple PDUs arriving in one
// chunk or one PDU arriving split across several chunks.
type reassembler struct {
	buf []byte
}

// feed appends newly arrived bytes to the buffer.
func (r *reassembler) feed(data []byte) {
	r.buf = append(r.buf, data...)
}

// next attempts to extract one complete PDU from the front of the buffer.
// ok is false when more bytes are needed; err is non-nil only once a full
// PDU's worth of bytes is present and the codec rejects it outright (the
// reassembler then resyncs past it using the header's declared length, or
// the fixed header size as a last resort when even the length is unusable).
func (r *reassembler) next() (p pdu.PDU, ok bool, err error) {
	if len(r.buf) < pdu.HeaderSize {
		return pdu.PDU{}, false, nil
	}
	length := int(binary.BigEndian.Uint16(r.buf[0:2]))
	if length < pdu.HeaderSize {
		// An impossible declared length can't be used to resync past this
		// PDU; drop just the header and let the next bytes try again.
		bad := r.buf[:pdu.HeaderSize]
		r.buf = r.buf[pdu.HeaderSize:]
		_, _, derr := pdu.Decode(bad)
		return pdu.PDU{}, false, derr
	}
	if len(r.buf) < length {
		return pdu.PDU{}, false, nil
	}
	decoded, _, derr := pdu.Decode(r.buf[:length])
	r.buf = r.buf[length:]
	if derr != nil {
		return pdu.PDU{}, false, derr
	}
	return decoded, true, nil
}
