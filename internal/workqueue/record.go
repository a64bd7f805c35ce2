package workqueue

import (
	"encoding/binary"
	"hash/crc32"
)

// Message record: priority(4B BE) | headerLen(4B BE) | header | payload | crc32c(priority|header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func EncodeMessage(priority uint32, header, payload []byte) []byte {
	out := make([]byte, 8, 8+len(header)+len(payload)+4)
	binary.BigEndian.PutUint32(out[0:4], priority)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(out, castagnoli))
	return append(out, cb[:]...)
}

type Decoded struct {
	Priority uint32
	Header   []byte
	Payload  []byte
}

func DecodeMessage(b []byte) (Decoded, bool) {
	if len(b) < 12 {
		return Decoded{}, false
	}
	hlen := int(binary.BigEndian.Uint32(b[4:8]))
	if 8+hlen+4 > len(b) {
		return Decoded{}, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Decoded{}, false
	}
	headerEnd := 8 + hlen
	return Decoded{
		Priority: binary.BigEndian.Uint32(b[0:4]),
		Header:   append([]byte(nil), b[8:headerEnd]...),
		Payload:  append([]byte(nil), body[headerEnd:]...),
	}, true
}

// withPriority re-encodes a stored record under a new priority.
func withPriority(b []byte, priority uint32) ([]byte, bool) {
	dec, ok := DecodeMessage(b)
	if !ok {
		return nil, false
	}
	return EncodeMessage(priority, dec.Header, dec.Payload), true
}
