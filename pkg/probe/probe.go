// Package probe implements the fixed 37-byte UDP hole-punch probe packet:
// serialization, parsing, and the fast-path magic check used to demux
// probe traffic from signed application envelopes on the same socket.
package probe

import (
	"encoding/binary"
)

// Magic is the 8-byte probe header. ASCII "OMERTAHP".
var Magic = [8]byte{'O', 'M', 'E', 'R', 'T', 'A', 'H', 'P'}

// Size is the total length of an encoded probe packet:
// magic(8) + sequence(4) + timestamp(8) + senderIdPrefix(16) + isResponse(1).
const Size = 8 + 4 + 8 + 16 + 1

const senderPrefixLen = 16

// Probe is a single hole-punch probe datagram.
type Probe struct {
	Sequence       uint32
	TimestampMilli uint64
	SenderIDPrefix string
	IsResponse     bool
}

// IsHolePunchProbe checks only the magic bytes, for fast-path demuxing on
// the UDP receive path before any further parsing is attempted.
func IsHolePunchProbe(data []byte) bool {
	if len(data) < len(Magic) {
		return false
	}
	for i, b := range Magic {
		if data[i] != b {
			return false
		}
	}
	return true
}

// Serialize encodes p into the fixed 37-byte wire format.
func Serialize(p Probe) []byte {
	buf := make([]byte, Size)
	copy(buf[0:8], Magic[:])
	binary.BigEndian.PutUint32(buf[8:12], p.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], p.TimestampMilli)

	prefix := []byte(p.SenderIDPrefix)
	if len(prefix) > senderPrefixLen {
		prefix = prefix[:senderPrefixLen]
	}
	copy(buf[20:20+senderPrefixLen], prefix)

	if p.IsResponse {
		buf[36] = 1
	}
	return buf
}

// Parse decodes a probe packet. It returns ok=false unless data is at
// least Size bytes and the leading 8 bytes match Magic.
func Parse(data []byte) (p Probe, ok bool) {
	if len(data) < Size || !IsHolePunchProbe(data) {
		return Probe{}, false
	}

	sequence := binary.BigEndian.Uint32(data[8:12])
	timestamp := binary.BigEndian.Uint64(data[12:20])

	prefixBytes := data[20 : 20+senderPrefixLen]
	end := senderPrefixLen
	for i, b := range prefixBytes {
		if b == 0 {
			end = i
			break
		}
	}

	return Probe{
		Sequence:       sequence,
		TimestampMilli: timestamp,
		SenderIDPrefix: string(prefixBytes[:end]),
		IsResponse:     data[36] != 0,
	}, true
}
