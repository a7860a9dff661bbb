package transport

import (
	"encoding/binary"

	"github.com/srg/bleactor/internal/rpcerr"
)

// HeaderSize is the fixed wire size of a packet header (spec §4.2/§6).
const HeaderSize = 24

// Magic and CurrentVersion are protocol constants. Any peer receiving a header
// with an unrecognized Magic or an unsupported Version MUST fail with
// VersionMismatch rather than attempt to interpret the payload.
const (
	Magic          uint32 = 0x424c4555 // "BLEU"
	CurrentVersion uint8  = 1
)

// Packet is one wire unit of a (possibly fragmented) transport message.
type Packet struct {
	MessageID uint64
	Sequence  uint16
	Total     uint16
	Payload   []byte
}

// Pack serializes p into the fixed 24-byte header followed by its payload.
func Pack(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = CurrentVersion
	buf[5] = 0 // reserved
	binary.LittleEndian.PutUint64(buf[6:14], p.MessageID)
	binary.LittleEndian.PutUint16(buf[14:16], p.Sequence)
	binary.LittleEndian.PutUint16(buf[16:18], p.Total)
	binary.LittleEndian.PutUint16(buf[18:20], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint32(buf[20:24], 0) // reserved
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Unpack parses a wire packet previously produced by Pack. It fails with
// VersionMismatch for an unrecognized magic or version, and
// InvalidEnvelope if the buffer is shorter than its declared header+payload.
func Unpack(wire []byte) (Packet, error) {
	if len(wire) < HeaderSize {
		return Packet{}, rpcerr.New(rpcerr.InvalidEnvelope, "packet shorter than header")
	}

	magic := binary.LittleEndian.Uint32(wire[0:4])
	version := wire[4]
	if magic != Magic || version != CurrentVersion {
		return Packet{}, rpcerr.New(rpcerr.VersionMismatch, "unrecognized packet magic or version")
	}

	messageID := binary.LittleEndian.Uint64(wire[6:14])
	seq := binary.LittleEndian.Uint16(wire[14:16])
	total := binary.LittleEndian.Uint16(wire[16:18])
	payloadLen := binary.LittleEndian.Uint16(wire[18:20])

	if len(wire) < HeaderSize+int(payloadLen) {
		return Packet{}, rpcerr.New(rpcerr.InvalidEnvelope, "packet payload truncated")
	}

	payload := make([]byte, payloadLen)
	copy(payload, wire[HeaderSize:HeaderSize+int(payloadLen)])

	return Packet{
		MessageID: messageID,
		Sequence:  seq,
		Total:     total,
		Payload:   payload,
	}, nil
}
