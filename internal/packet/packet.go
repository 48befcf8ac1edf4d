// Package packet implements the length-delimited, CRC-validated frame
// format used by the reliable request/response and publish/notify
// protocol: a fixed 15-byte header (start flag, cmd, seq, is_push,
// body_len, crc) followed by the body.
package packet

import (
	"encoding/binary"
	"errors"
)

const (
	// StartFlag marks the beginning of a frame for resync scanning.
	StartFlag byte = 0x55

	// HeaderLength is the on-wire header size: flag(1) + cmd(4) + seq(4) +
	// is_push(1) + body_len(4) + crc(1).
	HeaderLength = 15

	// MaxPacketLength bounds header+body.
	MaxPacketLength = 16 * 1024

	// MaxBodyLength is the largest body that still fits MaxPacketLength.
	MaxBodyLength = MaxPacketLength - HeaderLength

	crcInit byte = 0x77

	offFlag    = 0
	offCmd     = 1
	offSeq     = 5
	offIsPush  = 9
	offBodyLen = 10
	offCRC     = 14
)

// ErrFrameTooLarge is returned by Build when header+body exceeds MaxPacketLength.
var ErrFrameTooLarge = errors.New("packet: frame too large")

// Packet is an immutable framed unit. Zero value is not valid; construct
// with Build or Parse.
type Packet struct {
	Cmd    uint32
	Seq    uint32
	IsPush bool
	Body   []byte

	// raw holds the full encoded frame (header+body) so a Packet can be
	// retransmitted without re-encoding.
	raw []byte
}

// Build encodes a new packet. The returned Packet shares no memory with
// body (it is copied into the frame buffer).
func Build(cmd, seq uint32, isPush bool, body []byte) (*Packet, error) {
	if HeaderLength+len(body) > MaxPacketLength {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, HeaderLength+len(body))
	buf[offFlag] = StartFlag
	binary.BigEndian.PutUint32(buf[offCmd:], cmd)
	binary.BigEndian.PutUint32(buf[offSeq:], seq)
	if isPush {
		buf[offIsPush] = 1
	}
	binary.BigEndian.PutUint32(buf[offBodyLen:], uint32(len(body)))
	buf[offCRC] = crc8(buf[:offCRC])
	copy(buf[HeaderLength:], body)

	return &Packet{
		Cmd:    cmd,
		Seq:    seq,
		IsPush: isPush,
		Body:   buf[HeaderLength:],
		raw:    buf,
	}, nil
}

// Bytes returns the full wire encoding (header+body). The returned slice
// must not be mutated by the caller.
func (p *Packet) Bytes() []byte { return p.raw }

// Len returns the total wire length of the packet.
func (p *Packet) Len() int { return len(p.raw) }

// Parse scans buf for the next valid frame, resyncing past garbage and
// corrupted headers. It returns the parsed packet (nil if none is yet
// available) and the number of bytes consumed from the front of buf.
// Bytes before the returned offset may be safely discarded by the
// caller; bytes at/after it must be retained for the next call.
func Parse(buf []byte) (*Packet, int) {
	consumed := 0
	for {
		for consumed < len(buf) && buf[consumed] != StartFlag {
			consumed++
		}
		valid := buf[consumed:]
		if len(valid) < HeaderLength {
			return nil, consumed
		}
		if valid[offCRC] != crc8(valid[:offCRC]) {
			consumed++
			continue
		}
		bodyLen := binary.BigEndian.Uint32(valid[offBodyLen:])
		if bodyLen > MaxBodyLength {
			consumed += HeaderLength
			continue
		}
		frameLen := HeaderLength + int(bodyLen)
		if len(valid) < frameLen {
			return nil, consumed
		}
		cmd := binary.BigEndian.Uint32(valid[offCmd:])
		seq := binary.BigEndian.Uint32(valid[offSeq:])
		isPush := valid[offIsPush] == 1
		raw := make([]byte, frameLen)
		copy(raw, valid[:frameLen])
		consumed += frameLen
		return &Packet{
			Cmd:    cmd,
			Seq:    seq,
			IsPush: isPush,
			Body:   raw[HeaderLength:],
			raw:    raw,
		}, consumed
	}
}

var crc8Table = [256]byte{
	0x00, 0x5e, 0xbc, 0xe2, 0x61, 0x3f, 0xdd, 0x83, 0xc2, 0x9c, 0x7e, 0x20, 0xa3, 0xfd, 0x1f, 0x41,
	0x9d, 0xc3, 0x21, 0x7f, 0xfc, 0xa2, 0x40, 0x1e, 0x5f, 0x01, 0xe3, 0xbd, 0x3e, 0x60, 0x82, 0xdc,
	0x23, 0x7d, 0x9f, 0xc1, 0x42, 0x1c, 0xfe, 0xa0, 0xe1, 0xbf, 0x5d, 0x03, 0x80, 0xde, 0x3c, 0x62,
	0xbe, 0xe0, 0x02, 0x5c, 0xdf, 0x81, 0x63, 0x3d, 0x7c, 0x22, 0xc0, 0x9e, 0x1d, 0x43, 0xa1, 0xff,
	0x46, 0x18, 0xfa, 0xa4, 0x27, 0x79, 0x9b, 0xc5, 0x84, 0xda, 0x38, 0x66, 0xe5, 0xbb, 0x59, 0x07,
	0xdb, 0x85, 0x67, 0x39, 0xba, 0xe4, 0x06, 0x58, 0x19, 0x47, 0xa5, 0xfb, 0x78, 0x26, 0xc4, 0x9a,
	0x65, 0x3b, 0xd9, 0x87, 0x04, 0x5a, 0xb8, 0xe6, 0xa7, 0xf9, 0x1b, 0x45, 0xc6, 0x98, 0x7a, 0x24,
	0xf8, 0xa6, 0x44, 0x1a, 0x99, 0xc7, 0x25, 0x7b, 0x3a, 0x64, 0x86, 0xd8, 0x5b, 0x05, 0xe7, 0xb9,
	0x8c, 0xd2, 0x30, 0x6e, 0xed, 0xb3, 0x51, 0x0f, 0x4e, 0x10, 0xf2, 0xac, 0x2f, 0x71, 0x93, 0xcd,
	0x11, 0x4f, 0xad, 0xf3, 0x70, 0x2e, 0xcc, 0x92, 0xd3, 0x8d, 0x6f, 0x31, 0xb2, 0xec, 0x0e, 0x50,
	0xaf, 0xf1, 0x13, 0x4d, 0xce, 0x90, 0x72, 0x2c, 0x6d, 0x33, 0xd1, 0x8f, 0x0c, 0x52, 0xb0, 0xee,
	0x32, 0x6c, 0x8e, 0xd0, 0x53, 0x0d, 0xef, 0xb1, 0xf0, 0xae, 0x4c, 0x12, 0x91, 0xcf, 0x2d, 0x73,
	0xca, 0x94, 0x76, 0x28, 0xab, 0xf5, 0x17, 0x49, 0x08, 0x56, 0xb4, 0xea, 0x69, 0x37, 0xd5, 0x8b,
	0x57, 0x09, 0xeb, 0xb5, 0x36, 0x68, 0x8a, 0xd4, 0x95, 0xcb, 0x29, 0x77, 0xf4, 0xaa, 0x48, 0x16,
	0xe9, 0xb7, 0x55, 0x0b, 0x88, 0xd6, 0x34, 0x6a, 0x2b, 0x75, 0x97, 0xc9, 0x4a, 0x14, 0xf6, 0xa8,
	0x74, 0x2a, 0xc8, 0x96, 0x15, 0x4b, 0xa9, 0xf7, 0xb6, 0xe8, 0x0a, 0x54, 0xd7, 0x89, 0x6b, 0x35,
}

func crc8(data []byte) byte {
	v := crcInit
	for _, b := range data {
		v = crc8Table[v^b]
	}
	return v
}

// HeartbeatCmd is the reserved command id carried by client heartbeats;
// applications must not register a handler for it.
const HeartbeatCmd uint32 = 0

// BuildHeartbeat builds a client liveness frame: cmd=0, is_push=1, empty body.
func BuildHeartbeat(seq uint32) (*Packet, error) {
	return Build(HeartbeatCmd, seq, true, nil)
}

// BuildAck builds the empty-body push acknowledgement echoing a received
// notification's (cmd, seq).
func BuildAck(cmd, seq uint32) (*Packet, error) {
	return Build(cmd, seq, true, nil)
}
