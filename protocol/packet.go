package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the purpose of a packet. Application commands
// occupy the range [CmdAppBase, 0xFF]; the application-visible
// sub-command is Command - CmdAppBase.
type Command byte

const (
	CmdNoop    Command = 0x00
	CmdClose   Command = 0x01
	CmdConnReq Command = 0x02
	CmdConnRsp Command = 0x03
	CmdPing    Command = 0x04
	CmdPong    Command = 0x05
	CmdAppBase Command = 0x10
)

// IsApp reports whether the command is an application payload command.
func (c Command) IsApp() bool {
	return c >= CmdAppBase
}

// SubCommand returns the application-visible sub-code. Only valid when
// IsApp() is true.
func (c Command) SubCommand() byte {
	return byte(c - CmdAppBase)
}

// Flags is the header bitfield.
type Flags byte

const (
	FlagReliable      Flags = 1 << 0
	FlagAck           Flags = 1 << 1
	FlagRetransmitted Flags = 1 << 2
)

func (f Flags) Has(bit Flags) bool {
	return f&bit != 0
}

// HeaderSize is the fixed 8-byte header length shared by every packet.
const HeaderSize = 8

// Header is the fixed-layout 8-byte header preceding every packet's
// typed payload, always encoded in network byte order.
type Header struct {
	Command     Command
	Flags       Flags
	ReliableAck uint16 // valid iff Flags.Has(FlagAck)
	Reliable    uint16
	Unreliable  uint16
}

func (h Header) encode(buf []byte) {
	buf[0] = byte(h.Command)
	buf[1] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[2:4], h.ReliableAck)
	binary.BigEndian.PutUint16(buf[4:6], h.Reliable)
	binary.BigEndian.PutUint16(buf[6:8], h.Unreliable)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Command:     Command(buf[0]),
		Flags:       Flags(buf[1]),
		ReliableAck: binary.BigEndian.Uint16(buf[2:4]),
		Reliable:    binary.BigEndian.Uint16(buf[4:6]),
		Unreliable:  binary.BigEndian.Uint16(buf[6:8]),
	}
}

// Packet is a fully decoded datagram: header plus typed payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// minPayloadLen returns the minimum payload length required for cmd.
// Commands without a typed payload (NOOP, CLOSE, APP_* and unknown
// commands) return 0, so any payload length is accepted for them.
func minPayloadLen(cmd Command) int {
	switch {
	case cmd == CmdConnReq:
		return 4
	case cmd == CmdConnRsp:
		return 4
	case cmd == CmdPing, cmd == CmdPong:
		return 8
	case cmd == CmdNoop, cmd == CmdClose:
		return 0
	case cmd.IsApp():
		return 0
	default:
		return 0
	}
}

// Encode serializes the packet to wire bytes: 8-byte header followed by
// the payload verbatim, no padding.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	p.Header.encode(buf)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses wire bytes into a Packet. It performs no semantic
// validation beyond structure: total length must be at least the header
// size and must meet the minimum payload length required by the command.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes shorter than header", ErrMalformedPacket, len(data))
	}
	h := decodeHeader(data)
	payload := data[HeaderSize:]
	if need := minPayloadLen(h.Command); len(payload) < need {
		return Packet{}, fmt.Errorf("%w: command 0x%02x needs %d payload bytes, got %d", ErrMalformedPacket, h.Command, need, len(payload))
	}
	return Packet{Header: h, Payload: payload}, nil
}

// ConnReqPayload is the (currently unused) 4-byte CONN_REQ payload.
func ConnReqPayload() []byte {
	return make([]byte, 4)
}

// EncodeConnRsp builds the 4-byte CONN_RSP payload.
func EncodeConnRsp(accepted bool) []byte {
	buf := make([]byte, 4)
	if accepted {
		binary.BigEndian.PutUint32(buf, 1)
	}
	return buf
}

// DecodeConnRsp reads the accepted flag out of a CONN_RSP payload.
func DecodeConnRsp(payload []byte) bool {
	return binary.BigEndian.Uint32(payload[:4]) != 0
}

// EncodePingTimestamp builds an 8-byte PING/PONG payload carrying a
// millisecond timestamp.
func EncodePingTimestamp(ms int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ms))
	return buf
}

// DecodePingTimestamp reads the millisecond timestamp out of a
// PING/PONG payload.
func DecodePingTimestamp(payload []byte) int64 {
	return int64(binary.BigEndian.Uint64(payload[:8]))
}
