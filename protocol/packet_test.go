package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{
		Header: Header{
			Command:     CmdAppBase + 7,
			Flags:       FlagReliable | FlagAck,
			ReliableAck: 42,
			Reliable:    100,
			Unreliable:  3,
		},
		Payload: []byte("hello"),
	}
	wire := Encode(p)
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header != p.Header {
		t.Errorf("header round-trip mismatch: got %+v, want %+v", got.Header, p.Header)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("payload round-trip mismatch: got %q, want %q", got.Payload, p.Payload)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Decode of short buffer: got %v, want ErrMalformedPacket", err)
	}
}

func TestDecodeRejectsShortTypedPayload(t *testing.T) {
	h := Header{Command: CmdPing}
	buf := make([]byte, HeaderSize+3)
	h.encode(buf)
	_, err := Decode(buf)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Decode of undersized PING payload: got %v, want ErrMalformedPacket", err)
	}
}

func TestDecodeAcceptsEmptyAppPayload(t *testing.T) {
	h := Header{Command: CmdAppBase + 1}
	buf := make([]byte, HeaderSize)
	h.encode(buf)
	pkt, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pkt.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(pkt.Payload))
	}
}

func TestConnRspAcceptedRoundTrip(t *testing.T) {
	if !DecodeConnRsp(EncodeConnRsp(true)) {
		t.Error("accepted=true did not round-trip")
	}
	if DecodeConnRsp(EncodeConnRsp(false)) {
		t.Error("accepted=false did not round-trip")
	}
}

func TestPingTimestampRoundTrip(t *testing.T) {
	const ms int64 = 1234567890123
	if got := DecodePingTimestamp(EncodePingTimestamp(ms)); got != ms {
		t.Errorf("got %d, want %d", got, ms)
	}
}

func TestCommandSubCommand(t *testing.T) {
	c := CmdAppBase + 5
	if !c.IsApp() {
		t.Error("expected IsApp() true")
	}
	if c.SubCommand() != 5 {
		t.Errorf("got sub-command %d, want 5", c.SubCommand())
	}
	if CmdPing.IsApp() {
		t.Error("CmdPing must not be classified as an application command")
	}
}
