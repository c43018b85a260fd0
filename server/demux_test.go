package server

import (
	"net"
	"testing"
	"time"

	"rudp/eventloop"
	"rudp/netio"
	"rudp/protocol"
)

func TestAddrKeyDistinguishesPortsInSurrogateRange(t *testing.T) {
	// Ports 0xD800-0xDFFF sit in the UTF-16 surrogate range; naively
	// building the key via string(rune(port)) collapses every one of
	// them to the replacement character and collides.
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0xD800}
	b := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0xD801}
	if addrKey(a) == addrKey(b) {
		t.Fatalf("addrKey collided for distinct surrogate-range ports: %q", addrKey(a))
	}
}

func TestAddrKeyDistinguishesAddressFamily(t *testing.T) {
	v4 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	v6 := &net.UDPAddr{IP: net.IPv6loopback, Port: 9000}
	if addrKey(v4) == addrKey(v6) {
		t.Fatal("addrKey must distinguish IPv4 from IPv6 addresses")
	}
}

func loopbackEndpoint(t *testing.T) *netio.UDPEndpoint {
	t.Helper()
	ep, err := netio.ListenUDP(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return ep
}

func TestDemuxAcceptsHandshakeFromUnknownSource(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	srv := loopbackEndpoint(t)
	defer srv.Close()
	newPeer := make(chan *protocol.Peer, 1)
	d := New(srv, loop, nil, nil, Callbacks{PeerNew: func(p *protocol.Peer) { newPeer <- p }}, nil)
	go d.Serve()

	cli, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer cli.Close()

	req := protocol.Encode(protocol.Packet{
		Header:  protocol.Header{Command: protocol.CmdConnReq, Flags: protocol.FlagReliable, Reliable: 1},
		Payload: protocol.ConnReqPayload(),
	})
	if _, err := cli.WriteToUDP(req, srv.LocalAddr()); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	select {
	case p := <-newPeer:
		if p.State != protocol.StateRun {
			t.Fatalf("state = %v, want RUN", p.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PeerNew")
	}
}

func TestDemuxDiscardsNonHandshakeFromUnknownSource(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	srv := loopbackEndpoint(t)
	defer srv.Close()
	newPeer := make(chan *protocol.Peer, 1)
	d := New(srv, loop, nil, nil, Callbacks{PeerNew: func(p *protocol.Peer) { newPeer <- p }}, nil)
	go d.Serve()

	cli, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer cli.Close()

	stray := protocol.Encode(protocol.Packet{Header: protocol.Header{Command: protocol.CmdAppBase + 1}})
	if _, err := cli.WriteToUDP(stray, srv.LocalAddr()); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	select {
	case p := <-newPeer:
		t.Fatalf("non-handshake datagram from an unknown address must not create a peer, got %v", p)
	case <-time.After(200 * time.Millisecond):
	}
}
