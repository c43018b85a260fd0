package client

import (
	"net"
	"testing"
	"time"

	"rudp/eventloop"
	"rudp/protocol"
)

func rawServerSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return conn
}

func recvPacket(t *testing.T, conn *net.UDPConn, timeout time.Duration) (protocol.Packet, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	pkt, err := protocol.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return pkt, addr
}

func TestConnectCompletesHandshakeAndFiresConnected(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	srv := rawServerSocket(t)
	defer srv.Close()

	connected := make(chan struct{}, 1)
	shell := New(loop, nil, nil, Callbacks{Connected: func() { connected <- struct{}{} }}, nil)
	t.Cleanup(shell.Close)

	if err := shell.Connect(srv.LocalAddr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req, cliAddr := recvPacket(t, srv, 2*time.Second)
	if req.Header.Command != protocol.CmdConnReq {
		t.Fatalf("expected CONN_REQ, got command %#x", req.Header.Command)
	}

	rsp := protocol.Encode(protocol.Packet{
		Header:  protocol.Header{Command: protocol.CmdConnRsp, Flags: protocol.FlagReliable, Reliable: 1},
		Payload: protocol.EncodeConnRsp(true),
	})
	if _, err := srv.WriteToUDP(rsp, cliAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected callback")
	}

	if info, ok := shell.LinkInfo(); !ok || info.State != protocol.StateRun {
		t.Fatalf("LinkInfo = %+v, ok=%v, want RUN", info, ok)
	}
}

func TestServerCloseFiresServerLostAndUnbindsShell(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	srv := rawServerSocket(t)
	defer srv.Close()

	connected := make(chan struct{}, 1)
	serverLost := make(chan struct{}, 1)
	shell := New(loop, nil, nil, Callbacks{
		Connected:  func() { connected <- struct{}{} },
		ServerLost: func() { serverLost <- struct{}{} },
	}, nil)

	if err := shell.Connect(srv.LocalAddr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, cliAddr := recvPacket(t, srv, 2*time.Second)
	rsp := protocol.Encode(protocol.Packet{
		Header:  protocol.Header{Command: protocol.CmdConnRsp, Flags: protocol.FlagReliable, Reliable: 1},
		Payload: protocol.EncodeConnRsp(true),
	})
	srv.WriteToUDP(rsp, cliAddr)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected callback")
	}

	closePkt := protocol.Encode(protocol.Packet{Header: protocol.Header{Command: protocol.CmdClose, Reliable: 1, Unreliable: 1}})
	if _, err := srv.WriteToUDP(closePkt, cliAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	select {
	case <-serverLost:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ServerLost callback")
	}

	if _, ok := shell.LinkInfo(); ok {
		t.Fatal("shell must be unbound after the peer is dropped")
	}
	if err := shell.Send(1, []byte("x"), true); err != protocol.ErrNotConnected {
		t.Fatalf("Send on unbound shell = %v, want ErrNotConnected", err)
	}
}
