// Package netio is a thin UDP socket wrapper: bind/send/recv for a
// single endpoint. Every read is funneled through a single
// eventloop.Loop goroutine instead of one goroutine per inbound
// datagram, so the protocol engine never sees a timer callback and a
// datagram callback interleave.
package netio

import (
	"net"

	"rudp/eventloop"
)

const defaultRecvBufferSize = 2048

// UDPEndpoint implements protocol.Endpoint over a bound *net.UDPConn.
type UDPEndpoint struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP endpoint. Passing port 0 binds an ephemeral
// port, as the client shell does.
func ListenUDP(laddr *net.UDPAddr) (*UDPEndpoint, error) {
	conn, err := net.ListenUDP(udpNetwork(laddr), laddr)
	if err != nil {
		return nil, err
	}
	return &UDPEndpoint{conn: conn}, nil
}

func udpNetwork(addr *net.UDPAddr) string {
	if addr != nil && addr.IP != nil && addr.IP.To4() == nil {
		return "udp6"
	}
	return "udp4"
}

// SendTo implements protocol.Endpoint.
func (e *UDPEndpoint) SendTo(addr *net.UDPAddr, b []byte) (int, error) {
	return e.conn.WriteToUDP(b, addr)
}

// LocalAddr returns the endpoint's bound local address.
func (e *UDPEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying socket.
func (e *UDPEndpoint) Close() error {
	return e.conn.Close()
}

// Handler processes one inbound (source address, datagram) pair.
type Handler func(src *net.UDPAddr, data []byte)

// Serve reads datagrams in a dedicated goroutine and posts each one to
// loop, so the handler always runs serialized with the loop's timer
// callbacks. Serve returns once the first read error occurs (typically
// because Close was called); it does not return an error itself since
// socket teardown during shutdown is expected, not exceptional.
func (e *UDPEndpoint) Serve(loop *eventloop.Loop, handle Handler) {
	buf := make([]byte, defaultRecvBufferSize)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		loop.Post(func() {
			handle(src, data)
		})
	}
}
