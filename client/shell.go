// Package client is a single-peer client: it holds exactly one peer
// engine plus one endpoint, drives connect/close, and binds an
// ephemeral local endpoint in the target's address family.
package client

import (
	"fmt"
	"net"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"rudp/eventloop"
	"rudp/netio"
	"rudp/pkg/metrics"
	"rudp/protocol"
)

// Callbacks is the client-side application callback surface.
type Callbacks struct {
	Connected    func()
	ServerLost   func()
	HandlePacket func(subCmd byte, data []byte)
}

// Shell is a single-peer client. Its inbound handler forwards every
// datagram it receives to its peer without comparing source addresses —
// a man-in-the-middle from any source is accepted, matching typical
// UDP client practice.
type Shell struct {
	loop      *eventloop.Loop
	clock     protocol.Clock
	log       logrus.FieldLogger
	cb        Callbacks
	collector *metrics.PeerCollector

	endpoint *netio.UDPEndpoint
	peer     *protocol.Peer
	timer    *eventloop.Timer
}

// New builds a Shell dispatching through loop. collector may be nil.
func New(loop *eventloop.Loop, clock protocol.Clock, log logrus.FieldLogger, cb Callbacks, collector *metrics.PeerCollector) *Shell {
	if clock == nil {
		clock = protocol.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Shell{loop: loop, clock: clock, log: log, cb: cb, collector: collector}
}

// Connect resolves target, binds an ephemeral local endpoint in the
// matching address family, constructs the peer in state CONNECTING
// (which immediately enqueues a reliable CONN_REQ), and starts the
// endpoint's read loop. Connected fires exactly once, when the peer
// reaches RUN.
func (s *Shell) Connect(target string) error {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrAddressUnavailable, err)
	}
	ep, err := netio.ListenUDP(ephemeralAddr(raddr))
	if err != nil {
		return err
	}

	id := xid.New().String()
	peer := protocol.NewClientPeer(raddr, ep, s.clock, s, s.log.WithField("id", id))
	peer.ID = id

	s.endpoint = ep
	s.peer = peer

	go s.endpoint.Serve(s.loop, s.handleDatagram)
	s.loop.Post(s.reschedule)
	return nil
}

func ephemeralAddr(raddr *net.UDPAddr) *net.UDPAddr {
	if raddr.IP.To4() == nil {
		return &net.UDPAddr{IP: net.IPv6zero, Port: 0}
	}
	return &net.UDPAddr{IP: net.IPv4zero, Port: 0}
}

func (s *Shell) handleDatagram(_ *net.UDPAddr, data []byte) {
	if s.peer == nil {
		return
	}
	s.peer.HandleInbound(data)
	if s.peer.State != protocol.StateDead {
		s.reschedule()
	}
}

func (s *Shell) reschedule() {
	if s.peer == nil {
		return
	}
	now := s.clock.NowMillis()
	wake := s.peer.NextWake(now)
	if s.timer != nil {
		s.timer = s.timer.Reset(now, wake, s.serviceTimer)
	} else {
		s.timer = s.loop.AfterAbsolute(now, wake, s.serviceTimer)
	}
}

func (s *Shell) serviceTimer() {
	if s.peer == nil {
		return
	}
	s.peer.Service(s.clock.NowMillis())
	if s.peer.State != protocol.StateDead {
		s.reschedule()
	}
}

// Send enqueues an application payload on the current peer. It returns
// ErrNotConnected if Connect has not yet completed the handshake.
func (s *Shell) Send(subCmd byte, payload []byte, reliable bool) error {
	if s.peer == nil || s.peer.State != protocol.StateRun {
		return protocol.ErrNotConnected
	}
	err := s.peer.EnqueueApp(subCmd, payload, reliable)
	s.loop.Post(s.reschedule)
	return err
}

// Close explicitly tears down the current association, if any, leaving
// the shell unbound and ready for a fresh Connect.
func (s *Shell) Close() {
	if s.peer != nil {
		s.peer.Close()
	}
}

// LinkInfo returns the current peer's snapshot, or false if unbound.
func (s *Shell) LinkInfo() (protocol.LinkInfo, bool) {
	if s.peer == nil {
		return protocol.LinkInfo{}, false
	}
	return s.peer.LinkInfo(), true
}

// OnEstablished implements protocol.Handlers.
func (s *Shell) OnEstablished(p *protocol.Peer) {
	if s.collector != nil {
		s.collector.Add(p.ID, p)
	}
	if s.cb.Connected != nil {
		s.cb.Connected()
	}
}

// OnDropped implements protocol.Handlers: it leaves the shell unbound,
// suitable for a fresh Connect, and fires server_lost.
func (s *Shell) OnDropped(p *protocol.Peer) {
	if s.timer != nil {
		s.timer.Cancel()
		s.timer = nil
	}
	if s.collector != nil {
		s.collector.Remove(p.ID)
	}
	if s.endpoint != nil {
		_ = s.endpoint.Close()
		s.endpoint = nil
	}
	s.peer = nil
	if s.cb.ServerLost != nil {
		s.cb.ServerLost()
	}
}

// OnApp implements protocol.Handlers.
func (s *Shell) OnApp(_ *protocol.Peer, subCmd byte, data []byte) {
	if s.cb.HandlePacket != nil {
		s.cb.HandlePacket(subCmd, data)
	}
}
