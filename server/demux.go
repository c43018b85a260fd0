// Package server implements the server-side demultiplexer: it
// recognizes new-peer handshakes and routes inbound datagrams to the
// correct peer engine, keyed by source address.
package server

import (
	"net"
	"strconv"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"rudp/eventloop"
	"rudp/netio"
	"rudp/pkg/metrics"
	"rudp/protocol"
)

// Callbacks is the server-side application callback surface: peer_new,
// peer_dropped, handle_packet. link_info is not a push callback here —
// see protocol.Peer.LinkInfo for the pull equivalent, and pkg/metrics
// for the Prometheus-backed variant.
type Callbacks struct {
	PeerNew      func(p *protocol.Peer)
	PeerDropped  func(p *protocol.Peer)
	HandlePacket func(p *protocol.Peer, subCmd byte, data []byte)
}

// Demux maps inbound datagrams by source address to an existing peer
// engine, or to a freshly constructed one on handshake. It is single-
// threaded: every method below except Serve, and every protocol.Handlers
// callback it receives, runs on the eventloop.Loop goroutine it was built
// with, so no internal locking is needed.
type Demux struct {
	endpoint  *netio.UDPEndpoint
	loop      *eventloop.Loop
	clock     protocol.Clock
	log       logrus.FieldLogger
	cb        Callbacks
	collector *metrics.PeerCollector

	peers  map[string]*protocol.Peer
	timers map[string]*eventloop.Timer
}

// New builds a Demux bound to ep, dispatching through loop. collector
// may be nil if Prometheus metrics are not wanted.
func New(ep *netio.UDPEndpoint, loop *eventloop.Loop, clock protocol.Clock, log logrus.FieldLogger, cb Callbacks, collector *metrics.PeerCollector) *Demux {
	if clock == nil {
		clock = protocol.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Demux{
		endpoint:  ep,
		loop:      loop,
		clock:     clock,
		log:       log,
		cb:        cb,
		collector: collector,
		peers:     make(map[string]*protocol.Peer),
		timers:    make(map[string]*eventloop.Timer),
	}
}

// Serve reads datagrams until the endpoint is closed. Call it in its
// own goroutine; every datagram it reads is handed to the Demux's
// single dispatch loop before this method's caller sees it again.
func (d *Demux) Serve() {
	d.endpoint.Serve(d.loop, d.handleDatagram)
}

// Peers returns a snapshot of the currently associated peers, for
// ambient uses like broadcasting to every connected remote.
func (d *Demux) Peers() []*protocol.Peer {
	out := make([]*protocol.Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// Close tears down every peer and stops accepting new ones. It must be
// called from the loop goroutine (e.g. via loop.Post) to respect the
// single-threaded discipline.
func (d *Demux) Close() {
	for _, p := range d.Peers() {
		p.Close()
	}
	_ = d.endpoint.Close()
}

func (d *Demux) handleDatagram(src *net.UDPAddr, data []byte) {
	key := addrKey(src)
	if p, ok := d.peers[key]; ok {
		p.HandleInbound(data)
		if p.State != protocol.StateDead {
			d.rescheduleTimer(key, p)
		}
		return
	}

	pkt, err := protocol.Decode(data)
	if err != nil || pkt.Header.Command != protocol.CmdConnReq {
		d.log.WithField("addr", src.String()).Warn("discarding non-handshake datagram from unknown peer")
		return
	}

	id := xid.New().String()
	p := protocol.NewServerPeer(src, d.endpoint, d.clock, d, d.log.WithField("id", id))
	p.ID = id
	d.peers[key] = p
	p.HandleInbound(data)
	if p.State != protocol.StateDead {
		d.rescheduleTimer(key, p)
	}
}

func (d *Demux) rescheduleTimer(key string, p *protocol.Peer) {
	now := d.clock.NowMillis()
	wake := p.NextWake(now)
	fire := func() { d.serviceTimer(key, p) }
	if old, ok := d.timers[key]; ok {
		d.timers[key] = old.Reset(now, wake, fire)
	} else {
		d.timers[key] = d.loop.AfterAbsolute(now, wake, fire)
	}
}

func (d *Demux) serviceTimer(key string, p *protocol.Peer) {
	p.Service(d.clock.NowMillis())
	if p.State != protocol.StateDead {
		d.rescheduleTimer(key, p)
	}
}

// OnEstablished implements protocol.Handlers.
func (d *Demux) OnEstablished(p *protocol.Peer) {
	if d.collector != nil {
		d.collector.Add(p.ID, p)
	}
	if d.cb.PeerNew != nil {
		d.cb.PeerNew(p)
	}
}

// OnDropped implements protocol.Handlers.
func (d *Demux) OnDropped(p *protocol.Peer) {
	key := addrKey(p.Remote)
	delete(d.peers, key)
	if t, ok := d.timers[key]; ok {
		t.Cancel()
		delete(d.timers, key)
	}
	if d.collector != nil {
		d.collector.Remove(p.ID)
	}
	if d.cb.PeerDropped != nil {
		d.cb.PeerDropped(p)
	}
}

// OnApp implements protocol.Handlers.
func (d *Demux) OnApp(p *protocol.Peer, subCmd byte, data []byte) {
	if d.cb.HandlePacket != nil {
		d.cb.HandlePacket(p, subCmd, data)
	}
}

// addrKey builds a family-aware comparison key: IPv4 compares family,
// port, and the 4-byte address; IPv6 compares family, port, and the
// 16-byte address. Scope/zone is not considered.
func addrKey(a *net.UDPAddr) string {
	port := strconv.Itoa(a.Port)
	if ip4 := a.IP.To4(); ip4 != nil {
		return "4:" + port + ":" + string(ip4)
	}
	ip16 := a.IP.To16()
	return "6:" + port + ":" + string(ip16)
}
