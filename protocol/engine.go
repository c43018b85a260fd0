package protocol

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Protocol timing constants.
const (
	ActionTimeoutMs int64 = 5000
	DropTimeoutMs   int64 = 10000
	MaxRTOMs        int64 = 3000
)

// State is the peer association's lifecycle state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateRun
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateRun:
		return "RUN"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Role distinguishes which side of the handshake a Peer plays. Rather
// than recovering the owning server/client via an intrusive
// container-of trick, the peer carries this tag plus a Handlers
// back-reference established at construction.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Endpoint is the egress collaborator: something that can hand a raw
// datagram to a remote address. Socket I/O is not this engine's
// concern; this is the seam it sends through.
type Endpoint interface {
	SendTo(addr *net.UDPAddr, b []byte) (int, error)
}

// Handlers is the owner back-reference: a server demux or a client
// shell implements this to receive the engine's upward events. The
// engine is agnostic to which.
type Handlers interface {
	// OnEstablished fires exactly once when the peer first reaches RUN.
	OnEstablished(p *Peer)
	// OnDropped fires exactly once when the peer transitions to DEAD.
	OnDropped(p *Peer)
	// OnApp delivers one application payload.
	OnApp(p *Peer, subCmd byte, data []byte)
}

// Peer is the per-association protocol engine: the state machine,
// sequence counters, RTT/RTO estimators, send queue, and dispatch logic.
// It is single-threaded and cooperative: callers must serialize
// HandleInbound/Service/EnqueueApp/Close per peer.
type Peer struct {
	Remote *net.UDPAddr
	Role   Role
	State  State

	// mu guards every field LinkInfo reads. LinkInfo is called off the
	// owning loop goroutine, from whatever goroutine serves /metrics,
	// and client.Shell calls EnqueueApp and Close from its caller's
	// goroutine. All other exported methods below take mu too, so
	// LinkInfo never observes a torn update; unexported helpers stay
	// unlocked and must only be called from inside an already-locked
	// exported method.
	mu sync.Mutex

	inRel   uint16
	inUnrel uint16

	outRel   uint16
	outUnrel uint16
	outAcked uint16

	srtt   int64
	rttvar int64
	rto    int64

	lastOutTime   int64
	dropDeadline  int64
	mustAck       bool
	sendtoErr     error
	established   bool
	pingOutstanding bool

	queue SendQueue

	endpoint Endpoint
	clock    Clock
	handlers Handlers
	log      logrus.FieldLogger

	// ID is an opaque correlation id (e.g. an xid.ID.String()) attached
	// by the owner for logging/metrics. The engine never interprets it.
	ID string
}

// NewServerPeer constructs a peer in state NEW, as done by the server
// demux upon receiving a CONN_REQ from an unknown address.
func NewServerPeer(remote *net.UDPAddr, ep Endpoint, clock Clock, h Handlers, log logrus.FieldLogger) *Peer {
	return newPeer(RoleServer, StateNew, remote, ep, clock, h, log)
}

// NewClientPeer constructs a peer in state CONNECTING and immediately
// enqueues a reliable CONN_REQ, as the client shell's connect() does.
func NewClientPeer(remote *net.UDPAddr, ep Endpoint, clock Clock, h Handlers, log logrus.FieldLogger) *Peer {
	p := newPeer(RoleClient, StateConnecting, remote, ep, clock, h, log)
	p.queue.Push(Entry{
		Header: Header{
			Command:  CmdConnReq,
			Flags:    FlagReliable,
			Reliable: p.nextOutRel(),
		},
		Payload: ConnReqPayload(),
	})
	return p
}

func newPeer(role Role, state State, remote *net.UDPAddr, ep Endpoint, clock Clock, h Handlers, log logrus.FieldLogger) *Peer {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := clock.NowMillis()
	return &Peer{
		Remote:       remote,
		Role:         role,
		State:        state,
		srtt:         100,
		rttvar:       50,
		rto:          MaxRTOMs,
		lastOutTime:  now,
		dropDeadline: now + DropTimeoutMs,
		endpoint:     ep,
		clock:        clock,
		handlers:     h,
		log:          log,
	}
}

// nextOutRel increments out_rel and, per the invariant that a reliable
// epoch resets unreliable sequencing, resets out_unrel to zero.
func (p *Peer) nextOutRel() uint16 {
	p.outRel++
	p.outUnrel = 0
	return p.outRel
}

// LinkInfo returns a read-only snapshot of the peer's current state.
// It takes the lock, so it is safe to call off the owning
// eventloop.Loop goroutine (e.g. from a Prometheus collector).
func (p *Peer) LinkInfo() LinkInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return LinkInfo{
		State:        p.State,
		InReliable:   p.inRel,
		InUnreliable: p.inUnrel,
		OutReliable:  p.outRel,
		OutUnrel:     p.outUnrel,
		OutAcked:     p.outAcked,
		SRTT:         p.srtt,
		RTTVar:       p.rttvar,
		RTO:          p.rto,
		QueueDepth:   p.queue.Len(),
	}
}

func (p *Peer) fields() logrus.Fields {
	return logrus.Fields{"peer": p.Remote.String(), "id": p.ID, "state": p.State.String()}
}

// EnqueueApp enqueues an application payload for transmission. subCmd
// must fit in the APP command range.
func (p *Peer) EnqueueApp(subCmd byte, payload []byte, reliable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State == StateDead {
		return ErrPeerDead
	}
	if int(CmdAppBase)+int(subCmd) > 0xFF {
		return fmt.Errorf("%w: sub-command %d out of range", ErrInvalidArgument, subCmd)
	}
	cmd := CmdAppBase + Command(subCmd)
	if reliable {
		p.queue.Push(Entry{
			Header: Header{
				Command:  cmd,
				Flags:    FlagReliable,
				Reliable: p.nextOutRel(),
			},
			Payload: payload,
		})
	} else {
		p.outUnrel++
		p.queue.Push(Entry{
			Header: Header{
				Command:    cmd,
				Reliable:   p.outRel,
				Unreliable: p.outUnrel,
			},
			Payload: payload,
		})
	}
	if p.sendtoErr != nil {
		err := p.sendtoErr
		p.sendtoErr = nil
		return err
	}
	return nil
}

// Close emits a single best-effort CLOSE datagram bypassing the send
// queue, then tears the peer down locally without waiting for an ack.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State == StateDead {
		return
	}
	p.outUnrel++
	h := Header{
		Command:    CmdClose,
		Reliable:   p.outRel,
		Unreliable: p.outUnrel,
	}
	_, _ = p.endpoint.SendTo(p.Remote, Encode(Packet{Header: h}))
	p.die()
}

func (p *Peer) die() {
	if p.State == StateDead {
		return
	}
	p.State = StateDead
	p.log.WithFields(p.fields()).Info("peer dropped")
	if p.handlers != nil {
		p.handlers.OnDropped(p)
	}
}

// classification is the result of inbound sequencing.
type classification int

const (
	classSequenced classification = iota
	classRetransmitted
	classUnsequenced
)

// HandleInbound decodes and dispatches one received datagram. Decode
// and sequencing failures are logged at WARN and swallowed; they never
// return an error to the caller, matching the error handling policy.
func (p *Peer) HandleInbound(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State == StateDead {
		return
	}
	pkt, err := Decode(data)
	if err != nil {
		p.log.WithFields(p.fields()).WithError(err).Warn("dropping malformed packet")
		return
	}

	if pkt.Header.Flags.Has(FlagAck) {
		if !p.processAck(pkt.Header.ReliableAck) {
			p.log.WithFields(p.fields()).Warn("rejecting packet with invalid ack")
			return
		}
	}

	switch {
	case p.State == StateNew && pkt.Header.Command == CmdConnReq:
		p.handleConnReq(pkt)
		return
	case p.State == StateConnecting && pkt.Header.Command == CmdConnRsp:
		p.handleConnRsp(pkt)
		return
	}

	if p.State == StateNew || p.State == StateConnecting {
		p.log.WithFields(p.fields()).Warn("dropping non-handshake packet before RUN")
		return
	}

	class, isReliable := p.classify(pkt)
	switch class {
	case classSequenced:
		p.refreshDeadline()
		p.dispatch(pkt)
		// A reliable SEQUENCED packet may have just set mustAck with
		// nothing otherwise queued to carry it (the common lone-message,
		// no-app-reply case). Enqueue the carrier synchronously, rather
		// than waiting for the next Service call: the caller recomputes
		// its wake time from the queue immediately after HandleInbound
		// returns, and an empty queue at that point would delay the ack
		// up to ActionTimeoutMs instead of sending it right away.
		if isReliable {
			p.ensureAckCarrier()
		}
	case classRetransmitted:
		p.refreshDeadline()
		if isReliable {
			p.mustAck = true
			p.ensureAckCarrier()
		}
	case classUnsequenced:
		p.log.WithFields(p.fields()).Warn("dropping unsequenced packet")
	}
}

// classify applies the SEQUENCED/RETRANSMITTED/UNSEQUENCED rules and,
// for reliable SEQUENCED/RETRANSMITTED packets, advances in_rel/in_unrel
// and schedules an ACK (must_ack).
func (p *Peer) classify(pkt Packet) (classification, bool) {
	reliable := pkt.Header.Flags.Has(FlagReliable)
	if reliable {
		switch {
		case pkt.Header.Reliable == p.inRel:
			p.mustAck = true
			return classRetransmitted, true
		case pkt.Header.Reliable == p.inRel+1:
			p.inRel = pkt.Header.Reliable
			p.inUnrel = 0
			p.mustAck = true
			return classSequenced, true
		default:
			return classUnsequenced, true
		}
	}
	if pkt.Header.Reliable != p.inRel {
		return classUnsequenced, false
	}
	if seqDelta(pkt.Header.Unreliable, p.inUnrel) <= 0 {
		return classUnsequenced, false
	}
	p.inUnrel = pkt.Header.Unreliable
	return classSequenced, false
}

func (p *Peer) ensureAckCarrier() {
	if p.mustAck && p.queue.Empty() {
		p.queue.Push(Entry{Header: Header{Command: CmdNoop, Reliable: p.outRel, Unreliable: p.outUnrel}})
	}
}

func (p *Peer) refreshDeadline() {
	p.dropDeadline = p.clock.NowMillis() + DropTimeoutMs
}

// processAck folds an inbound ack into out_acked and drops acked queue
// entries. Returns false if the whole inbound packet must be rejected
// as INVALID_ACK (the ack claims a sequence beyond anything sent).
func (p *Peer) processAck(ack uint16) bool {
	ackDelta := seqDelta(ack, p.outAcked)
	advDelta := seqDelta(ack, p.outRel)
	if ackDelta < 0 {
		return true // stale ack, ignored, packet otherwise still processed
	}
	if advDelta > 0 {
		return false
	}
	p.outAcked = ack
	p.queue.DropAcked(ack)
	return true
}

func (p *Peer) handleConnReq(pkt Packet) {
	p.inRel = pkt.Header.Reliable
	p.mustAck = true
	p.queue.Push(Entry{
		Header:  Header{Command: CmdConnRsp, Reliable: p.outRel, Unreliable: p.nextOutUnrel()},
		Payload: EncodeConnRsp(true),
	})
	p.transitionRun()
}

func (p *Peer) handleConnRsp(pkt Packet) {
	p.inRel = pkt.Header.Reliable
	if !DecodeConnRsp(pkt.Payload) {
		p.die()
		return
	}
	p.transitionRun()
}

func (p *Peer) nextOutUnrel() uint16 {
	p.outUnrel++
	return p.outUnrel
}

func (p *Peer) transitionRun() {
	if p.State == StateRun {
		return
	}
	p.State = StateRun
	p.log.WithFields(p.fields()).Info("peer established")
	p.refreshDeadline()
	if !p.established {
		p.established = true
		if p.handlers != nil {
			p.handlers.OnEstablished(p)
		}
	}
}

// dispatch handles a SEQUENCED data-bearing packet's command.
func (p *Peer) dispatch(pkt Packet) {
	switch pkt.Header.Command {
	case CmdPing:
		p.handlePing(pkt)
	case CmdPong:
		p.handlePong(pkt)
	case CmdClose:
		p.die()
	case CmdNoop:
	default:
		if pkt.Header.Command.IsApp() && p.handlers != nil {
			p.handlers.OnApp(p, pkt.Header.Command.SubCommand(), pkt.Payload)
		}
	}
}

// handlePing echoes PONG unless the inbound PING itself was a
// retransmission, in which case only the ACK is scheduled (already done
// by classify) and no PONG is sent, to avoid skewing the RTT sample.
func (p *Peer) handlePing(pkt Packet) {
	if pkt.Header.Flags.Has(FlagRetransmitted) {
		return
	}
	p.outUnrel++
	p.queue.Push(Entry{
		Header:  Header{Command: CmdPong, Reliable: p.outRel, Unreliable: p.outUnrel},
		Payload: append([]byte(nil), pkt.Payload...),
	})
}

// handlePong updates the RTT/RTTVAR/RTO estimators, but only once per
// outstanding PING. serviceQueue clears pingOutstanding the moment a
// PING is retransmitted, so a PONG answering a retransmitted PING never
// produces a (Karn's-algorithm-violating) ambiguous sample.
func (p *Peer) handlePong(pkt Packet) {
	if !p.pingOutstanding {
		return
	}
	p.pingOutstanding = false
	rtt := p.clock.NowMillis() - DecodePingTimestamp(pkt.Payload)
	if rtt < 0 {
		rtt = 0
	}
	diff := p.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	p.rttvar = (3*p.rttvar + diff) / 4
	p.srtt = (7*p.srtt + rtt) / 8
	p.rto = p.srtt
	if p.rto > MaxRTOMs {
		p.rto = MaxRTOMs
	}
}

// NextWake computes the absolute millisecond timestamp at which
// Service should next be invoked, clipped by drop_deadline with a 1ms
// minimum forward-progress guarantee.
func (p *Peer) NextWake(now int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	wake := now + ActionTimeoutMs
	if head, ok := p.queue.Head(); ok {
		if head.retransmitted() {
			wake = p.lastOutTime + p.rto
		} else {
			wake = now
		}
	}
	if wake < now+1 {
		wake = now + 1
	}
	if p.dropDeadline < wake {
		wake = p.dropDeadline
	}
	return wake
}

// Service runs one service cycle: liveness check, idle keep-alive, and
// a single retransmit-or-send walk over the queue.
func (p *Peer) Service(now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State == StateDead {
		return
	}
	if now > p.dropDeadline {
		p.die()
		return
	}
	if p.queue.Empty() && now-p.lastOutTime > ActionTimeoutMs {
		p.outRel++
		p.outUnrel = 0
		p.pingOutstanding = true
		p.queue.Push(Entry{
			Header:  Header{Command: CmdPing, Flags: FlagReliable, Reliable: p.outRel},
			Payload: EncodePingTimestamp(now),
		})
	}
	p.ensureAckCarrier()
	p.serviceQueue(now)
}

// serviceQueue walks the queue from head to tail, transmitting each
// entry. Unreliable entries are removed after transmit and the walk
// continues; a first-time reliable transmission is flagged
// RETRANSMITTED and the walk continues; a reliable entry that was
// already RETRANSMITTED is a second-or-later attempt, which doubles
// rto and stops the walk — one retransmit per service cycle.
func (p *Peer) serviceQueue(now int64) {
	i := 0
	for i < len(p.queue.entries) {
		e := &p.queue.entries[i]
		h := e.Header
		if p.mustAck {
			h.ReliableAck = p.inRel
			h.Flags |= FlagAck
		}
		wasRetransmitted := e.retransmitted()
		cmd := e.Header.Command
		_, err := p.endpoint.SendTo(p.Remote, Encode(Packet{Header: h, Payload: e.Payload}))
		if err != nil {
			p.sendtoErr = err
		}
		p.lastOutTime = now

		if !e.reliable() {
			p.queue.entries = append(p.queue.entries[:i], p.queue.entries[i+1:]...)
			continue
		}
		if wasRetransmitted {
			if cmd == CmdPing {
				p.pingOutstanding = false
			}
			p.rto *= 2
			if p.rto > MaxRTOMs {
				p.rto = MaxRTOMs
			}
			return
		}
		e.Header.Flags |= FlagRetransmitted
		i++
	}
}
