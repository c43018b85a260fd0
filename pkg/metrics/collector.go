// Package metrics exposes a per-peer link snapshot as a Prometheus
// collector, generalized from TCP_INFO-style gauges to the RTT/RTO/
// sequence snapshot the protocol engine tracks in protocol.LinkInfo.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"rudp/protocol"
)

type trackedPeer struct {
	peer *protocol.Peer
	addr string
}

// PeerCollector implements prometheus.Collector over a dynamic set of
// live peers, each identified by the opaque correlation id the owner
// assigned it (see protocol.Peer.ID).
type PeerCollector struct {
	mu    sync.Mutex
	peers map[string]trackedPeer

	srtt       *prometheus.Desc
	rttvar     *prometheus.Desc
	rto        *prometheus.Desc
	queueDepth *prometheus.Desc
	outAcked   *prometheus.Desc
	inReliable *prometheus.Desc
	state      *prometheus.Desc
}

// NewPeerCollector builds a collector whose metric names are prefixed
// with namespace (e.g. "rudp").
func NewPeerCollector(namespace string) *PeerCollector {
	labels := []string{"peer_id", "remote_addr"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, labels, nil)
	}
	return &PeerCollector{
		peers:      make(map[string]trackedPeer),
		srtt:       desc("srtt_milliseconds", "smoothed round-trip time"),
		rttvar:     desc("rttvar_milliseconds", "round-trip time variance"),
		rto:        desc("rto_milliseconds", "current retransmit timeout"),
		queueDepth: desc("send_queue_depth", "entries in the outbound send queue"),
		outAcked:   desc("out_acked_sequence", "highest outbound reliable sequence acknowledged by the remote"),
		inReliable: desc("in_reliable_sequence", "highest inbound reliable sequence accepted"),
		state:      desc("peer_state", "lifecycle state (0=NEW,1=CONNECTING,2=RUN,3=DEAD)"),
	}
}

// Add registers a peer for collection under id, labeled with its
// current remote address.
func (c *PeerCollector) Add(id string, p *protocol.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[id] = trackedPeer{peer: p, addr: p.Remote.String()}
}

// Remove stops collecting metrics for id, typically called from
// OnDropped.
func (c *PeerCollector) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

func (c *PeerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.srtt
	ch <- c.rttvar
	ch <- c.rto
	ch <- c.queueDepth
	ch <- c.outAcked
	ch <- c.inReliable
	ch <- c.state
}

func (c *PeerCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	snapshot := make([]trackedPeer, 0, len(c.peers))
	ids := make([]string, 0, len(c.peers))
	for id, tp := range c.peers {
		snapshot = append(snapshot, tp)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for i, tp := range snapshot {
		id := ids[i]
		info := tp.peer.LinkInfo()
		ch <- prometheus.MustNewConstMetric(c.srtt, prometheus.GaugeValue, float64(info.SRTT), id, tp.addr)
		ch <- prometheus.MustNewConstMetric(c.rttvar, prometheus.GaugeValue, float64(info.RTTVar), id, tp.addr)
		ch <- prometheus.MustNewConstMetric(c.rto, prometheus.GaugeValue, float64(info.RTO), id, tp.addr)
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(info.QueueDepth), id, tp.addr)
		ch <- prometheus.MustNewConstMetric(c.outAcked, prometheus.GaugeValue, float64(info.OutAcked), id, tp.addr)
		ch <- prometheus.MustNewConstMetric(c.inReliable, prometheus.GaugeValue, float64(info.InReliable), id, tp.addr)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(info.State), id, tp.addr)
	}
}
