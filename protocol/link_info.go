package protocol

// LinkInfo is a read-only snapshot of a peer's timing and sequencing
// state, returned by Peer.LinkInfo (and client.Shell.LinkInfo) and read
// by the metrics collector. It is a copy: callers may keep it around without
// retaining a reference into engine-owned memory.
type LinkInfo struct {
	State        State
	InReliable   uint16
	InUnreliable uint16
	OutReliable  uint16
	OutUnrel     uint16
	OutAcked     uint16
	SRTT         int64
	RTTVar       int64
	RTO          int64
	QueueDepth   int
}
