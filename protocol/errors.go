package protocol

import "errors"

// Sentinel errors returned synchronously by application-visible enqueue
// and send operations. Decode and sequencing failures never reach the
// application this way — they are logged at WARN and swallowed inside
// the engine, per the error handling policy.
var (
	ErrInvalidArgument    = errors.New("rudp: invalid argument")
	ErrOutOfMemory        = errors.New("rudp: packet allocation failed")
	ErrNotConnected       = errors.New("rudp: send before connected")
	ErrMalformedPacket    = errors.New("rudp: malformed packet")
	ErrInvalidAck         = errors.New("rudp: ack advances past highest sent sequence")
	ErrAddressUnavailable = errors.New("rudp: address resolution produced no usable address")
	ErrPeerDead           = errors.New("rudp: peer association is dead")
)
