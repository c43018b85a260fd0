package protocol

import "time"

// Clock abstracts the millisecond clock the engine uses for RTT
// sampling, retransmit scheduling, and liveness timeouts. The real
// implementation wraps time.Now(); tests substitute a manually advanced
// fake so retransmit/timeout arithmetic can be exercised without
// sleeping.
type Clock interface {
	NowMillis() int64
}

// SystemClock is the default Clock, backed by the wall clock via
// time.Now().UnixMilli(); it is not monotonic, so a step of the system
// clock moves it too.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}
