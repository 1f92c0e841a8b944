package probe

import "time"

// Request describes a single invocation of the echo probe tool.
type Request struct {
	Host          string
	Address       string
	Count         int
	Timeout       time.Duration
	PacketTimeout time.Duration
}

func packetTimeout(timeout time.Duration, count int) time.Duration {
	if count <= 0 {
		count = 1
	}
	wait := timeout / time.Duration(count)
	if wait < time.Second {
		wait = time.Second
	}
	if wait > 5*time.Second {
		wait = 5 * time.Second
	}
	return wait
}
