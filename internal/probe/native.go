package probe

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// NativeRunner sends ICMP echoes in-process and renders an iputils-style
// report, so results flow through the same Parse path as CommandRunner.
type NativeRunner struct {
	Privileged bool
}

func (r NativeRunner) Run(ctx context.Context, req Request) ([]byte, error) {
	pinger, err := probing.NewPinger(req.Address)
	if err != nil {
		return nil, fmt.Errorf("create pinger: %w", err)
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	pinger.Count = count
	if req.Timeout > 0 {
		pinger.Timeout = req.Timeout
	}
	pinger.SetPrivileged(r.Privileged)

	var (
		mu     sync.Mutex
		report strings.Builder
	)
	fmt.Fprintf(&report, "PING %s (%s)\n", req.Host, req.Address)
	pinger.OnRecv = func(pkt *probing.Packet) {
		mu.Lock()
		defer mu.Unlock()
		writePacketLine(&report, pkt)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return nil, fmt.Errorf("run pinger: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	writeSummary(&report, pinger.Statistics())
	return []byte(report.String()), nil
}

func writePacketLine(w io.Writer, pkt *probing.Packet) {
	fmt.Fprintf(w, "%d bytes from %s: icmp_seq=%d ttl=%d time=%.3f ms\n",
		pkt.Nbytes, pkt.Addr, pkt.Seq, pkt.TTL, durationMs(pkt.Rtt))
}

func writeSummary(w io.Writer, stats *probing.Statistics) {
	fmt.Fprintf(w, "%d packets transmitted, %d received, %.0f%% packet loss\n",
		stats.PacketsSent, stats.PacketsRecv, stats.PacketLoss)
	if stats.PacketsRecv > 0 {
		fmt.Fprintf(w, "rtt min/avg/max/mdev = %.3f/%.3f/%.3f/%.3f ms\n",
			durationMs(stats.MinRtt), durationMs(stats.AvgRtt), durationMs(stats.MaxRtt), durationMs(stats.StdDevRtt))
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
