package probe

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// Runner performs one probe attempt and returns the tool's textual report.
// A non-nil error alongside non-empty output is not an attempt failure:
// echo tools exit non-zero for unreachable hosts.
type Runner interface {
	Run(ctx context.Context, req Request) ([]byte, error)
}

// CommandRunner shells out to the platform ping utility.
type CommandRunner struct {
	Binary string
	GOOS   string
}

func NewCommandRunner() CommandRunner {
	return CommandRunner{Binary: "ping", GOOS: runtime.GOOS}
}

func (r CommandRunner) Run(ctx context.Context, req Request) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "ping"
	}
	goos := r.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	cmd := exec.CommandContext(ctx, binary, Args(goos, req)...)
	cmd.Env = append(cmd.Environ(), "LC_ALL=C")
	return cmd.CombinedOutput()
}

// Args renders the ping arguments for the given platform.
func Args(goos string, req Request) []string {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	wait := req.PacketTimeout
	if wait <= 0 {
		wait = packetTimeout(req.Timeout, count)
	}
	switch goos {
	case "windows":
		return []string{"-n", strconv.Itoa(count), "-w", strconv.FormatInt(wait.Milliseconds(), 10), req.Address}
	case "darwin", "freebsd", "openbsd", "netbsd", "dragonfly":
		return []string{"-c", strconv.Itoa(count), "-W", strconv.FormatInt(wait.Milliseconds(), 10), req.Address}
	default:
		return []string{"-c", strconv.Itoa(count), "-W", strconv.Itoa(int(wait / time.Second)), req.Address}
	}
}
