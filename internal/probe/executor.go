package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/pingsantohq/pingwatch/pkg/types"
)

const (
	defaultCount        = 4
	defaultTimeout      = 15 * time.Second
	defaultMaxRetries   = 2
	defaultRetryBackoff = time.Second
	// extra time granted to the subprocess beyond the probe timeout before it is killed
	processGrace = 5 * time.Second
)

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Executor validates, resolves and probes a single host with bounded retries.
// It is safe for concurrent use.
type Executor struct {
	runner     Runner
	resolver   Resolver
	limiter    *rate.Limiter
	logger     *slog.Logger
	count      int
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	grace      time.Duration
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

type Option func(*Executor)

func WithRunner(r Runner) Option {
	return func(e *Executor) {
		if r != nil {
			e.runner = r
		}
	}
}

func WithResolver(r Resolver) Option {
	return func(e *Executor) {
		if r != nil {
			e.resolver = r
		}
	}
}

func WithCount(count int) Option {
	return func(e *Executor) {
		if count > 0 {
			e.count = count
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithMaxRetries sets the number of additional attempts after the first.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.backoff = d
		}
	}
}

// WithRateLimit caps probe attempts per second. Share one limiter across
// executors with WithLimiter to cap the whole process.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) {
		e.limiter = l
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithNow(fn func() time.Time) Option {
	return func(e *Executor) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithSleep replaces the backoff sleep. Used by tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		runner:     NewCommandRunner(),
		resolver:   net.DefaultResolver,
		logger:     slog.New(slog.DiscardHandler),
		count:      defaultCount,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		backoff:    defaultRetryBackoff,
		grace:      processGrace,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Probe runs ProbeWith using the executor's configured count and timeout.
func (e *Executor) Probe(ctx context.Context, host string) (types.ProbeResult, error) {
	return e.ProbeWith(ctx, host, e.count, e.timeout)
}

// ProbeWith validates and resolves host, then runs the probe tool until it
// produces output or the retry budget is spent. Failures are returned as
// *NetworkError; cancellation of ctx is returned unwrapped.
func (e *Executor) ProbeWith(ctx context.Context, host string, count int, timeout time.Duration) (types.ProbeResult, error) {
	if count <= 0 {
		count = e.count
	}
	if timeout <= 0 {
		timeout = e.timeout
	}
	address, err := e.Check(ctx, host)
	if err != nil {
		return types.ProbeResult{}, err
	}

	req := Request{
		Host:          host,
		Address:       address,
		Count:         count,
		Timeout:       timeout,
		PacketTimeout: packetTimeout(timeout, count),
	}

	attempts := e.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.backoff); err != nil {
				return types.ProbeResult{}, err
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return types.ProbeResult{}, err
			}
		}

		output, err := e.runOnce(ctx, req)
		if err == nil {
			result := Parse(string(output))
			result.Host = host
			result.Address = address
			result.Timestamp = e.now().UTC()
			result.Attempts = attempt
			return result, nil
		}
		if ctx.Err() != nil {
			return types.ProbeResult{}, ctx.Err()
		}
		lastErr = err
		e.logger.Debug("probe attempt failed", "host", host, "attempt", attempt, "error", err)
	}
	return types.ProbeResult{}, &NetworkError{Kind: ErrRetriesExhausted, Host: host, Attempts: attempts, Err: lastErr}
}

// runOnce returns the captured report, or an error when the attempt timed
// out or produced nothing. A non-zero exit with output is not an error.
func (e *Executor) runOnce(ctx context.Context, req Request) ([]byte, error) {
	limit := req.Timeout + e.grace
	attemptCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	output, err := e.runner.Run(attemptCtx, req)
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("probe timed out after %s", limit)
	}
	if len(output) == 0 {
		if err == nil {
			err = errors.New("probe produced no output")
		}
		return nil, err
	}
	return output, nil
}

// Check validates host and resolves it to the address that would be probed.
func (e *Executor) Check(ctx context.Context, host string) (string, error) {
	if err := ValidateHost(host); err != nil {
		return "", err
	}
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is4() {
		return addr.String(), nil
	}

	addrs, err := e.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", &NetworkError{Kind: ErrResolution, Host: host, Err: err}
	}
	var fallback netip.Addr
	for _, ip := range addrs {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if localAddr(addr) {
			continue
		}
		if addr.Is4() {
			return addr.String(), nil
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}
	if fallback.IsValid() {
		return fallback.String(), nil
	}
	if len(addrs) == 0 {
		return "", &NetworkError{Kind: ErrResolution, Host: host, Err: errors.New("no addresses returned")}
	}
	return "", validationError(host, "host resolves only to loopback or local addresses")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
