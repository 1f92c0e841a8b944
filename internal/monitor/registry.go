package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrSessionNotFound = errors.New("monitor session not found")

// Factory builds an unstarted Session for owner and host. Each call must
// return a session with its own Publisher.
type Factory func(cfg Config, alert AlertFunc) (*Session, error)

// Registry holds at most one session per owner.
type Registry struct {
	newSession Factory
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// starts serializes Start per owner so other owners are never blocked
	// behind a slow stop or host check
	starts map[string]*sync.Mutex
	// generation advances on StopAll; a Start that straddles it is undone
	generation uint64
}

func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		newSession: factory,
		logger:     logger,
		sessions:   make(map[string]*Session),
		starts:     make(map[string]*sync.Mutex),
	}
}

// Start replaces the owner's session with a new one monitoring host. The
// previous session is fully stopped before the new one starts. A start
// failure leaves the owner without a session. Lookups and starts for other
// owners proceed while it runs.
func (r *Registry) Start(ctx context.Context, owner, host string, alert AlertFunc) (*Session, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	guard := r.ownerGuard(owner)
	guard.Lock()
	defer guard.Unlock()

	r.mu.Lock()
	prev, ok := r.sessions[owner]
	delete(r.sessions, owner)
	generation := r.generation
	r.mu.Unlock()

	if ok {
		if err := prev.Stop(); err != nil {
			r.logger.Warn("previous session did not stop cleanly", "owner", owner, "host", prev.Host(), "error", err)
		}
	}

	session, err := r.newSession(Config{Owner: owner, Host: host}, alert)
	if err != nil {
		return nil, err
	}
	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.generation != generation {
		r.mu.Unlock()
		if err := session.Stop(); err != nil {
			r.logger.Warn("session started during shutdown did not stop cleanly", "owner", owner, "host", host, "error", err)
		}
		return nil, ErrSessionStopped
	}
	r.sessions[owner] = session
	r.mu.Unlock()
	return session, nil
}

func (r *Registry) ownerGuard(owner string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, ok := r.starts[owner]
	if !ok {
		guard = &sync.Mutex{}
		r.starts[owner] = guard
	}
	return guard
}

// Stop ends and forgets the owner's session.
func (r *Registry) Stop(owner string) error {
	r.mu.Lock()
	session, ok := r.sessions[owner]
	delete(r.sessions, owner)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return session.Stop()
}

func (r *Registry) Statistics(owner string) (Statistics, error) {
	r.mu.Lock()
	session, ok := r.sessions[owner]
	r.mu.Unlock()
	if !ok {
		return Statistics{}, ErrSessionNotFound
	}
	return session.Statistics(), nil
}

// Sessions returns a snapshot of every registered session ordered by owner.
func (r *Registry) Sessions() []Statistics {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Statistics, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Statistics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// StopAll stops every session concurrently and empties the registry.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.generation++
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for owner, s := range sessions {
		g.Go(func() error {
			if err := s.Stop(); err != nil {
				return fmt.Errorf("stop session %s: %w", owner, err)
			}
			return nil
		})
	}
	return g.Wait()
}
