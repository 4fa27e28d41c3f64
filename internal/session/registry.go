package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Factory builds the controller for a new connection.
type Factory func(id string) (*Controller, error)

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithMaxSessions caps the number of registered sessions. Zero means no cap.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.max = n }
}

// WithRegistryLogger sets the logger. Defaults to slog.Default().
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry holds one [Controller] per connection id. A controller is created
// on Connect and stopped on Disconnect; it is never handed to a second id.
//
// All methods are safe for concurrent use.
type Registry struct {
	factory Factory
	max     int
	sem     *semaphore.Weighted
	held    atomic.Int64 // slots acquired from sem and not yet released
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewRegistry returns an empty registry that builds controllers with
// factory.
func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory:  factory,
		logger:   slog.Default(),
		sessions: make(map[string]*Controller),
	}
	for _, o := range opts {
		o(r)
	}
	if r.max > 0 {
		r.sem = semaphore.NewWeighted(int64(r.max))
	}
	return r
}

// Connect creates and registers the controller for id.
func (r *Registry) Connect(id string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	if !r.acquire() {
		return nil, fmt.Errorf("%w (max %d)", ErrTooManySessions, r.max)
	}
	c, err := r.factory(id)
	if err != nil {
		r.release()
		return nil, fmt.Errorf("session: create %s: %w", id, err)
	}
	r.sessions[id] = c
	r.logger.Debug("session registered", "session_id", id, "sessions", len(r.sessions))
	return c, nil
}

// Get returns the controller registered for id.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Available returns how many more sessions can be registered, or -1 when
// there is no cap. A session being disconnected holds its slot until its
// controller has stopped.
func (r *Registry) Available() int {
	if r.sem == nil {
		return -1
	}
	return r.max - int(r.held.Load())
}

func (r *Registry) acquire() bool {
	if r.sem == nil {
		return true
	}
	if !r.sem.TryAcquire(1) {
		return false
	}
	r.held.Add(1)
	return true
}

func (r *Registry) release() {
	if r.sem == nil {
		return
	}
	r.held.Add(-1)
	r.sem.Release(1)
}

// Disconnect unregisters id and stops its controller. Unknown ids are
// ignored.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	c, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := c.Stop()
	r.release()
	r.logger.Debug("session unregistered", "session_id", id)
	return err
}

// Shutdown stops every registered session in parallel. It returns ctx.Err()
// if the sessions did not all stop before ctx was done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return r.Disconnect(id) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown of %d sessions: %w", len(ids), ctx.Err())
	}
}
