package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry owns one Breaker per dependency name. Breakers are created on
// first use and live as long as the registry. Construct one registry at
// process start and pass it to everything that calls out.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Settings
	overrides map[string]Settings
	now       func() time.Time
	observers []StateChangeFunc
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithOverrides sets per-dependency settings.
func WithOverrides(o map[string]Settings) Option {
	return func(r *Registry) {
		for k, v := range o {
			r.overrides[k] = v
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver registers a callback for state transitions.
func WithObserver(fn StateChangeFunc) Option {
	return func(r *Registry) { r.observers = append(r.observers, fn) }
}

// WithLogger sets the logger used for transitions.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(defaults Settings, opts ...Option) *Registry {
	r := &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: make(map[string]Settings),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resilience")
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	s, ok := r.overrides[name]
	if !ok {
		s = r.defaults
	}
	b := newBreaker(name, s, r.now, r.notify)
	r.breakers[name] = b
	return b
}

// Execute runs fn through the breaker for name.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Acquire admits one call to name; see Breaker.Acquire.
func (r *Registry) Acquire(name string) (*Admission, error) {
	return r.Get(name).Acquire()
}

// Allow peeks whether a call to name would be admitted.
func (r *Registry) Allow(name string) error {
	return r.Get(name).Allow()
}

// Reset closes the named circuit. It reports false if no such breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	r.logger.Info("circuit reset by operator", "dependency", name)
	return true
}

// Snapshots returns every breaker's state sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) notify(name string, from, to State) {
	r.logger.Warn("circuit state changed", "dependency", name, "from", from, "to", to)
	for _, fn := range r.observers {
		fn(name, from, to)
	}
}

// Call runs fn through the named breaker and returns its value.
func Call[T any](ctx context.Context, r *Registry, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
