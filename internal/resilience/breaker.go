// Package resilience guards calls to external dependencies with per-dependency
// circuit breakers held in an explicit Registry.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings configures one breaker.
type Settings struct {
	// FailureThreshold failures within the reset window open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long an open circuit waits after its last failure
	// before admitting a trial call.
	Timeout time.Duration
	// ResetTimeout is the window after which the failure count is cleared,
	// whatever the state.
	ResetTimeout time.Duration
	// IsFailure decides which errors count against the circuit. Nil means
	// DefaultIsFailure.
	IsFailure func(error) bool
}

// DefaultSettings returns failureThreshold=5, successThreshold=2,
// timeout=60s, resetTimeout=300s.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		ResetTimeout:     300 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	if s.IsFailure == nil {
		s.IsFailure = DefaultIsFailure
	}
	return s
}

// DefaultIsFailure counts every error except caller cancellation.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	SuccessCount  int       `json:"successCount"`
	LastFailureAt time.Time `json:"lastFailureAt,omitzero"`
}

// StateChangeFunc observes breaker transitions. It is called with the
// breaker's lock held and must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker is a circuit breaker for one named dependency. The lock guards
// counters only; the wrapped call always runs unlocked.
type Breaker struct {
	mu       sync.Mutex
	name     string
	settings Settings
	now      func() time.Time
	onChange StateChangeFunc

	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	lastReset    time.Time
	trialActive  bool
	generation   uint64
}

// NewBreaker returns a closed breaker.
func NewBreaker(name string, s Settings) *Breaker {
	return newBreaker(name, s, time.Now, nil)
}

func newBreaker(name string, s Settings, now func() time.Time, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		name:      name,
		settings:  s.withDefaults(),
		now:       now,
		onChange:  onChange,
		state:     StateClosed,
		lastReset: now(),
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn if the circuit admits it and records the outcome.
// A rejected call returns *CircuitOpenError and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	a, err := b.Acquire()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	a.Done(callErr)
	return callErr
}

// Acquire admits one call without running it. In half-open state the
// admission holds the single trial slot until Done or Release. A rejected
// admission returns *CircuitOpenError.
func (b *Breaker) Acquire() (*Admission, error) {
	gen, err := b.before()
	if err != nil {
		return nil, err
	}
	return &Admission{b: b, gen: gen}, nil
}

// Admission is an admitted call whose outcome has not been recorded.
// Only the first Done or Release takes effect.
type Admission struct {
	b    *Breaker
	gen  uint64
	once sync.Once
}

// Done records the outcome of the admitted call.
func (a *Admission) Done(err error) {
	a.once.Do(func() { a.b.after(a.gen, err) })
}

// Release gives the admission back without counting a success or a
// failure, for callers that decided not to make the call after all.
func (a *Admission) Release() {
	a.once.Do(func() { a.b.release(a.gen) })
}

// Allow reports whether a call would currently be admitted, without
// changing any state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.admit(b.now(), false)
	return err
}

// State returns the current state, applying any due open-to-half-open move.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns the breaker's counters without changing them.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	state := b.state
	if state == StateOpen && now.Sub(b.lastFailure) >= b.settings.Timeout {
		state = StateHalfOpen
	}
	failures := b.failureCount
	if b.windowExpired(now) {
		failures = 0
	}
	return Snapshot{
		Name:          b.name,
		State:         state,
		FailureCount:  failures,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailure,
	}
}

// Reset closes the circuit and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.trialActive = false
	b.lastReset = b.now()
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admit(b.now(), true)
}

// admit decides whether a call may proceed. With commit false it only peeks.
func (b *Breaker) admit(now time.Time, commit bool) (uint64, error) {
	if commit {
		b.expireWindow(now)
	}

	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.lastFailure)
		if elapsed < b.settings.Timeout {
			return 0, &CircuitOpenError{Name: b.name, State: StateOpen, RetryAfter: b.settings.Timeout - elapsed}
		}
		if !commit {
			return b.generation, nil
		}
		b.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.trialActive {
			return 0, &CircuitOpenError{Name: b.name, State: StateHalfOpen}
		}
		if commit {
			b.trialActive = true
		}
	}
	return b.generation, nil
}

func (b *Breaker) after(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The circuit moved on while the call was in flight.
	if gen != b.generation {
		return
	}

	now := b.now()
	if b.state == StateHalfOpen {
		b.trialActive = false
	}

	if err != nil && !b.settings.IsFailure(err) {
		return
	}

	if err == nil {
		if b.state == StateHalfOpen {
			b.successCount++
			if b.successCount >= b.settings.SuccessThreshold {
				b.setState(StateClosed)
				b.failureCount = 0
				b.successCount = 0
				b.lastReset = now
			}
		}
		return
	}

	b.failureCount++
	b.lastFailure = now
	switch b.state {
	case StateHalfOpen:
		b.successCount = 0
		b.setState(StateOpen)
	case StateClosed:
		if b.failureCount >= b.settings.FailureThreshold {
			b.setState(StateOpen)
		}
	}
}

func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.generation && b.state == StateHalfOpen {
		b.trialActive = false
	}
}

func (b *Breaker) windowExpired(now time.Time) bool {
	return now.Sub(b.lastReset) >= b.settings.ResetTimeout
}

func (b *Breaker) expireWindow(now time.Time) {
	if b.windowExpired(now) {
		b.failureCount = 0
		b.lastReset = now
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
