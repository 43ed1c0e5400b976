package resilience

import (
	"errors"
	"fmt"
	"time"
)

// ErrUpstreamUnavailable indicates a dependency could not be reached, either
// because its circuit is open or because the call itself failed.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// CircuitOpenError is returned without invoking the wrapped call when a
// dependency's circuit rejects it.
type CircuitOpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit %q half-open: trial call in flight", e.Name)
	}
	return fmt.Sprintf("circuit %q open: retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrUpstreamUnavailable) hold for open circuits.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// IsCircuitOpen reports whether err was caused by an open circuit.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}
