package domain

import "errors"

var (
	// ErrInvariantViolation is returned when a mutation would break capacity
	// conservation. Such mutations are never partially applied.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrPolicyNotFound     = errors.New("policy not found")
	ErrNoActivePolicy     = errors.New("no active policy")
	ErrPeriodClosed       = errors.New("billing period closed")
	// ErrConcurrentModification signals an optimistic lock conflict. It is
	// retried internally and surfaces as ErrBusy once attempts run out.
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrBusy                   = errors.New("busy")
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid state transition")
)

// Reason returns the machine-readable reason string for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariantViolation):
		return "invariant-violation"
	case errors.Is(err, ErrPolicyNotFound):
		return "policy-not-found"
	case errors.Is(err, ErrNoActivePolicy):
		return "no-active-policy"
	case errors.Is(err, ErrPeriodClosed):
		return "period-closed"
	case errors.Is(err, ErrBusy), errors.Is(err, ErrConcurrentModification):
		return "busy"
	case errors.Is(err, ErrValidation):
		return "validation-error"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid-transition"
	}
	return "internal-error"
}
