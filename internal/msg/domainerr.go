package msg

import (
	"errors"
	"fmt"
)

// DomainError marks a handler failure that is a user-facing outcome
// rather than an infrastructure fault. The broker publishes the
// consume spec's error event for it instead of requeueing the
// delivery.
type DomainError struct {
	Reason string
}

func (e *DomainError) Error() string {
	return e.Reason
}

// Domainf builds a DomainError with a formatted reason.
func Domainf(format string, args ...any) error {
	return &DomainError{Reason: fmt.Sprintf(format, args...)}
}

// IsDomain reports whether err is, or wraps, a DomainError.
func IsDomain(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// DomainReason extracts the reason from a wrapped DomainError, or
// returns the plain error text for infrastructure faults.
func DomainReason(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}
