package outbox

import "fmt"

// Status represents a record's lifecycle state.
type Status string

const (
	// StatusPending marks a record awaiting its first dispatch or a manual
	// requeue.
	StatusPending Status = "PENDING"
	// StatusCompleted marks a successfully dispatched record. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks a record whose last dispatch failed and is waiting
	// out its backoff.
	StatusFailed Status = "FAILED"
	// StatusDeadLetter marks a record that exhausted its attempts or failed
	// permanently. Terminal except for an operator requeue.
	StatusDeadLetter Status = "DEAD_LETTER"
)

// ParseStatus validates and converts a raw status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether automatic dispatch must not touch the record.
func (status Status) IsTerminal() bool {
	return status == StatusCompleted || status == StatusDeadLetter
}

// CanTransitionTo reports whether a transition from status to next is
// allowed. DEAD_LETTER -> PENDING is the manual requeue path.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending, StatusFailed:
		return next == StatusCompleted || next == StatusFailed || next == StatusDeadLetter
	case StatusDeadLetter:
		return next == StatusPending
	case StatusCompleted:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a transition between two raw status strings.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
