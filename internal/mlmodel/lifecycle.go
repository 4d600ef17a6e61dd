// Model lifecycle state machine. Transitions are validated here at the
// application layer; the lifecycle manager additionally serializes Active
// transitions per family, and the database unique partial index on
// (family, status='active') backstops the single-Active invariant.
package mlmodel

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle transition validation.
var (
	// ErrInvalidTransition indicates a transition edge that the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid model status transition")

	// ErrArchivedImmutable indicates an attempt to transition out of Archived.
	ErrArchivedImmutable = errors.New("archived models are immutable")
)

// ValidateStatusTransition validates one model lifecycle transition.
//
// Valid transitions:
//   - Draft → Testing (validation passed)
//   - Testing → Active (promotion)
//   - Active → Deprecated (superseded by a newer Active)
//   - Deprecated → Active (rollback)
//   - Deprecated → Archived (age-out)
//
// Archived is terminal. Same-state transitions are idempotent and allowed,
// so replays of a promotion or demotion do not error.
func ValidateStatusTransition(from, to ModelStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	if from == to {
		return nil // idempotent replay
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrArchivedImmutable, from, to)
	}

	allowed := map[ModelStatus][]ModelStatus{
		StatusDraft:      {StatusTesting},
		StatusTesting:    {StatusActive},
		StatusActive:     {StatusDeprecated},
		StatusDeprecated: {StatusActive, StatusArchived},
	}

	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
