package core

import (
	"CTFLedger/internal/event"
	"errors"
	"fmt"
)

// ErrOutOfOrder is returned for a new event positioned at or before the
// last applied one. The feed is expected to be totally ordered, so this is
// fatal for ingestion.
var ErrOutOfOrder = errors.New("out-of-order event")

// SequenceValidator enforces (block, log index) ordering of applied events.
// Not thread-safe; only accessed from the engine's writer goroutine.
type SequenceValidator struct {
	last    event.LogPosition
	hasLast bool
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{}
}

// ValidateSequence checks that pos sorts strictly after the cursor.
// Duplicates are always accepted here; the caller skips them.
func (sv *SequenceValidator) ValidateSequence(pos event.LogPosition, isDuplicate bool) error {
	if !sv.hasLast || sv.last.Less(pos) {
		return nil
	}
	if isDuplicate {
		return nil
	}
	return fmt.Errorf("%w: last applied=%s, got=%s", ErrOutOfOrder, sv.last, pos)
}

// Advance moves the cursor after a commit.
func (sv *SequenceValidator) Advance(pos event.LogPosition) {
	sv.last = pos
	sv.hasLast = true
}

// Reset sets the cursor during recovery or after a rewind. A nil position
// means nothing has been applied.
func (sv *SequenceValidator) Reset(pos *event.LogPosition) {
	if pos == nil {
		sv.last = event.LogPosition{}
		sv.hasLast = false
		return
	}
	sv.last = *pos
	sv.hasLast = true
}

// Last returns the cursor and whether any event has been applied.
func (sv *SequenceValidator) Last() (event.LogPosition, bool) {
	return sv.last, sv.hasLast
}
