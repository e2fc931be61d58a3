package ml

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors. Engine and session failures are marked with one of these
// so callers can branch with errors.Is while keeping the wrapped context.
var (
	// ErrEngineUnavailable means the modeling engine could not be reached or
	// reported itself unhealthy.
	ErrEngineUnavailable = errors.New("modeling engine unavailable")

	ErrSessionNotStarted = errors.New("session not started")
	ErrImportFailed      = errors.New("frame import failed")
	ErrModelNotBuilt     = errors.New("model not built")
	ErrTestFrameNotSet   = errors.New("testing data frame not set")
	ErrNotPredicted      = errors.New("predictions not computed")

	ErrRowIndexOutOfRange = errors.New("row index out of range")
	ErrColumnNotFound     = errors.New("column not found")
)

// IsPrecondition reports whether err is an operation called out of order
// rather than an engine or data failure.
func IsPrecondition(err error) bool {
	return errors.IsAny(err,
		ErrSessionNotStarted,
		ErrModelNotBuilt,
		ErrTestFrameNotSet,
		ErrNotPredicted,
	)
}

func rowOutOfRange(row, rows int) error {
	return errors.Wrapf(ErrRowIndexOutOfRange, "row %d not in [0, %d)", row, rows)
}

func columnNotFound(column, frame string) error {
	return errors.Wrapf(ErrColumnNotFound, "column %q in %s", column, frame)
}
