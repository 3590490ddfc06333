package engine

import (
	"errors"
	"fmt"
)

// shapeMismatchError signals that the score-rewriting hook returned a
// distribution whose shape does not round-trip. Aborts the generation call,
// not the session.
type shapeMismatchError struct {
	wantRows, wantCols int
	gotRows, gotCols   int
}

func (e shapeMismatchError) Error() string {
	return fmt.Sprintf("score hook shape mismatch: got %dx%d, want %dx%d",
		e.gotRows, e.gotCols, e.wantRows, e.wantCols)
}

// ErrShapeMismatch constructs a shape mismatch error for a rewritten score
// matrix.
func ErrShapeMismatch(wantRows, wantCols, gotRows, gotCols int) error {
	return shapeMismatchError{wantRows: wantRows, wantCols: wantCols, gotRows: gotRows, gotCols: gotCols}
}

// IsShapeMismatch reports whether err is a score hook shape mismatch.
func IsShapeMismatch(err error) bool {
	var e shapeMismatchError
	return errors.As(err, &e)
}
