package result

import (
	"errors"
	"fmt"
)

// Kind classifies a result assembly failure.
type Kind int

const (
	KindDecode Kind = iota + 1
	KindRowCountMismatch
	KindFetch
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindRowCountMismatch:
		return "row count mismatch"
	case KindFetch:
		return "fetch"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error reports why a result could not be materialized. Chunk is the
// ordinal of the failing chunk, or -1 when the failure is not tied to one.
type Error struct {
	Kind     Kind
	Chunk    int
	Expected int64
	Actual   int64
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRowCountMismatch:
		if e.Chunk >= 0 {
			return fmt.Sprintf("result chunk %d: expected %d rows, got %d", e.Chunk, e.Expected, e.Actual)
		}
		return fmt.Sprintf("result: expected %d rows, got %d", e.Expected, e.Actual)
	default:
		if e.Chunk >= 0 {
			return fmt.Sprintf("result chunk %d: %s: %v", e.Chunk, e.Kind, e.Err)
		}
		return fmt.Sprintf("result: %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel kinds so callers can write errors.Is(err, result.ErrDecode).
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && e.Kind == Kind(k)
}

type kindError Kind

func (k kindError) Error() string { return Kind(k).String() }

var (
	ErrDecode           error = kindError(KindDecode)
	ErrRowCountMismatch error = kindError(KindRowCountMismatch)
	ErrFetch            error = kindError(KindFetch)
)

// ErrConsumed is returned by a second iteration over the same result.
var ErrConsumed = errors.New("result rows already consumed")
