package statement

import "fmt"

// Kind classifies a statement failure.
type Kind int

const (
	KindInvalidParameter Kind = iota + 1
	KindTimeout
	KindRemote
	KindThrottled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameter:
		return "invalid parameter"
	case KindTimeout:
		return "timeout"
	case KindRemote:
		return "remote"
	case KindThrottled:
		return "throttled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a statement failure. Remote failures carry the server's code,
// message, SQL state and query id when it reported them.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	SQLState string
	QueryID  string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemote:
		msg := fmt.Sprintf("statement failed: %s (code %s", e.Message, e.Code)
		if e.SQLState != "" {
			msg += ", sql state " + e.SQLState
		}
		if e.QueryID != "" {
			msg += ", query " + e.QueryID
		}
		return msg + ")"
	case KindTimeout:
		if e.QueryID != "" {
			return fmt.Sprintf("statement timed out: %s (query %s)", e.Message, e.QueryID)
		}
		return "statement timed out: " + e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("statement %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("statement %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, statement.ErrTimeout)
// holds for any timeout.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && e.Kind == Kind(k)
}

type kindError Kind

func (k kindError) Error() string { return Kind(k).String() }

var (
	ErrInvalidParameter error = kindError(KindInvalidParameter)
	ErrTimeout          error = kindError(KindTimeout)
	ErrRemote           error = kindError(KindRemote)
	ErrThrottled        error = kindError(KindThrottled)
)
