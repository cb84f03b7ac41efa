package session

import "fmt"

// AuthenticationError reports a failure to obtain credentials or to complete
// the login handshake.
type AuthenticationError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	switch {
	case e.Code != "" && e.Err != nil:
		return fmt.Sprintf("authentication failed: %s (code %s): %v", e.Message, e.Code, e.Err)
	case e.Code != "":
		return fmt.Sprintf("authentication failed: %s (code %s)", e.Message, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return "authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
