package statement

import (
	"net/http"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vjain20/snowquery/internal/wire"
)

// Policy is the single place that decides what a service response means and
// how long to wait between attempts.
type Policy struct {
	InProgressCodes     []string
	SessionExpiredCodes []string
	// ThrottleStatuses are HTTP statuses retried with backoff, up to
	// MaxThrottleRetries times. Zero MaxThrottleRetries uses the default;
	// a negative value disables throttle retries.
	ThrottleStatuses   []int
	MaxThrottleRetries int
	ThrottleInitial    time.Duration
	ThrottleMax        time.Duration

	PollInitial    time.Duration
	PollMax        time.Duration
	PollMultiplier float64

	// Timeout bounds a statement from submission to materialized result
	// unless the request sets its own.
	Timeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		InProgressCodes:     []string{wire.CodeQueryInProgress, wire.CodeQueryInProgressAsync},
		SessionExpiredCodes: []string{wire.CodeSessionExpired},
		ThrottleStatuses:    []int{http.StatusTooManyRequests},
		MaxThrottleRetries:  5,
		ThrottleInitial:     500 * time.Millisecond,
		ThrottleMax:         10 * time.Second,
		PollInitial:         100 * time.Millisecond,
		PollMax:             5 * time.Second,
		PollMultiplier:      2,
		Timeout:             5 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InProgressCodes == nil {
		p.InProgressCodes = d.InProgressCodes
	}
	if p.SessionExpiredCodes == nil {
		p.SessionExpiredCodes = d.SessionExpiredCodes
	}
	if p.ThrottleStatuses == nil {
		p.ThrottleStatuses = d.ThrottleStatuses
	}
	if p.MaxThrottleRetries == 0 {
		p.MaxThrottleRetries = d.MaxThrottleRetries
	}
	if p.MaxThrottleRetries < 0 {
		p.MaxThrottleRetries = 0
	}
	if p.ThrottleInitial == 0 {
		p.ThrottleInitial = d.ThrottleInitial
	}
	if p.ThrottleMax == 0 {
		p.ThrottleMax = d.ThrottleMax
	}
	if p.PollInitial == 0 {
		p.PollInitial = d.PollInitial
	}
	if p.PollMax == 0 {
		p.PollMax = d.PollMax
	}
	if p.PollMultiplier == 0 {
		p.PollMultiplier = d.PollMultiplier
	}
	if p.Timeout == 0 {
		p.Timeout = d.Timeout
	}
	return p
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRunning
	outcomeSessionRejected
	outcomeThrottled
	outcomeFailed
	outcomeMalformed
)

func (o outcome) String() string {
	return [...]string{"succeeded", "running", "session rejected", "throttled", "failed", "malformed"}[o]
}

// classify maps an HTTP status and, for 2xx responses, the decoded envelope
// to an outcome. The service acknowledges async statements with success set,
// so the status codes are checked before the success flag.
func (p Policy) classify(status int, env *wire.Envelope) outcome {
	switch {
	case status == http.StatusUnauthorized:
		return outcomeSessionRejected
	case slices.Contains(p.ThrottleStatuses, status):
		return outcomeThrottled
	case status >= 400 && status < 500:
		return outcomeMalformed
	case status < 200 || status >= 300:
		return outcomeFailed
	case slices.Contains(p.InProgressCodes, env.Code):
		return outcomeRunning
	case slices.Contains(p.SessionExpiredCodes, env.Code):
		return outcomeSessionRejected
	case env.Success:
		return outcomeSucceeded
	}
	return outcomeFailed
}

func (p Policy) pollBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.PollInitial),
		backoff.WithMaxInterval(p.PollMax),
		backoff.WithMultiplier(p.PollMultiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

func (p Policy) throttleBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.ThrottleInitial),
		backoff.WithMaxInterval(p.ThrottleMax),
		backoff.WithMaxElapsedTime(0),
	)
}
