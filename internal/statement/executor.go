// Package statement submits SQL statements, drives asynchronous statements
// to completion and hands finished results to the result assembler.
package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/vjain20/snowquery/internal/observability"
	"github.com/vjain20/snowquery/internal/result"
	"github.com/vjain20/snowquery/internal/session"
	"github.com/vjain20/snowquery/internal/transport"
	"github.com/vjain20/snowquery/internal/wire"
)

// Sessions supplies authenticated sessions.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Session, error)
	InvalidateSession(s *session.Session)
	NextSequenceID() uint64
}

// Doer sends a request through the transport.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Materializer turns a result descriptor into a ResultSet.
type Materializer interface {
	Materialize(ctx context.Context, d *result.Descriptor) (*result.ResultSet, error)
}

// Request is one statement to execute.
type Request struct {
	SQL    string
	Params []Param
	// Timeout overrides the policy timeout when positive.
	Timeout time.Duration
	// Async asks the service to acknowledge immediately and be polled.
	Async bool
}

// Handle identifies a statement the service accepted for asynchronous
// execution.
type Handle struct {
	QueryID     string
	ResultURL   string
	SubmittedAt time.Time
}

// Config configures an Executor.
type Config struct {
	Policy  Policy
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Executor runs statements against one session manager. It holds no
// per-statement state and is safe for concurrent use.
type Executor struct {
	sessions  Sessions
	doer      Doer
	assembler Materializer
	policy    Policy
	log       zerolog.Logger
	metrics   *observability.Metrics
}

// NewExecutor wires an Executor to the session manager, the transport and
// the result assembler. Zero policy fields take their defaults.
func NewExecutor(cfg Config, sessions Sessions, doer Doer, assembler Materializer) *Executor {
	return &Executor{
		sessions:  sessions,
		doer:      doer,
		assembler: assembler,
		policy:    cfg.Policy.withDefaults(),
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Execute runs req and returns its fully materialized result.
func (e *Executor) Execute(ctx context.Context, req Request) (*result.ResultSet, error) {
	start := time.Now()
	rs, err := e.execute(ctx, req)
	e.metrics.ObserveStatement(outcomeLabel(err), time.Since(start))
	return rs, err
}

func (e *Executor) execute(ctx context.Context, req Request) (*result.ResultSet, error) {
	ctx, cancel := e.withTimeout(ctx, req)
	defer cancel()

	r, data, err := e.run(ctx, req)
	if err != nil {
		return nil, err
	}

	d, err := result.DescriptorFromResponse(data)
	if err != nil {
		return nil, err
	}
	d.Refresh = r.refresh

	rs, err := e.assembler.Materialize(ctx, d)
	if err != nil {
		return nil, r.contextError(ctx, err)
	}
	return rs, nil
}

// ExecuteRaw runs req to completion and returns the final response payload
// without materializing chunks.
func (e *Executor) ExecuteRaw(ctx context.Context, req Request) (*wire.QueryResponseData, error) {
	start := time.Now()
	ctx, cancel := e.withTimeout(ctx, req)
	defer cancel()

	_, data, err := e.run(ctx, req)
	e.metrics.ObserveStatement(outcomeLabel(err), time.Since(start))
	return data, err
}

var errStatementTimeout = errors.New("statement timeout")

func (e *Executor) withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	timeout := e.policy.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	return context.WithTimeoutCause(ctx, timeout, errStatementTimeout)
}

type state int

const (
	stateSubmitted state = iota
	statePolling
	stateSucceeded
	stateFailed
	stateTimedOut
)

func (s state) String() string {
	return [...]string{"submitted", "polling", "succeeded", "failed", "timed out"}[s]
}

// statementRun is the per-statement state machine.
type statementRun struct {
	e        *Executor
	req      Request
	bindings map[string]wire.Binding
	state    state
	handle   *Handle
	queryID  string
	polls    int
	// recovered is set once a session rejection has been answered with a
	// renewal; a second rejection is fatal.
	recovered bool
	throttles int
}

func (e *Executor) run(ctx context.Context, req Request) (*statementRun, *wire.QueryResponseData, error) {
	binds, err := bindings(req.Params)
	if err != nil {
		return nil, nil, err
	}
	r := &statementRun{e: e, req: req, bindings: binds, state: stateSubmitted}

	data, err := r.submit(ctx)
	if err != nil {
		return r, nil, r.fail(ctx, err)
	}
	if r.state == statePolling {
		data, err = r.poll(ctx)
		if err != nil {
			return r, nil, r.fail(ctx, err)
		}
	}
	r.transition(stateSucceeded)
	return r, data, nil
}

func (r *statementRun) transition(s state) {
	r.e.log.Debug().Str("query_id", r.queryID).Stringer("from", r.state).Stringer("to", s).
		Int("polls", r.polls).Msg("statement state")
	r.state = s
}

func (r *statementRun) fail(ctx context.Context, err error) error {
	err = r.contextError(ctx, err)
	if errors.Is(err, ErrTimeout) {
		r.transition(stateTimedOut)
	} else {
		r.transition(stateFailed)
	}
	return err
}

// contextError replaces errors caused by the statement deadline with a
// timeout error and by caller cancellation with the context's error.
func (r *statementRun) contextError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if errors.Is(context.Cause(ctx), errStatementTimeout) {
		return &Error{Kind: KindTimeout, Message: "deadline exceeded", QueryID: r.queryID, Err: err}
	}
	return fmt.Errorf("statement cancelled: %w", ctx.Err())
}

func (r *statementRun) submit(ctx context.Context) (*wire.QueryResponseData, error) {
	throttle := r.e.policy.throttleBackOff()
	for {
		sess, err := r.e.sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		body := wire.QueryRequest{
			SQLText:    r.req.SQL,
			AsyncExec:  r.req.Async,
			SequenceID: r.e.sessions.NextSequenceID(),
			Bindings:   r.bindings,
		}
		submittedAt := time.Now()
		resp, err := r.e.doer.Do(ctx, transport.Request{
			Method: http.MethodPost,
			Path:   wire.QueryPath,
			Header: http.Header{"Accept": {wire.ContentTypeSnowflake}},
			Token:  sess.Token,
			Body:   body,
		})
		if err != nil {
			return nil, err
		}

		env, data, out, err := r.decode(resp)
		if err != nil {
			return nil, err
		}
		if data.QueryID != "" {
			r.queryID = data.QueryID
		}
		switch out {
		case outcomeSucceeded:
			return data, nil
		case outcomeRunning:
			r.handle = &Handle{QueryID: data.QueryID, ResultURL: resultPath(data), SubmittedAt: submittedAt}
			r.transition(statePolling)
			return nil, nil
		case outcomeSessionRejected:
			if err := r.recover(sess, env); err != nil {
				return nil, err
			}
		case outcomeThrottled:
			if err := r.backOffThrottle(ctx, throttle, resp.StatusCode); err != nil {
				return nil, err
			}
		default:
			return nil, r.remoteError(resp.StatusCode, env, data)
		}
	}
}

// poll drives an accepted statement until it leaves the running state. A
// session rejection retries the same poll immediately after renewal.
func (r *statementRun) poll(ctx context.Context) (*wire.QueryResponseData, error) {
	intervals := r.e.policy.pollBackOff()
	throttle := r.e.policy.throttleBackOff()
	wait := true
	for {
		if wait {
			if err := sleep(ctx, intervals.NextBackOff()); err != nil {
				return nil, err
			}
		}
		wait = true

		sess, err := r.e.sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		r.polls++
		r.e.metrics.IncPoll()
		resp, err := r.e.doer.Do(ctx, transport.Request{
			Method: http.MethodGet,
			Path:   r.handle.ResultURL,
			Header: http.Header{"Accept": {wire.ContentTypeSnowflake}},
			Token:  sess.Token,
		})
		if err != nil {
			return nil, err
		}

		env, data, out, err := r.decode(resp)
		if err != nil {
			return nil, err
		}
		switch out {
		case outcomeSucceeded:
			return data, nil
		case outcomeRunning:
		case outcomeSessionRejected:
			if err := r.recover(sess, env); err != nil {
				return nil, err
			}
			wait = false
		case outcomeThrottled:
			if err := r.backOffThrottle(ctx, throttle, resp.StatusCode); err != nil {
				return nil, err
			}
			wait = false
		default:
			return nil, r.remoteError(resp.StatusCode, env, data)
		}
	}
}

// refresh re-reads the result of a finished statement; the assembler calls
// it for fresh chunk credentials.
func (r *statementRun) refresh(ctx context.Context) (*result.Descriptor, error) {
	path := "/queries/" + r.queryID + "/result"
	if r.handle != nil && r.handle.ResultURL != "" {
		path = r.handle.ResultURL
	}
	sess, err := r.e.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := r.e.doer.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   path,
		Header: http.Header{"Accept": {wire.ContentTypeSnowflake}},
		Token:  sess.Token,
	})
	if err != nil {
		return nil, err
	}
	env, data, out, err := r.decode(resp)
	if err != nil {
		return nil, err
	}
	if out != outcomeSucceeded {
		return nil, r.remoteError(resp.StatusCode, env, data)
	}
	return result.DescriptorFromResponse(data)
}

func (r *statementRun) decode(resp *transport.Response) (*wire.Envelope, *wire.QueryResponseData, outcome, error) {
	env := &wire.Envelope{}
	data := &wire.QueryResponseData{}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := resp.JSON(env); err != nil {
			return nil, nil, 0, err
		}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, data); err != nil {
				return nil, nil, 0, fmt.Errorf("failed to decode response data: %w", err)
			}
		}
		return env, data, r.e.policy.classify(resp.StatusCode, env), nil
	}

	// Error bodies are best effort: gateways answer with HTML or nothing.
	if json.Unmarshal(resp.Body, env) != nil {
		env = &wire.Envelope{}
	} else if len(env.Data) > 0 && json.Unmarshal(env.Data, data) != nil {
		data = &wire.QueryResponseData{}
	}
	return env, data, r.e.policy.classify(resp.StatusCode, env), nil
}

func (r *statementRun) recover(sess *session.Session, env *wire.Envelope) error {
	if r.recovered {
		return &session.AuthenticationError{Code: env.Code, Message: "session rejected after renewal: " + env.Message}
	}
	r.recovered = true
	r.e.log.Debug().Str("query_id", r.queryID).Str("code", env.Code).Msg("session rejected, renewing")
	r.e.sessions.InvalidateSession(sess)
	return nil
}

func (r *statementRun) backOffThrottle(ctx context.Context, b *backoff.ExponentialBackOff, status int) error {
	r.throttles++
	if r.throttles > r.e.policy.MaxThrottleRetries {
		return &Error{
			Kind:    KindThrottled,
			Message: fmt.Sprintf("still throttled after %d retries (http %d)", r.e.policy.MaxThrottleRetries, status),
			QueryID: r.queryID,
		}
	}
	r.e.metrics.IncThrottleRetry()
	return sleep(ctx, b.NextBackOff())
}

// remoteError prefers the service's code and message; a failure status
// without a decodable body is reported as HTTP<status>.
func (r *statementRun) remoteError(status int, env *wire.Envelope, data *wire.QueryResponseData) error {
	failed := status < 200 || status >= 300
	code, msg := env.Code, env.Message
	if code == "" {
		code = data.ErrorCode
	}
	if failed && code == "" {
		code = fmt.Sprintf("HTTP%d", status)
	}
	if failed && msg == "" {
		msg = http.StatusText(status)
	}
	qid := data.QueryID
	if qid == "" {
		qid = r.queryID
	}
	return &Error{
		Kind:     KindRemote,
		Code:     code,
		Message:  msg,
		SQLState: data.SQLState,
		QueryID:  qid,
	}
}

func resultPath(data *wire.QueryResponseData) string {
	if data.GetResultURL != "" {
		return data.GetResultURL
	}
	return "/queries/" + data.QueryID + "/result"
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func outcomeLabel(err error) string {
	var se *Error
	switch {
	case err == nil:
		return "succeeded"
	case errors.As(err, &se):
		return se.Kind.String()
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "failed"
}
