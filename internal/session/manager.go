// Package session owns the warehouse session: login with a key-pair token,
// expiry tracking, coalesced renewal and logout.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vjain20/snowquery/internal/auth"
	"github.com/vjain20/snowquery/internal/observability"
	"github.com/vjain20/snowquery/internal/transport"
	"github.com/vjain20/snowquery/internal/wire"
)

const (
	// DefaultSafetyMargin is how long before expiry a session is renewed.
	DefaultSafetyMargin = 60 * time.Second
	// defaultValidity applies when the login response omits validityInSeconds.
	defaultValidity = time.Hour

	clientAppID      = "Go"
	clientAppVersion = "1.0.0"
)

// CredentialProvider mints a signed token for the login handshake.
type CredentialProvider interface {
	Token(ctx context.Context) (auth.Token, error)
}

// Doer sends a request through the transport.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Config identifies the account and the context a session is opened in.
type Config struct {
	Account   string
	User      string
	Warehouse string
	Database  string
	Schema    string
	Role      string
	// SafetyMargin is how long before expiry a token stops being handed out.
	SafetyMargin time.Duration
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session is an immutable snapshot of an authenticated session. Renewal
// replaces the snapshot; it never mutates one that was handed out.
type Session struct {
	ID            int64
	Account       string
	Warehouse     string
	Database      string
	Schema        string
	Role          string
	Token         string
	ExpiresAt     time.Time
	ServerVersion string
}

// Manager hands out valid sessions to concurrent callers.
type Manager struct {
	cfg   Config
	doer  Doer
	creds CredentialProvider
	log   zerolog.Logger

	mu      sync.Mutex
	current *Session

	// renewing is closed when the in-flight login finishes.
	renewing chan struct{}

	renewals singleflight.Group
	seq      atomic.Uint64
}

// NewManager returns a Manager that logs in lazily on first Acquire.
func NewManager(cfg Config, doer Doer, creds CredentialProvider) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:   cfg,
		doer:  doer,
		creds: creds,
		log:   cfg.Logger,
	}
}

// Acquire returns a session whose token is valid for longer than the safety
// margin, logging in when needed. Concurrent callers that find no valid
// session share a single login.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if s := m.fresh(); s != nil {
		return s, nil
	}

	ch := m.renewals.DoChan("renew", func() (any, error) {
		if s := m.fresh(); s != nil {
			return s, nil
		}
		// The login outlives any single waiter's cancellation.
		return m.renew(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// Invalidate forces the next Acquire to log in again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// InvalidateSession invalidates s only if it is still the current session,
// so a rejection seen on a stale token does not discard a newer one.
func (m *Manager) InvalidateSession(s *Session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

// NextSequenceID returns the next statement sequence number.
func (m *Manager) NextSequenceID() uint64 {
	return m.seq.Add(1)
}

// Close logs out the current session, if any. A login in flight is waited
// for and its session logged out. A later Acquire logs in again.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	for m.renewing != nil {
		done := m.renewing
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
		m.mu.Lock()
	}
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	resp, err := m.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   wire.SessionPath,
		Query:  url.Values{"delete": {"true"}},
		Header: http.Header{"Accept": {wire.ContentTypeJSON}},
		Token:  s.Token,
	})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	var env wire.Envelope
	if err := resp.JSON(&env); err != nil {
		return err
	}
	if !env.Success {
		return &AuthenticationError{Code: env.Code, Message: "logout: " + env.Message}
	}
	m.log.Debug().Int64("session_id", s.ID).Msg("session closed")
	return nil
}

func (m *Manager) fresh() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.cfg.Now().Add(m.cfg.SafetyMargin).Before(m.current.ExpiresAt) {
		return m.current
	}
	return nil
}

func (m *Manager) renew(ctx context.Context) (*Session, error) {
	done := make(chan struct{})
	m.mu.Lock()
	m.renewing = done
	m.mu.Unlock()

	s, err := m.login(ctx)

	m.mu.Lock()
	if err == nil {
		m.current = s
	}
	m.renewing = nil
	m.mu.Unlock()
	close(done)

	if err != nil {
		m.cfg.Metrics.ObserveRenewal("failed")
		m.log.Debug().Err(err).Msg("login failed")
		return nil, err
	}
	m.cfg.Metrics.ObserveRenewal("ok")

	m.log.Debug().Int64("session_id", s.ID).Time("expires_at", s.ExpiresAt).Msg("session renewed")
	return s, nil
}

func (m *Manager) login(ctx context.Context) (*Session, error) {
	tok, err := m.creds.Token(ctx)
	if err != nil {
		return nil, &AuthenticationError{Message: "credential provider", Err: err}
	}

	q := url.Values{}
	setIf(q, "warehouse", m.cfg.Warehouse)
	setIf(q, "databaseName", m.cfg.Database)
	setIf(q, "schemaName", m.cfg.Schema)
	setIf(q, "roleName", m.cfg.Role)

	body := wire.LoginRequest{Data: wire.LoginRequestData{
		ClientAppID:       clientAppID,
		ClientAppVersion:  clientAppVersion,
		AccountName:       strings.ToUpper(m.cfg.Account),
		LoginName:         strings.ToUpper(m.cfg.User),
		Authenticator:     wire.AuthenticatorJWT,
		Token:             tok.Value,
		SessionParameters: map[string]any{"CLIENT_VALIDATE_DEFAULT_PARAMETERS": true},
		ClientEnvironment: wire.ClientEnvironment{
			Application: clientAppID,
			OS:          runtime.GOOS,
			OSVersion:   runtime.GOARCH,
		},
	}}

	requested := m.cfg.Now()
	resp, err := m.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   wire.LoginPath,
		Query:  q,
		Header: http.Header{"Accept": {wire.ContentTypeJSON}},
		Body:   body,
	})
	if err != nil {
		return nil, &AuthenticationError{Message: "login request", Err: err}
	}
	if err := resp.Err(); err != nil {
		return nil, &AuthenticationError{Message: "login request", Err: err}
	}

	var env wire.Envelope
	if err := resp.JSON(&env); err != nil {
		return nil, &AuthenticationError{Message: "login response", Err: err}
	}
	if !env.Success {
		return nil, &AuthenticationError{Code: env.Code, Message: env.Message}
	}
	var data wire.LoginResponseData
	if err := jsonData(env, &data); err != nil {
		return nil, &AuthenticationError{Message: "login response", Err: err}
	}
	if data.Token == "" {
		return nil, &AuthenticationError{Message: "login response carried no session token"}
	}

	validity := time.Duration(data.ValidityInSeconds) * time.Second
	if validity <= 0 {
		validity = defaultValidity
	}
	return &Session{
		ID:            data.SessionID,
		Account:       m.cfg.Account,
		Warehouse:     or(data.SessionInfo.WarehouseName, m.cfg.Warehouse),
		Database:      or(data.SessionInfo.DatabaseName, m.cfg.Database),
		Schema:        or(data.SessionInfo.SchemaName, m.cfg.Schema),
		Role:          or(data.SessionInfo.RoleName, m.cfg.Role),
		Token:         data.Token,
		ExpiresAt:     requested.Add(validity),
		ServerVersion: data.ServerVersion,
	}, nil
}

func jsonData(env wire.Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("response carried no data")
	}
	return json.Unmarshal(env.Data, v)
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
