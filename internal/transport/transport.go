// Package transport is the HTTP primitive shared by session, statement and
// result handling. It retries transient failures and nothing else.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// Config configures a Transport.
type Config struct {
	// BaseURL is the service host, e.g. https://acct.snowflakecomputing.com.
	BaseURL string
	// HTTPClient is used as-is when set; Timeout is then ignored.
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries of zero uses DefaultMaxRetries; negative disables retries.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
	Logger         zerolog.Logger
}

// Transport sends requests to the service host and to absolute storage URLs.
type Transport struct {
	base           *url.URL
	client         *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	userAgent      string
	log            zerolog.Logger
}

// Request describes one logical call. Exactly one of Path and URL is set:
// Path is resolved against the service host and gets request tracking
// parameters, URL is used verbatim.
type Request struct {
	Method string
	Path   string
	URL    string
	Query  url.Values
	Header http.Header
	// Token is a session token, sent as the Snowflake authorization header.
	Token string
	// Body is marshalled to JSON when non-nil.
	Body any
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 256 {
		msg = msg[:256] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, msg)
}

// Err returns a *StatusError when the response is not a 2xx.
func (r *Response) Err() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return &StatusError{StatusCode: r.StatusCode, Body: r.Body}
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// New builds a Transport from cfg, filling defaults for zero fields.
func New(cfg Config) (*Transport, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", cfg.BaseURL)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	t := &Transport{
		base:           base,
		client:         client,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		userAgent:      cfg.UserAgent,
		log:            cfg.Logger,
	}
	if t.maxRetries == 0 {
		t.maxRetries = DefaultMaxRetries
	}
	if t.maxRetries < 0 {
		t.maxRetries = 0
	}
	if t.initialBackoff == 0 {
		t.initialBackoff = DefaultInitialBackoff
	}
	if t.maxBackoff == 0 {
		t.maxBackoff = DefaultMaxBackoff
	}
	return t, nil
}

// BaseURL returns the service host.
func (t *Transport) BaseURL() string {
	return t.base.String()
}

// Do sends req, retrying network errors and 502/503/504 responses with
// exponential backoff. Any response that is finally received is returned
// with a nil error; callers inspect StatusCode or call Response.Err.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	target, tracked, err := t.target(req)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		u := target.String()
		if tracked {
			u = withTracking(target, requestID)
		}
		resp, err := t.send(ctx, req, u, body)
		if err != nil {
			if !isRetryableNetError(err) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if isRetryableStatus(resp.StatusCode) {
			return resp, resp.Err()
		}
		return resp, nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(t.initialBackoff),
		backoff.WithMaxInterval(t.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	), uint64(t.maxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		t.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).
			Str("method", req.Method).Str("path", redactPath(req)).Msg("retrying request")
	}

	resp, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		var se *StatusError
		if resp != nil && errors.As(err, &se) {
			return resp, nil
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, redactPath(req), err)
	}
	return resp, nil
}

func (t *Transport) target(req Request) (*url.URL, bool, error) {
	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, false, fmt.Errorf("invalid request url: %w", err)
		}
		if len(req.Query) > 0 {
			q := u.Query()
			for k, vs := range req.Query {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
		}
		return u, false, nil
	}
	rel, err := url.Parse(req.Path)
	if err != nil {
		return nil, false, fmt.Errorf("invalid request path: %w", err)
	}
	u := t.base.ResolveReference(rel)
	q := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u, true, nil
}

// withTracking adds the per-request identifiers. requestId is stable across
// retries of one logical request; request_guid is fresh per attempt.
func withTracking(u *url.URL, requestID string) string {
	cp := *u
	q := cp.Query()
	q.Set("requestId", requestID)
	q.Set("request_guid", uuid.NewString())
	q.Set("clientStartTime", strconv.FormatInt(time.Now().Unix(), 10))
	cp.RawQuery = q.Encode()
	return cp.String()
}

func (t *Transport) send(ctx context.Context, req Request, u string, body []byte) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Snowflake Token=%q", req.Token))
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := decodeResponseBody(resp)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// decodeResponseBody reads the body, gunzipping it when it is declared gzip
// or starts with the gzip magic bytes.
func decodeResponseBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == "gzip" || (len(raw) > 2 && raw[0] == 0x1f && raw[1] == 0x8b) {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress body: %w", err)
		}
		return out, nil
	}
	return raw, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableNetError reports whether err is a transient network failure.
// Certificate, TLS and protocol errors from http.Client are permanent even
// though they arrive wrapped in *url.Error.
func isRetryableNetError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		certErr  *tls.CertificateVerificationError
		alertErr tls.AlertError
		recErr   tls.RecordHeaderError
		authErr  x509.UnknownAuthorityError
		hostErr  x509.HostnameError
		invErr   x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &alertErr) || errors.As(err, &recErr) ||
		errors.As(err, &authErr) || errors.As(err, &hostErr) || errors.As(err, &invErr) {
		return false
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE):
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// redactPath drops the query string, which carries signed credentials on
// chunk URLs.
func redactPath(req Request) string {
	if req.Path != "" {
		return req.Path
	}
	if u, err := url.Parse(req.URL); err == nil {
		return u.Host + u.Path
	}
	return "<url>"
}
