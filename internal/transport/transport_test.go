package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, srv *httptest.Server) *Transport {
	t.Helper()
	tr, err := New(Config{
		BaseURL:        srv.URL,
		HTTPClient:     srv.Client(),
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return tr
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	require.Error(t, err)
}

func TestDoSendsTrackingAndAuth(t *testing.T) {
	var got *http.Request
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv)
	resp, err := tr.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/queries/v1/query-request",
		Query:  map[string][]string{"warehouse": {"WH"}},
		Token:  "tok-123",
		Body:   map[string]string{"sqlText": "select 1"},
	})
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	q := got.URL.Query()
	assert.NotEmpty(t, q.Get("requestId"))
	assert.NotEmpty(t, q.Get("request_guid"))
	assert.NotEmpty(t, q.Get("clientStartTime"))
	assert.Equal(t, "WH", q.Get("warehouse"))
	assert.Equal(t, `Snowflake Token="tok-123"`, got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "select 1", body["sqlText"])
}

func TestDoRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var ids, guids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.URL.Query().Get("requestId"))
		guids = append(guids, r.URL.Query().Get("request_guid"))
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := newTestTransport(t, srv).Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())

	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
	assert.NotEqual(t, guids[0], guids[1])
}

func TestDoReturnsLastResponseWhenRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	resp, err := newTestTransport(t, srv).Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(4), calls.Load())

	var se *StatusError
	require.ErrorAs(t, resp.Err(), &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}

func TestDoNegativeMaxRetriesSendsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, err := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), MaxRetries: -1})
	require.NoError(t, err)
	resp, err := tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(code)
		}))

		resp, err := newTestTransport(t, srv).Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
		require.NoError(t, err)
		assert.Equal(t, code, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load(), "status %d", code)
		srv.Close()
	}
}

func TestDoRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	tr := newTestTransport(t, srv)
	srv.Close()

	_, err := tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/gone"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GET /gone")
}

type countingRoundTripper struct {
	next  http.RoundTripper
	calls atomic.Int32
}

func (c *countingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(r)
}

func TestDoRetriesRefusedConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rt := &countingRoundTripper{next: http.DefaultTransport}
	tr, err := New(Config{
		BaseURL:        srv.URL,
		HTTPClient:     &http.Client{Transport: rt},
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	srv.Close()

	_, err = tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/gone"})
	require.Error(t, err)
	assert.Equal(t, int32(4), rt.calls.Load())
}

func TestDoDoesNotRetryCertificateErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	srv.Config.ErrorLog = log.New(io.Discard, "", 0)
	srv.StartTLS()
	defer srv.Close()

	rt := &countingRoundTripper{next: &http.Transport{}}
	tr, err := New(Config{
		BaseURL:        srv.URL,
		HTTPClient:     &http.Client{Transport: rt},
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/secure"})
	require.Error(t, err)
	assert.Equal(t, int32(1), rt.calls.Load())
	assert.Zero(t, hits.Load())
}

func TestIsRetryableNetError(t *testing.T) {
	assert.True(t, isRetryableNetError(&url.Error{Op: "Get", URL: "https://x", Err: io.ErrUnexpectedEOF}))
	assert.True(t, isRetryableNetError(&url.Error{Op: "Get", URL: "https://x", Err: &net.OpError{Op: "read", Err: syscall.ECONNRESET}}))
	assert.True(t, isRetryableNetError(&net.DNSError{Err: "timeout", IsTimeout: true}))
	assert.False(t, isRetryableNetError(&net.DNSError{Err: "no such host", IsNotFound: true}))
	assert.False(t, isRetryableNetError(&url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}))
	assert.False(t, isRetryableNetError(&url.Error{Op: "Get", URL: "https://x", Err: x509.UnknownAuthorityError{}}))
	assert.False(t, isRetryableNetError(context.Canceled))
}

func TestDoAbsoluteURLVerbatim(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv)
	_, err := tr.Do(context.Background(), Request{
		Method: http.MethodGet,
		URL:    srv.URL + "/chunk/0?sig=abc",
		Header: http.Header{"X-Chunk-Key": {"k"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", got.URL.Query().Get("sig"))
	assert.Empty(t, got.URL.Query().Get("requestId"))
	assert.Empty(t, got.Header.Get("Authorization"))
	assert.Equal(t, "k", got.Header.Get("X-Chunk-Key"))
}

func TestDoDecodesGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`["1","2"]`))
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	resp, err := newTestTransport(t, srv).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, `["1","2"]`, string(resp.Body))
}

func TestDoHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, err := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), MaxRetries: 50, InitialBackoff: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tr.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
