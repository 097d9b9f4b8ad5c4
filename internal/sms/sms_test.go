package sms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestHTTPGatewaySendSuccess(t *testing.T) {
	var got sendPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sendsms", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"message_id": "prov-1"})
	}))
	t.Cleanup(srv.Close)

	g := &HTTPGateway{Endpoint: srv.URL + "/", APIToken: "secret"}
	res, err := g.Send(context.Background(), SendRequest{
		To:                "+447911123456",
		From:              "SALES",
		Body:              "hello",
		ExternalReference: "ns_1_v1_1",
	})
	require.NoError(t, err)
	require.Equal(t, "prov-1", res.ProviderMessageID)
	require.Equal(t, sendPayload{To: "+447911123456", From: "SALES", Msg: "hello", ExternalReference: "ns_1_v1_1"}, got)
}

func TestHTTPGatewayClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid recipient"}`, retryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"bad token"}`, retryable: false},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"boom"}`, retryable: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: `{"error":"later"}`, retryable: true},
		{name: "ok without id", status: http.StatusOK, body: `{}`, retryable: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			g := &HTTPGateway{Endpoint: srv.URL, APIToken: "secret"}
			_, err := g.Send(context.Background(), SendRequest{To: "+447911123456"})
			require.Error(t, err)
			require.Equal(t, tc.retryable, IsRetryable(err))

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, tc.status, pe.StatusCode)
			require.Equal(t, tc.body, pe.Body)
			require.Contains(t, err.Error(), tc.body)
		})
	}
}

func TestHTTPGatewayTruncatedResponse(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		code      int
		retryable bool
	}{
		{name: "server error", status: "503 Service Unavailable", code: http.StatusServiceUnavailable, retryable: true},
		{name: "accepted", status: "200 OK", code: http.StatusOK, retryable: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, buf, err := w.(http.Hijacker).Hijack()
				require.NoError(t, err)
				defer conn.Close()
				_, _ = buf.WriteString("HTTP/1.1 " + tc.status + "\r\nContent-Length: 100\r\n\r\npartial")
				_ = buf.Flush()
			}))
			t.Cleanup(srv.Close)

			g := &HTTPGateway{Endpoint: srv.URL, APIToken: "secret"}
			_, err := g.Send(context.Background(), SendRequest{To: "+447911123456"})
			require.ErrorIs(t, err, io.ErrUnexpectedEOF)
			require.Equal(t, tc.retryable, IsRetryable(err))

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, tc.code, pe.StatusCode)
			require.Equal(t, "partial", pe.Body)
			require.Contains(t, err.Error(), "read response body")
		})
	}
}

func TestHTTPGatewayTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := &HTTPGateway{Endpoint: url, APIToken: "secret", Client: &http.Client{Timeout: time.Second}}
	_, err := g.Send(context.Background(), SendRequest{To: "+447911123456"})
	require.Error(t, err)
	require.True(t, IsRetryable(err))
}

func TestHTTPGatewayCheckConfig(t *testing.T) {
	require.ErrorIs(t, (&HTTPGateway{Endpoint: "https://sms.local"}).CheckConfig(), ErrMissingCredentials)
	require.ErrorIs(t, (&HTTPGateway{APIToken: "x"}).CheckConfig(), ErrMissingCredentials)
	require.NoError(t, (&HTTPGateway{Endpoint: "https://sms.local", APIToken: "x"}).CheckConfig())
}

func TestComposerReference(t *testing.T) {
	c, err := NewComposer("Your paperwork is ready", "salesportal", "v2")
	require.NoError(t, err)
	fixed := time.Unix(0, 1700000000000000000)
	c.now = func() time.Time { return fixed }

	first := c.Reference("42")
	second := c.Reference("42")
	require.Equal(t, "salesportal_42_v2_1700000000000000000", first)
	require.Equal(t, "salesportal_42_v2_1700000000000000001", second)
	require.Equal(t, "Your paperwork is ready", c.Body())
}

func TestComposerReferenceUniqueUnderConcurrency(t *testing.T) {
	c, err := NewComposer("body", "ns", "")
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := c.Reference("t")
			mu.Lock()
			defer mu.Unlock()
			seen[ref] = true
		}()
	}
	wg.Wait()
	require.Len(t, seen, 50)
	for ref := range seen {
		require.True(t, strings.HasPrefix(ref, "ns_t_v1_"))
	}
}

func TestNewComposerValidation(t *testing.T) {
	_, err := NewComposer(" ", "ns", "v1")
	require.Error(t, err)
	_, err = NewComposer("body", "", "v1")
	require.Error(t, err)
}

// instantTimer fires immediately and records each requested wait.
type instantTimer struct {
	mu     *sync.Mutex
	delays *[]time.Duration
	c      chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.delays = append(*t.delays, d)
	t.mu.Unlock()
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func testPolicy(delays *[]time.Duration) RetryPolicy {
	mu := &sync.Mutex{}
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		NewTimer: func() backoff.Timer {
			return &instantTimer{mu: mu, delays: delays}
		},
	}
}

func TestRetryPolicyStopsOnClientError(t *testing.T) {
	var delays []time.Duration
	calls := 0
	_, attempts, err := testPolicy(&delays).Do(context.Background(), func(context.Context) (SendResult, error) {
		calls++
		return SendResult{}, &ProviderError{StatusCode: http.StatusBadRequest, Body: "bad"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, attempts)
	require.Empty(t, delays)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusBadRequest, pe.StatusCode)
}

func TestRetryPolicySucceedsOnThirdAttempt(t *testing.T) {
	var delays []time.Duration
	calls := 0
	res, attempts, err := testPolicy(&delays).Do(context.Background(), func(context.Context) (SendResult, error) {
		calls++
		if calls < 3 {
			return SendResult{}, &ProviderError{StatusCode: http.StatusBadGateway, Body: "later"}
		}
		return SendResult{ProviderMessageID: "m-3"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, attempts)
	require.Equal(t, "m-3", res.ProviderMessageID)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRetryPolicySurfacesLastErrorWhenExhausted(t *testing.T) {
	var delays []time.Duration
	calls := 0
	_, attempts, err := testPolicy(&delays).Do(context.Background(), func(context.Context) (SendResult, error) {
		calls++
		return SendResult{}, &ProviderError{StatusCode: 500 + calls, Body: "down"}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, attempts)
	require.Len(t, delays, 2)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 503, pe.StatusCode)
}

func TestRetryPolicyNoWaitBeforeFirstAttempt(t *testing.T) {
	var delays []time.Duration
	_, attempts, err := testPolicy(&delays).Do(context.Background(), func(context.Context) (SendResult, error) {
		return SendResult{ProviderMessageID: "ok"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
	require.Empty(t, delays)
}

func TestRetryPolicyOnRetryHook(t *testing.T) {
	var delays []time.Duration
	p := testPolicy(&delays)
	var seen []int
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		seen = append(seen, attempt)
	}
	_, _, err := p.Do(context.Background(), func(context.Context) (SendResult, error) {
		return SendResult{}, errors.New("network down")
	})
	require.Error(t, err)
	require.Equal(t, []int{1, 2}, seen)
}
