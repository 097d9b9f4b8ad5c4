package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrMissingCredentials = errors.New("sms provider credentials are not configured")

// Gateway is the outbound SMS provider port.
type Gateway interface {
	// CheckConfig reports configuration problems before any send is attempted.
	CheckConfig() error
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

type SendRequest struct {
	To                string
	From              string
	Body              string
	ExternalReference string
}

type SendResult struct {
	ProviderMessageID string
}

// ProviderError carries the provider's HTTP status and response body
// verbatim. StatusCode is zero for transport failures.
type ProviderError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("sms provider request failed: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("sms provider returned HTTP %d: %v: %s", e.StatusCode, e.Err, e.Body)
	}
	return fmt.Sprintf("sms provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable is true for transport failures and 5xx responses. A 2xx with an
// unreadable body is not retried since the provider may already have sent it.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IsRetryable reports whether err may succeed on a later attempt. Errors
// that are not ProviderErrors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// HTTPGateway talks to the transactional SMS provider's REST API.
type HTTPGateway struct {
	Endpoint string
	APIToken string
	Client   *http.Client
}

type sendPayload struct {
	To                string `json:"to"`
	From              string `json:"from"`
	Msg               string `json:"msg"`
	ExternalReference string `json:"external_reference"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

func (g *HTTPGateway) CheckConfig() error {
	if strings.TrimSpace(g.Endpoint) == "" || strings.TrimSpace(g.APIToken) == "" {
		return ErrMissingCredentials
	}
	return nil
}

func (g *HTTPGateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	body, err := json.Marshal(sendPayload{
		To:                req.To,
		From:              req.From,
		Msg:               req.Body,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		return SendResult{}, backoff.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.Endpoint, "/")+"/sendsms", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.APIToken)

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return SendResult{}, &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		readErr = fmt.Errorf("read response body: %w", readErr)
	}

	if resp.StatusCode >= 500 {
		return SendResult{}, &ProviderError{StatusCode: resp.StatusCode, Body: string(respBody), Err: readErr}
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, backoff.Permanent(&ProviderError{StatusCode: resp.StatusCode, Body: string(respBody), Err: readErr})
	}
	if readErr != nil {
		return SendResult{}, backoff.Permanent(&ProviderError{StatusCode: resp.StatusCode, Body: string(respBody), Err: readErr})
	}

	var sr sendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return SendResult{}, backoff.Permanent(&ProviderError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("decode response: %w", err),
		})
	}
	id := sr.MessageID
	if id == "" {
		id = sr.ID
	}
	if id == "" {
		return SendResult{}, backoff.Permanent(&ProviderError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        errors.New("missing message id in response"),
		})
	}
	return SendResult{ProviderMessageID: id}, nil
}
