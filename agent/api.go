package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// apiClient talks to the coordinator's client-facing endpoints. Every
// request carries the identity headers; transient failures retry with
// jittered backoff.
type apiClient struct {
	baseURL  string
	clientID string
	secret   string
	http     *http.Client
	retry    *retrier
}

func newAPIClient(baseURL, clientID, secret string, timeout time.Duration, retry *retrier) *apiClient {
	return &apiClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
		http:     &http.Client{Timeout: timeout},
		retry:    retry,
	}
}

// apiError is a non-2xx coordinator response, decoded when possible.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("coordinator returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("coordinator returned %d", e.Status)
}

func (a *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	return a.retry.do(ctx, func() error {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(protocol.HeaderClientID, a.clientID)
		req.Header.Set(protocol.HeaderClientKey, a.secret)

		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &apiError{Status: resp.StatusCode}
			var decoded struct {
				Code  string `json:"code"`
				Error string `json:"error"`
			}
			if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&decoded) == nil {
				apiErr.Code = decoded.Code
				apiErr.Message = decoded.Error
			}
			if isRetryableStatus(resp) {
				return retryableStatusError{status: resp.StatusCode, cause: apiErr}
			}
			return apiErr
		}

		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}, isRetryableHTTP)
}

// Poll fetches and takes delivery of the queued envelopes.
func (a *apiClient) Poll(ctx context.Context) ([]protocol.CommandEnvelope, error) {
	var resp protocol.PollResponse
	if err := a.do(ctx, http.MethodGet, "/v1/poll", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Envelopes, nil
}

// PostResult reports one command outcome.
func (a *apiClient) PostResult(ctx context.Context, result *protocol.CommandResult) error {
	return a.do(ctx, http.MethodPost, "/v1/results", result, nil)
}

// Heartbeat reports liveness and host metadata.
func (a *apiClient) Heartbeat(ctx context.Context, hb *protocol.HeartbeatRequest) error {
	return a.do(ctx, http.MethodPost, "/v1/heartbeat", hb, nil)
}
