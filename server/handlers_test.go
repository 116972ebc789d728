package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuang59/router-benchmark/pkg/auth"
	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

type apiCaller struct {
	t       *testing.T
	baseURL string
	headers map[string]string
}

func (c *apiCaller) call(method, path string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, data
}

func TestFullCommandRoundTripOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ts := env.httpServer(t)

	anon := &apiCaller{t: t, baseURL: ts.URL}

	// Bootstrap mints the only self-service admin credential.
	resp, body := anon.call(http.MethodPost, "/v1/bootstrap", map[string]string{"display_name": "ops"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var boot struct {
		AdminID string `json:"admin_id"`
		APIKey  string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(body, &boot))
	require.NotEmpty(t, boot.APIKey)

	resp, _ = anon.call(http.MethodPost, "/v1/bootstrap", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	admin := &apiCaller{t: t, baseURL: ts.URL, headers: map[string]string{protocol.HeaderAdminKey: boot.APIKey}}

	// Register a client; the secret crosses the wire exactly once.
	resp, body = admin.call(http.MethodPost, "/v1/clients", map[string]string{"client_id": "edge-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg struct {
		ClientID  string `json:"client_id"`
		SecretKey string `json:"secret_key"`
	}
	require.NoError(t, json.Unmarshal(body, &reg))
	require.Len(t, reg.SecretKey, 64)

	client := &apiCaller{t: t, baseURL: ts.URL, headers: map[string]string{
		protocol.HeaderClientID:  "edge-1",
		protocol.HeaderClientKey: reg.SecretKey,
	}}

	// Queue a command for the client.
	resp, body = admin.call(http.MethodPost, "/v1/clients/edge-1/commands", map[string]any{
		"command_id": "ping",
		"params":     map[string]string{"target": "core.lan", "count": "2"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var queued protocol.CommandEnvelope
	require.NoError(t, json.Unmarshal(body, &queued))

	// The client polls, receives the envelope, and can verify it.
	resp, body = client.call(http.MethodGet, "/v1/poll", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var poll protocol.PollResponse
	require.NoError(t, json.Unmarshal(body, &poll))
	require.Len(t, poll.Envelopes, 1)
	assert.Equal(t, queued.UUID, poll.Envelopes[0].UUID)
	assert.NoError(t, auth.Verify(reg.SecretKey, &poll.Envelopes[0], auth.DefaultFreshnessWindow))

	// Report the result and read it back through the admin surface.
	resp, _ = client.call(http.MethodPost, "/v1/results", protocol.CommandResult{
		CommandUUID: queued.UUID,
		CommandID:   "ping",
		ExitCode:    0,
		Stdout:      "2 packets transmitted, 2 received",
		ExecutedAt:  time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = admin.call(http.MethodGet, "/v1/results/"+queued.UUID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result protocol.CommandResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "edge-1", result.ClientID)
	assert.Equal(t, 0, result.ExitCode)

	// The full lifecycle landed in the audit log.
	resp, body = admin.call(http.MethodGet, "/v1/audit?target="+queued.UUID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var audit struct {
		Entries []protocol.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &audit))
	actions := make([]string, 0, len(audit.Entries))
	for _, e := range audit.Entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, actionCommandQueued)
	assert.Contains(t, actions, actionCommandPolled)
	assert.Contains(t, actions, actionCommandDone)
}

func TestAdminEndpointsRejectBadKey(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.creds.Bootstrap("ops")
	require.NoError(t, err)
	ts := env.httpServer(t)

	bad := &apiCaller{t: t, baseURL: ts.URL, headers: map[string]string{protocol.HeaderAdminKey: "wrong"}}
	resp, body := bad.call(http.MethodGet, "/v1/clients", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var decoded struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, protocol.CodeUnauthorized, decoded.Code)

	// The denial is audited without echoing the presented key.
	entries, err := env.audit.Query(AuditFilter{Action: actionAuthAttempt}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, outcomeDenied, entries[0].Outcome)
	assert.NotContains(t, entries[0].Actor, "wrong")
}

func TestRepeatedAuthFailuresAreRateLimited(t *testing.T) {
	env := newTestEnv(t)
	ts := env.httpServer(t)

	bad := &apiCaller{t: t, baseURL: ts.URL, headers: map[string]string{protocol.HeaderAdminKey: "wrong"}}
	var lastStatus int
	for i := 0; i < 8; i++ {
		resp, _ := bad.call(http.MethodGet, "/v1/clients", nil)
		lastStatus = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, lastStatus)
}

func TestClientEndpointsRejectRevokedCredentials(t *testing.T) {
	env := newTestEnv(t)
	secret := env.registerClient(t, "edge-1")
	ts := env.httpServer(t)

	client := &apiCaller{t: t, baseURL: ts.URL, headers: map[string]string{
		protocol.HeaderClientID:  "edge-1",
		protocol.HeaderClientKey: secret,
	}}
	resp, _ := client.call(http.MethodGet, "/v1/poll", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, env.creds.RevokeClient("edge-1", "admin-test"))
	resp, _ = client.call(http.MethodGet, "/v1/poll", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCommandCatalogIsPublic(t *testing.T) {
	env := newTestEnv(t)
	ts := env.httpServer(t)

	anon := &apiCaller{t: t, baseURL: ts.URL}
	resp, body := anon.call(http.MethodGet, "/v1/commands", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var catalog struct {
		Commands []struct {
			ID       string `json:"id"`
			Template string `json:"template"`
		} `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(body, &catalog))
	assert.NotEmpty(t, catalog.Commands)
}

func TestResultReportCannotSpoofClient(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")
	secret2 := env.registerClient(t, "edge-2")
	ts := env.httpServer(t)

	envelope, err := env.queue.Enqueue("edge-1", "uptime", nil, "admin-test")
	require.NoError(t, err)
	_, err = env.queue.Poll("edge-1")
	require.NoError(t, err)

	// edge-2 tries to report edge-1's command as its own.
	impostor := &apiCaller{t: t, baseURL: ts.URL, headers: map[string]string{
		protocol.HeaderClientID:  "edge-2",
		protocol.HeaderClientKey: secret2,
	}}
	resp, _ := impostor.call(http.MethodPost, "/v1/results", protocol.CommandResult{
		CommandUUID: envelope.UUID,
		ClientID:    "edge-1",
		ExecutedAt:  time.Now().UTC(),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
