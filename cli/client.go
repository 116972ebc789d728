package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// coordClient is the CLI's thin admin-side HTTP wrapper.
type coordClient struct {
	baseURL  string
	adminKey string
	http     *http.Client
}

func newCoordClient(baseURL, adminKey string) *coordClient {
	return &coordClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		adminKey: adminKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *coordClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.adminKey != "" {
		req.Header.Set(protocol.HeaderAdminKey, c.adminKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var decoded struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&decoded) == nil && decoded.Error != "" {
			return fmt.Errorf("%s", decoded.Error)
		}
		return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *coordClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *coordClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *coordClient) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}
