package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// APIClient talks to a hostkit serve instance.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8088"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Exec asks the server to launch service and returns the tracked status.
func (c *APIClient) Exec(service, args string) (map[string]any, error) {
	body := map[string]string{"service": service, "args": args}
	var out map[string]any
	if err := c.do(http.MethodPost, "/exec", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tracked lists the processes tracked by the server.
func (c *APIClient) Tracked() ([]map[string]any, error) {
	var out []map[string]any
	if err := c.do(http.MethodGet, "/processes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Kill force-kills a process tracked by the server.
func (c *APIClient) Kill(pid int) error {
	return c.do(http.MethodDelete, "/processes/"+strconv.Itoa(pid), nil, nil)
}

func (c *APIClient) do(method, path string, in, out any) error {
	var rdr io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			return fmt.Errorf("API error: %s", resp.Status)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
