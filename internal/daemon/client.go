package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
)

// Client connects to a running daemon via its Unix socket.
type Client struct {
	httpClient *http.Client
	authToken  string
}

// NewClient creates a new daemon client. It reads the auth cookie
// automatically from the cookie file next to the socket.
func NewClient(socketPath, cookiePath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, socketPath)
	}

	token, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon cookie: %w", err)
	}

	return &Client{
		authToken: strings.TrimSpace(string(token)),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}, nil
}

// do sends an HTTP request to the daemon and returns the raw response
// body.
func (c *Client) do(method, path string, body []byte) ([]byte, int, error) {
	url := "http://daemon" + path
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// doJSON sends a request and decodes the JSON {"data": ...} envelope
// into target.
func (c *Client) doJSON(method, path string, body any, target any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	data, status, err := c.do(method, path, payload)
	if err != nil {
		return err
	}

	if status >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("daemon: %s", errResp.Error)
		}
		return fmt.Errorf("daemon returned HTTP %d", status)
	}

	if target != nil {
		var raw struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if err := json.Unmarshal(raw.Data, target); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Status returns the daemon's status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON("GET", "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FreeSpace returns the node's remaining Storage capacity.
func (c *Client) FreeSpace() (*FreeSpaceResponse, error) {
	var resp FreeSpaceResponse
	if err := c.doJSON("GET", "/v1/free_space", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Save places a DataItem into the node's Storage and disseminates it.
func (c *Client) Save(id uint64, payload []byte) (*SaveResponse, error) {
	var resp SaveResponse
	req := SaveRequest{ID: id, Payload: payload}
	if err := c.doJSON("POST", "/v1/save", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lookup resolves a DataID, blocking until the node's request_timeout
// expires or a Response arrives.
func (c *Client) Lookup(id uint64) (*LookupResponse, error) {
	var resp LookupResponse
	req := LookupRequest{ID: id}
	if err := c.doJSON("POST", "/v1/lookup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	return c.doJSON("POST", "/v1/shutdown", nil, nil)
}
