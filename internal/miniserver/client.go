package miniserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"loxone-gateway/internal/observability/metrics"
)

var (
	// ErrRejected marks requests the Miniserver refused; repeating them will
	// not help.
	ErrRejected = errors.New("miniserver: request rejected")
	// ErrUnavailable marks transport failures and server errors.
	ErrUnavailable = errors.New("miniserver: unavailable")
)

// StatusError carries the HTTP or LL status code of a failed request.
type StatusError struct {
	Code    int
	Control string
}

func (e *StatusError) Error() string {
	if e.Control != "" {
		return fmt.Sprintf("miniserver: status %d for %s", e.Code, e.Control)
	}
	return fmt.Sprintf("miniserver: status %d", e.Code)
}

// Unwrap classifies the status as rejected or unavailable.
func (e *StatusError) Unwrap() error {
	if Retryable(e.Code) {
		return ErrUnavailable
	}
	return ErrRejected
}

// Retryable reports whether a status code may succeed on a later attempt.
func Retryable(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

// Client is a minimal Miniserver HTTP client.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewClient constructs a Miniserver client.
func NewClient(baseURL, username, password string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("miniserver: empty base url")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ControlResponse is the LL envelope returned by /jdev endpoints.
type ControlResponse struct {
	Control string          `json:"control"`
	Value   json.RawMessage `json:"value"`
	Code    StatusCode      `json:"Code"`
}

// ValueString returns the value with JSON string quoting removed.
func (r ControlResponse) ValueString() string {
	if len(r.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

type envelope struct {
	LL ControlResponse `json:"LL"`
}

// StatusCode accepts both "200" and 200.
type StatusCode int

// UnmarshalJSON implements json.Unmarshaler.
func (c *StatusCode) UnmarshalJSON(data []byte) error {
	text := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if text == "" || text == "null" {
		*c = 0
		return nil
	}
	value, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("miniserver: invalid code %q", text)
	}
	*c = StatusCode(value)
	return nil
}

// SendCommand sends command to the control identified by uuid.
func (c *Client) SendCommand(ctx context.Context, uuid, command string) (ControlResponse, error) {
	if uuid == "" || command == "" {
		return ControlResponse{}, errors.New("miniserver: invalid command args")
	}
	path := "/jdev/sps/io/" + url.PathEscape(uuid) + "/" + url.PathEscape(command)
	return c.control(ctx, path)
}

// Ping checks that the Miniserver answers API requests.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.control(ctx, "/jdev/cfg/api")
	return err
}

func (c *Client) control(ctx context.Context, path string) (ControlResponse, error) {
	start := time.Now()
	var env envelope
	err := c.doJSON(ctx, http.MethodGet, path, nil, &env)
	if err == nil && env.LL.Code != 0 && (env.LL.Code < 200 || env.LL.Code >= 300) {
		err = &StatusError{Code: int(env.LL.Code), Control: env.LL.Control}
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveMiniserverRequest(result, time.Since(start))
	if err != nil {
		return ControlResponse{}, err
	}
	return env.LL, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("miniserver: decode response: %w", err)
	}
	return nil
}
