package pollclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxResponseBytes = 8 << 20

// Status is the pairing state reported by the relay.
type Status string

const (
	StatusInit      Status = "init"
	StatusWaiting   Status = "waiting"
	StatusConnected Status = "connected"
)

// PairResult is the relay's answer to a pairing request.
type PairResult struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
}

// RelayError is an {"err": ...} envelope returned by the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return "relay: " + e.Message
}

// HTTPStatusError reports a non-200 response, which the relay only produces
// for unrouted paths or failures in front of it.
type HTTPStatusError struct {
	Path string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: HTTP error: %d", e.Path, e.Code)
}

// Transport carries the three relay operations. Implementations must be safe
// for concurrent use: Send runs alongside an outstanding Receive.
type Transport interface {
	Pair(ctx context.Context, key string) (PairResult, error)
	Send(ctx context.Context, id int64, msg json.RawMessage) (string, error)
	Receive(ctx context.Context, id int64) ([]json.RawMessage, error)
}

// HTTPTransport talks to the relay's /connect, /send and /get endpoints.
type HTTPTransport struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPTransport returns a transport rooted at baseURL. A nil client uses
// http.DefaultClient.
func NewHTTPTransport(baseURL string, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{base: u, client: client}, nil
}

func (t *HTTPTransport) endpoint(path string, query url.Values) string {
	u := *t.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (t *HTTPTransport) Pair(ctx context.Context, key string) (PairResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("/connect", url.Values{"key": {key}}), nil)
	if err != nil {
		return PairResult{}, err
	}
	var res PairResult
	if err := t.do(req, "/connect", &res); err != nil {
		return PairResult{}, err
	}
	if res.Status != StatusWaiting && res.Status != StatusConnected {
		return PairResult{}, fmt.Errorf("/connect: unexpected status %q", res.Status)
	}
	return res, nil
}

func (t *HTTPTransport) Send(ctx context.Context, id int64, msg json.RawMessage) (string, error) {
	body, err := json.Marshal(struct {
		ID      int64           `json:"id"`
		Message json.RawMessage `json:"message"`
	}{ID: id, Message: msg})
	if err != nil {
		return "", fmt.Errorf("encode send request: %w", err)
	}
	req, err := t.post(ctx, "/send", body)
	if err != nil {
		return "", err
	}
	var confirmation string
	if err := t.do(req, "/send", &confirmation); err != nil {
		return "", err
	}
	return confirmation, nil
}

func (t *HTTPTransport) Receive(ctx context.Context, id int64) ([]json.RawMessage, error) {
	body, err := json.Marshal(struct {
		ID int64 `json:"id"`
	}{ID: id})
	if err != nil {
		return nil, fmt.Errorf("encode get request: %w", err)
	}
	req, err := t.post(ctx, "/get", body)
	if err != nil {
		return nil, err
	}
	var res struct {
		Msgs *[]json.RawMessage `json:"msgs"`
	}
	if err := t.do(req, "/get", &res); err != nil {
		return nil, err
	}
	if res.Msgs == nil {
		return nil, errors.New("/get: response has no msgs")
	}
	return *res.Msgs, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(path, nil), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (t *HTTPTransport) do(req *http.Request, path string, v any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPStatusError{Path: path, Code: resp.StatusCode}
	}
	return decodeEnvelope(path, body, v)
}

// decodeEnvelope reports {"err": "..."} bodies as *RelayError and otherwise
// unmarshals the body into v.
func decodeEnvelope(path string, body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var e struct {
			Err string `json:"err"`
		}
		if err := json.Unmarshal(trimmed, &e); err != nil {
			return fmt.Errorf("%s: decode response: %w", path, err)
		}
		if e.Err != "" {
			return &RelayError{Message: e.Err}
		}
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
