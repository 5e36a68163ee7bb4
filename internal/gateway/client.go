package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"restopos/backend/internal/domain"
	"restopos/backend/internal/syncqueue"
)

// RemoteError is a non-retryable rejection reported by the gateway.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d): %s", e.Status, e.Message)
}

// Client submits queued operations to a remote gateway over HTTP. Transport
// failures and 502/503/504 responses wrap syncqueue.ErrUnreachable. Any other
// non-2xx status is a *RemoteError charged against the operation.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", syncqueue.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", syncqueue.ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, op domain.SyncOperation) error {
	switch p := op.Payload.(type) {
	case domain.CreateOrderOp:
		return c.post(ctx, "/api/v1/sync/orders", domain.OrderBatchRequest{Orders: []domain.Order{p.Order}})
	case domain.UpdateOrderOp:
		return c.post(ctx, "/api/v1/sync/orders", domain.OrderBatchRequest{Orders: []domain.Order{p.Order}})
	case domain.PaymentOp:
		return c.post(ctx, "/api/v1/sync/payments", p.Payment)
	case domain.InventoryOp:
		return c.post(ctx, "/api/v1/sync/inventory", domain.InventoryBatchRequest{Entries: []domain.InventoryLogEntry{p.Entry}})
	default:
		return fmt.Errorf("%w: unsupported operation %T", domain.ErrInvalidInput, op.Payload)
	}
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	status, resp, err := c.do(ctx, path, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && c.username != "" {
		c.setToken("")
		status, resp, err = c.do(ctx, path, payload)
		if err != nil {
			return err
		}
	}

	switch {
	case unavailable(status):
		return fmt.Errorf("%w: %s returned %d", syncqueue.ErrUnreachable, path, status)
	case status >= 300:
		return &RemoteError{Status: status, Message: resp.Message}
	case !resp.Success:
		return &RemoteError{Status: status, Message: resp.Message}
	}
	return nil
}

// do sends one authenticated request. A response body that is not a sync
// response still yields its status.
func (c *Client) do(ctx context.Context, path string, payload []byte) (int, domain.SyncResponse, error) {
	var out domain.SyncResponse
	token, err := c.ensureToken(ctx)
	if err != nil {
		return 0, out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, out, fmt.Errorf("%w: %v", syncqueue.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, out, fmt.Errorf("%w: read response: %v", syncqueue.ErrUnreachable, err)
	}
	if len(raw) > 0 {
		var envelope struct {
			domain.SyncResponse
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			out = envelope.SyncResponse
			if out.Message == "" {
				out.Message = envelope.Error
			}
		}
	}
	return resp.StatusCode, out, nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if c.username == "" {
		return "", nil
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	body, _ := json.Marshal(domain.LoginRequest{Username: c.username, Password: c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", syncqueue.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if unavailable(resp.StatusCode) {
		return "", fmt.Errorf("%w: login returned %d", syncqueue.ErrUnreachable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &RemoteError{Status: resp.StatusCode, Message: "login failed"}
	}
	var login domain.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if login.AccessToken == "" {
		return "", errors.New("login response without token")
	}
	c.setToken(login.AccessToken)
	return login.AccessToken, nil
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// unavailable reports statuses a proxy or overloaded gateway answers with.
// A 500 is the gateway failing on this request and is not retried blindly.
func unavailable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
