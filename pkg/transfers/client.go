package transfers

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
	"time"
)

// Client calls the transfers API with API-key authentication.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// PollInterval is the delay between Wait polls (default: 500ms).
	PollInterval time.Duration
}

// NewClient creates a client for the given base URL (e.g.
// "https://transfers.fortressbank.com") and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:      baseURL,
		apiKey:       apiKey,
		PollInterval: 500 * time.Millisecond,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// Create starts a transfer. The returned transaction's Status tells
// whether it executed immediately or waits for a challenge; for a
// DEVICE_BIO challenge the nonce to sign is in ChallengeNonce.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, "POST", "/v1/transfers", req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Get fetches a transfer by ID.
func (c *Client) Get(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, "GET", "/v1/transfers/"+url.PathEscape(id), nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Verify answers a pending challenge. An INVALID outcome is returned in
// the result, not as an error; attempts left tells how many tries remain.
func (c *Client) Verify(ctx context.Context, id string, req VerifyRequest) (*VerifyResult, error) {
	var res VerifyResult
	err := c.do(ctx, "POST", "/v1/transfers/"+url.PathEscape(id)+"/verify", req, &res)
	if err != nil {
		// A wrong code comes back 422 with the result body intact.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity && res.Outcome != "" {
			return &res, nil
		}
		return nil, err
	}
	return &res, nil
}

// Resend rotates a pending SMS OTP code.
func (c *Client) Resend(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, "POST", "/v1/transfers/"+url.PathEscape(id)+"/resend", nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Cancel aborts a transfer that has not started executing.
func (c *Client) Cancel(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, "POST", "/v1/transfers/"+url.PathEscape(id)+"/cancel", nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// History pages through the caller's transfers, newest first.
func (c *Client) History(ctx context.Context, opts HistoryOptions) (*HistoryPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	path := "/v1/transfers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page HistoryPage
	if err := c.do(ctx, "GET", path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Wait polls a transfer until it leaves its pending states or the
// context expires. Useful after answering a FACE_VERIFY challenge,
// where completion arrives via the provider callback.
func (c *Client) Wait(ctx context.Context, id string) (*Transaction, error) {
	for {
		tx, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !tx.Pending() && tx.Status != "PROCESSING" {
			return tx, nil
		}

		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.Unmarshal(data, out)
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	_ = json.Unmarshal(data, apiErr)

	// 422 verify responses carry the result body alongside the status.
	if out != nil {
		_ = json.Unmarshal(data, out)
	}
	return apiErr
}
