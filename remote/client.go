// Package remote is the HTTP client for the listings API: it mints and
// invalidates session tokens and stores the tracked listings.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/adwatch/adwatchd/extract"
	"github.com/pkg/errors"
)

// Client talks to the remote listings API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// ExchangeToken exchanges a third-party access token for a session grant.
// A 4xx rejection is reported as ErrExchangeRejected so callers can
// distinguish it from transport failures.
func (c *Client) ExchangeToken(ctx context.Context, idpToken string) (*SessionGrant, error) {
	body := map[string]string{"accessToken": idpToken}

	var grant SessionGrant
	if err := c.do(ctx, http.MethodPost, "/v1/auth/exchange", "", body, &grant); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 && statusErr.Code != http.StatusTooManyRequests {
			return nil, errors.Wrapf(ErrExchangeRejected, "%s", statusErr.Error())
		}
		return nil, err
	}
	if grant.SessionToken == "" {
		return nil, errors.Wrap(ErrExchangeRejected, "[Client.ExchangeToken] empty session token in response")
	}
	return &grant, nil
}

// InvalidateSession revokes the session token with the API.
func (c *Client) InvalidateSession(ctx context.Context, sessionToken string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", sessionToken, nil, nil)
}

// ListTrackedItems returns all listings the user tracks.
func (c *Client) ListTrackedItems(ctx context.Context, sessionToken string) ([]TrackedItem, error) {
	var out struct {
		Items []TrackedItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/listings", sessionToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// UpdateListing stores freshly extracted fields for one listing.
func (c *Client) UpdateListing(ctx context.Context, sessionToken, id string, fields *extract.Fields) error {
	path := fmt.Sprintf("/v1/listings/%s/refresh", id)
	return c.do(ctx, http.MethodPut, path, sessionToken, fields, nil)
}

func (c *Client) do(ctx context.Context, method, path, sessionToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "[Client.do] marshal request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "[Client.do] new request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "[Client.do] %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(detail))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "[Client.do] decode response")
		}
	}
	return nil
}
