// Package extract wraps the external "structured data from a page" service.
// The daemon consumes it as an opaque function: page in, fields or failure
// out. How the service derives the fields is not this package's business.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Fields is the structured listing data the service extracts from a page.
type Fields struct {
	Title    string `json:"title"`
	Price    int    `json:"price"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Mileage  int    `json:"mileage,omitempty"`
	Location string `json:"location,omitempty"`
}

// Extractor extracts structured listing fields from the page at pageURL.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) (*Fields, error)
}

var _ Extractor = (*HTTPExtractor)(nil)

// HTTPExtractor calls the extraction service over HTTP.
type HTTPExtractor struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPExtractor(endpoint, apiKey string, httpClient *http.Client) *HTTPExtractor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPExtractor{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}
}

func (e *HTTPExtractor) Extract(ctx context.Context, pageURL string) (*Fields, error) {
	body, err := json.Marshal(map[string]string{"url": pageURL})
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPExtractor.Extract] marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPExtractor.Extract] new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPExtractor.Extract] post")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("[HTTPExtractor.Extract] extraction service returned %s: %s", resp.Status, string(detail))
	}

	var fields Fields
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return nil, errors.Wrap(err, "[HTTPExtractor.Extract] decode response")
	}
	return &fields, nil
}
