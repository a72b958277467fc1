package extract_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwatch/adwatchd/classify"
	"github.com/adwatch/adwatchd/extract"
	"github.com/stretchr/testify/require"
)

func TestExtract_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://ads.example.com/golf", body["url"])

		json.NewEncoder(w).Encode(extract.Fields{Title: "Golf GTI", Price: 12500, Currency: "EUR", Status: "active"})
	}))
	defer ts.Close()

	fields, err := extract.NewHTTPExtractor(ts.URL, "secret", nil).Extract(context.Background(), "https://ads.example.com/golf")
	require.NoError(t, err)
	require.Equal(t, "Golf GTI", fields.Title)
	require.Equal(t, 12500, fields.Price)
}

func TestExtract_ServiceFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "cannot reach page", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := extract.NewHTTPExtractor(ts.URL, "", nil).Extract(context.Background(), "https://ads.example.com/golf")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestExtract_RateLimitSurfacesInMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := extract.NewHTTPExtractor(ts.URL, "", nil).Extract(context.Background(), "https://ads.example.com/golf")
	require.Error(t, err)
	require.Equal(t, classify.KindRateLimited, classify.Classify(err))
}
