package refresh

import (
	"context"

	"github.com/adwatch/adwatchd/extract"
	"github.com/adwatch/adwatchd/remote"
	"github.com/pkg/errors"
)

// TokenProvider returns the current session token, if any.
type TokenProvider func(ctx context.Context) (string, bool)

// ListingAPI is the slice of the remote API the refresher and item source
// need.
type ListingAPI interface {
	ListTrackedItems(ctx context.Context, sessionToken string) ([]remote.TrackedItem, error)
	UpdateListing(ctx context.Context, sessionToken, id string, fields *extract.Fields) error
}

var _ ItemRefresher = (*ListingRefresher)(nil)

// ListingRefresher refreshes one listing: extract the page, push the
// fields to the remote API.
type ListingRefresher struct {
	api       ListingAPI
	extractor extract.Extractor
	token     TokenProvider
}

func NewListingRefresher(api ListingAPI, extractor extract.Extractor, token TokenProvider) *ListingRefresher {
	return &ListingRefresher{api: api, extractor: extractor, token: token}
}

func (r *ListingRefresher) RefreshItem(ctx context.Context, item remote.TrackedItem) error {
	token, ok := r.token(ctx)
	if !ok {
		return errors.New("[ListingRefresher.RefreshItem] no session token")
	}

	fields, err := r.extractor.Extract(ctx, item.URL)
	if err != nil {
		return errors.Wrapf(err, "[ListingRefresher.RefreshItem] extract %s", item.ID)
	}

	if err := r.api.UpdateListing(ctx, token, item.ID, fields); err != nil {
		return errors.Wrapf(err, "[ListingRefresher.RefreshItem] update %s", item.ID)
	}
	return nil
}

var _ ItemSource = (*APISource)(nil)

// APISource lists tracked items from the remote API with the current
// session token.
type APISource struct {
	api   ListingAPI
	token TokenProvider
}

func NewAPISource(api ListingAPI, token TokenProvider) *APISource {
	return &APISource{api: api, token: token}
}

func (s *APISource) TrackedItems(ctx context.Context) ([]remote.TrackedItem, error) {
	token, ok := s.token(ctx)
	if !ok {
		return nil, errors.New("[APISource.TrackedItems] no session token")
	}
	return s.api.ListTrackedItems(ctx, token)
}
