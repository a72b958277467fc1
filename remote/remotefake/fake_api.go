package remotefake

import (
	"context"
	"sync"

	"github.com/adwatch/adwatchd/remote"
)

// FakeAPI is a scriptable stand-in for the remote listings API.
type FakeAPI struct {
	lock sync.Mutex

	Grant *remote.SessionGrant
	// ExchangeErrs are popped one per ExchangeToken call; a nil entry means
	// that call succeeds with Grant. When the queue is empty, Grant decides.
	ExchangeErrs  []error
	InvalidateErr error
	Items         []remote.TrackedItem
	ListErr       error

	ExchangeCalls   int
	InvalidateCalls int
	ListCalls       int
}

func NewFakeAPI() *FakeAPI {
	return &FakeAPI{}
}

func (f *FakeAPI) ExchangeToken(_ context.Context, _ string) (*remote.SessionGrant, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.ExchangeCalls++
	if len(f.ExchangeErrs) > 0 {
		err := f.ExchangeErrs[0]
		f.ExchangeErrs = f.ExchangeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.Grant == nil {
		return nil, remote.ErrExchangeRejected
	}
	return f.Grant, nil
}

func (f *FakeAPI) InvalidateSession(_ context.Context, _ string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.InvalidateCalls++
	return f.InvalidateErr
}

func (f *FakeAPI) ListTrackedItems(_ context.Context, _ string) ([]remote.TrackedItem, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	items := make([]remote.TrackedItem, len(f.Items))
	copy(items, f.Items)
	return items, nil
}
