package brokerfake

import (
	"context"
	"sync"

	"github.com/adwatch/adwatchd/broker"
)

var _ broker.TokenBroker = (*FakeBroker)(nil)

// FakeBroker is a scriptable TokenBroker for tests.
type FakeBroker struct {
	lock sync.Mutex

	SilentToken      *broker.Token
	SilentErr        error
	InteractiveToken *broker.Token
	InteractiveErr   error

	SilentCalls      int
	InteractiveCalls int
	InvalidateCalls  int
	RevokeCalls      int
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{}
}

func (f *FakeBroker) Token(_ context.Context, interactive bool) (*broker.Token, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if interactive {
		f.InteractiveCalls++
		if f.InteractiveErr != nil {
			return nil, f.InteractiveErr
		}
		if f.InteractiveToken != nil {
			return f.InteractiveToken, nil
		}
		return nil, broker.ErrNoCachedToken
	}

	f.SilentCalls++
	if f.SilentErr != nil {
		return nil, f.SilentErr
	}
	if f.SilentToken != nil {
		return f.SilentToken, nil
	}
	return nil, broker.ErrNoCachedToken
}

func (f *FakeBroker) Invalidate(_ context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.InvalidateCalls++
	return nil
}

func (f *FakeBroker) RevokeGrant(_ context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.RevokeCalls++
	return nil
}
