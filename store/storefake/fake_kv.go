package storefake

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/adwatch/adwatchd/store"
)

var _ store.KV = (*FakeKV)(nil)

// FakeKV is an in-memory KV for tests.
type FakeKV struct {
	values map[string]json.RawMessage
	lock   sync.RWMutex

	SetCalls int
}

func NewFakeKV() *FakeKV {
	return &FakeKV{values: make(map[string]json.RawMessage)}
}

func (f *FakeKV) Get(_ context.Context, key string, out any) (bool, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	raw, ok := f.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FakeKV) Set(_ context.Context, key string, value any) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.values[key] = raw
	f.SetCalls++
	return nil
}

func (f *FakeKV) Delete(_ context.Context, key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	delete(f.values, key)
	return nil
}

// Has reports whether key is present.
func (f *FakeKV) Has(key string) bool {
	f.lock.RLock()
	defer f.lock.RUnlock()

	_, ok := f.values[key]
	return ok
}
