// Package credentials is a thin persistent wrapper around the stored session
// record. It holds no logic beyond get, set and clear; the session state
// machine is the only writer.
package credentials

import (
	"context"
	"time"

	"github.com/adwatch/adwatchd/store"
	"github.com/pkg/errors"
)

// Identity describes the user the session token was issued for.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Record is the persisted session credential.
type Record struct {
	SessionToken string    `json:"sessionToken"`
	Identity     Identity  `json:"identity"`
	StoredAt     time.Time `json:"storedAt"`
}

// Store reads and writes the session record in the persistent KV store.
type Store struct {
	kv store.KV
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Get returns the stored record, or nil when none exists.
func (s *Store) Get(ctx context.Context) (*Record, error) {
	var rec Record
	found, err := s.kv.Get(ctx, store.KeySession, &rec)
	if err != nil {
		return nil, errors.Wrap(err, "[credentials.Store.Get] kv.Get")
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// Put replaces the stored record.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	if err := s.kv.Set(ctx, store.KeySession, rec); err != nil {
		return errors.Wrap(err, "[credentials.Store.Put] kv.Set")
	}
	return nil
}

// Clear removes the stored record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, store.KeySession); err != nil {
		return errors.Wrap(err, "[credentials.Store.Clear] kv.Delete")
	}
	return nil
}
