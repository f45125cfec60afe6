// Package synctest holds the shared fakes for exercising the sync stack:
// a store with failure injection and a manual clock.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package synctest

import (
	"context"
	"errors"
	"sync"

	"github.com/pavelkorolev/go-offsync/kvstore"
)

// ErrInjected is the default failure returned by FlakyStore scripts.
var ErrInjected = errors.New("synctest: injected store failure")

// FlakyStore wraps a Store and fails a scripted number of reads or
// writes before passing calls through.
type FlakyStore struct {
	kvstore.Store

	mu       sync.Mutex
	failSets int
	failGets int
	err      error
}

func WrapStore(inner kvstore.Store) *FlakyStore {
	return &FlakyStore{Store: inner, err: ErrInjected}
}

// FailSets makes the next n Set calls fail.
func (s *FlakyStore) FailSets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSets = n
}

// FailGets makes the next n Get calls fail.
func (s *FlakyStore) FailGets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets = n
}

// SetError overrides the injected failure.
func (s *FlakyStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *FlakyStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.failSets > 0 {
		s.failSets--
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.Store.Set(ctx, key, value)
}

func (s *FlakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if s.failGets > 0 {
		s.failGets--
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, key)
}
