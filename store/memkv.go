package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemKV is an in-memory KV implementation used in tests and
// single-process deployments.
type MemKV struct {
	mu    sync.RWMutex
	data  map[string][]byte
	locks sync.Map // key -> *keyLock
}

type keyLock struct {
	ch chan struct{}
}

// NewMemKV creates an empty in-memory store.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

// Get returns the value for key.
func (m *MemKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put stores value under key.
func (m *MemKV) Put(_ context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	m.data[key] = stored
	m.mu.Unlock()
	return nil
}

// Scan returns all pairs under prefix ordered by key.
func (m *MemKV) Scan(_ context.Context, prefix string) ([]Pair, error) {
	m.mu.RLock()
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		v := m.data[k]
		out := make([]byte, len(v))
		copy(out, v)
		pairs = append(pairs, Pair{Key: k, Value: out})
	}
	m.mu.RUnlock()
	return pairs, nil
}

// Acquire takes the per-key exclusive lock, respecting ctx cancellation
// while waiting.
func (m *MemKV) Acquire(ctx context.Context, key string) (func(), error) {
	actual, _ := m.locks.LoadOrStore(key, &keyLock{ch: make(chan struct{}, 1)})
	lk := actual.(*keyLock)
	select {
	case lk.ch <- struct{}{}:
		return func() { <-lk.ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
