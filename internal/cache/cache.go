// Package cache provides the keyed mailboxes peers deliver messages into.
package cache

import (
	"context"
	"sync"
)

// Mailbox is a keyed store whose readers can wait for a key to arrive.
// Take removes the entry, so each put value is delivered once.
type Mailbox[V any] struct {
	mu      sync.Mutex
	data    map[string]V
	waiters map[string]chan struct{}
}

func NewMailbox[V any]() *Mailbox[V] {
	return &Mailbox[V]{
		data:    make(map[string]V),
		waiters: make(map[string]chan struct{}),
	}
}

// Put stores v. The mailbox keeps the value as is; callers hand over ownership.
func (m *Mailbox[V]) Put(key string, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = v
	if ch, ok := m.waiters[key]; ok {
		close(ch)
		delete(m.waiters, key)
	}
}

// Take blocks until key is present, removes it and returns its vector.
func (m *Mailbox[V]) Take(ctx context.Context, key string) (V, error) {
	for {
		m.mu.Lock()
		if v, ok := m.data[key]; ok {
			delete(m.data, key)
			m.mu.Unlock()
			return v, nil
		}
		ch, ok := m.waiters[key]
		if !ok {
			ch = make(chan struct{})
			m.waiters[key] = ch
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
}

// Size returns the number of values put but not yet taken.
func (m *Mailbox[V]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
