// Package state is the gateway's persisted state store: a key-prefixed KV
// holding JSON documents, with typed map views on top. The gateway is the
// sole writer of its keys; sessions only write their own. Writes commit
// synchronously per key and reads always return plain decoded values, so
// nothing live ever crosses an RPC boundary.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by typed lookups that require presence.
var ErrNotFound = errors.New("state: key not found")

// Store is the raw KV contract. Values are JSON documents.
type Store interface {
	// Get decodes the value at key into v. Returns false if absent.
	Get(ctx context.Context, key string, v interface{}) (bool, error)
	// Put encodes v and writes it under key.
	Put(ctx context.Context, key string, v interface{}) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists all keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Map is a typed view over one key prefix: each entry lives at
// "{prefix}{id}". Every mutation is one synchronous Put of the whole
// entry, which is the write-through contract the gateway relies on.
type Map[T any] struct {
	store  Store
	prefix string
}

// NewMap builds a typed view for a prefix (convention: "pendingCalls/").
func NewMap[T any](store Store, prefix string) *Map[T] {
	return &Map[T]{store: store, prefix: prefix}
}

func (m *Map[T]) key(id string) string { return m.prefix + id }

// Get loads one entry.
func (m *Map[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var v T
	ok, err := m.store.Get(ctx, m.key(id), &v)
	return v, ok, err
}

// Put stores one entry.
func (m *Map[T]) Put(ctx context.Context, id string, v T) error {
	return m.store.Put(ctx, m.key(id), v)
}

// Delete removes one entry.
func (m *Map[T]) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, m.key(id))
}

// Update loads the entry, applies mutate, and writes it back. The zero
// value is passed to mutate when the entry is absent.
func (m *Map[T]) Update(ctx context.Context, id string, mutate func(v *T)) error {
	var v T
	if _, err := m.store.Get(ctx, m.key(id), &v); err != nil {
		return err
	}
	mutate(&v)
	return m.store.Put(ctx, m.key(id), v)
}

// All loads every entry under the prefix keyed by id.
func (m *Map[T]) All(ctx context.Context) (map[string]T, error) {
	keys, err := m.store.Keys(ctx, m.prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(keys))
	for _, k := range keys {
		var v T
		ok, err := m.store.Get(ctx, k, &v)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[k[len(m.prefix):]] = v
	}
	return out, nil
}

// IDs lists entry ids under the prefix.
func (m *Map[T]) IDs(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx, m.prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k[len(m.prefix):]
	}
	return ids, nil
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state: encode value: %w", err)
	}
	return data, nil
}

func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("state: decode value: %w", err)
	}
	return nil
}
