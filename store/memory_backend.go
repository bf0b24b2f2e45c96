package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps every object store in process memory. Writes are
// buffered per transaction and applied only when fn succeeds.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[ObjectStore]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[ObjectStore]map[string][]byte)}
}

func (b *MemoryBackend) Transaction(ctx context.Context, mode TxMode, stores []ObjectStore, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if mode == ReadWrite {
		b.mu.Lock()
		defer b.mu.Unlock()
	} else {
		b.mu.RLock()
		defer b.mu.RUnlock()
	}

	tx := &memoryTx{
		backend: b,
		scope:   newTxScope(mode, stores),
		pending: make(map[ObjectStore]map[string][]byte),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

type memoryTx struct {
	backend *MemoryBackend
	scope   txScope
	// nil value marks a deletion
	pending map[ObjectStore]map[string][]byte
}

func (tx *memoryTx) Get(store ObjectStore, key string) ([]byte, error) {
	if err := tx.scope.checkRead(store); err != nil {
		return nil, err
	}
	if p, ok := tx.pending[store]; ok {
		if v, ok := p[key]; ok {
			if v == nil {
				return nil, ErrNotFound
			}
			return append([]byte(nil), v...), nil
		}
	}
	v, ok := tx.backend.data[store][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (tx *memoryTx) Put(store ObjectStore, key string, value []byte) error {
	if err := tx.scope.checkWrite(store); err != nil {
		return err
	}
	tx.stage(store)[key] = append([]byte{}, value...)
	return nil
}

func (tx *memoryTx) Delete(store ObjectStore, key string) error {
	if err := tx.scope.checkWrite(store); err != nil {
		return err
	}
	tx.stage(store)[key] = nil
	return nil
}

func (tx *memoryTx) Keys(store ObjectStore) ([]string, error) {
	if err := tx.scope.checkRead(store); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for k := range tx.backend.data[store] {
		seen[k] = true
	}
	for k, v := range tx.pending[store] {
		seen[k] = v != nil
	}
	keys := make([]string, 0, len(seen))
	for k, present := range seen {
		if present {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (tx *memoryTx) stage(store ObjectStore) map[string][]byte {
	p, ok := tx.pending[store]
	if !ok {
		p = make(map[string][]byte)
		tx.pending[store] = p
	}
	return p
}

func (tx *memoryTx) commit() {
	for store, writes := range tx.pending {
		data, ok := tx.backend.data[store]
		if !ok {
			data = make(map[string][]byte)
			tx.backend.data[store] = data
		}
		for k, v := range writes {
			if v == nil {
				delete(data, k)
				continue
			}
			data[k] = v
		}
	}
}
