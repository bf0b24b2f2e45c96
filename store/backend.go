package store

import (
	"context"
	"errors"
	"fmt"
)

// ObjectStore names one key/value namespace of the persistence backend.
type ObjectStore string

const (
	ChannelsStore    ObjectStore = "channels"
	ObjectivesStore  ObjectStore = "objectives"
	NoncesStore      ObjectStore = "nonces"
	PrivateKeysStore ObjectStore = "privateKeys"
	LedgersStore     ObjectStore = "ledgers"
	BudgetsStore     ObjectStore = "budgets"
)

// TxMode selects read-only or read-write access for a transaction.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrReadOnly        = errors.New("write in read-only transaction")
	ErrStoreNotInScope = errors.New("object store not in transaction scope")
)

// Backend is the persistence boundary. Every access happens inside a
// transaction scoped to a named subset of object stores.
type Backend interface {
	Transaction(ctx context.Context, mode TxMode, stores []ObjectStore, fn func(tx Tx) error) error
	Close() error
}

// Tx is the view of the backend inside a transaction.
type Tx interface {
	Get(store ObjectStore, key string) ([]byte, error)
	Put(store ObjectStore, key string, value []byte) error
	Delete(store ObjectStore, key string) error
	Keys(store ObjectStore) ([]string, error)
}

type txScope struct {
	mode   TxMode
	stores map[ObjectStore]struct{}
}

func newTxScope(mode TxMode, stores []ObjectStore) txScope {
	scope := txScope{mode: mode, stores: make(map[ObjectStore]struct{}, len(stores))}
	for _, s := range stores {
		scope.stores[s] = struct{}{}
	}
	return scope
}

func (s txScope) checkRead(store ObjectStore) error {
	if _, ok := s.stores[store]; !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotInScope, store)
	}
	return nil
}

func (s txScope) checkWrite(store ObjectStore) error {
	if err := s.checkRead(store); err != nil {
		return err
	}
	if s.mode != ReadWrite {
		return fmt.Errorf("%w: %s", ErrReadOnly, store)
	}
	return nil
}
