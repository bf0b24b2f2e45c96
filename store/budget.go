package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetBudget caps what may flow through a hub for one asset.
type AssetBudget struct {
	AssetHolder      common.Address `json:"assetHolder"`
	AvailableSend    *big.Int       `json:"availableSend" validate:"required"`
	AvailableReceive *big.Int       `json:"availableReceive" validate:"required"`
}

// DomainBudget is the spending allowance granted to an application domain.
type DomainBudget struct {
	Domain     string         `json:"domain" validate:"required"`
	HubAddress common.Address `json:"hubAddress"`
	ForAsset   []AssetBudget  `json:"forAsset" validate:"dive"`
}

// SetBudget stores or replaces the budget of b.Domain.
func (s *Store) SetBudget(ctx context.Context, b DomainBudget) error {
	if err := s.validate.Struct(b); err != nil {
		return fmt.Errorf("invalid budget: %w", err)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.backend.Transaction(ctx, ReadWrite, []ObjectStore{BudgetsStore}, func(tx Tx) error {
		return tx.Put(BudgetsStore, b.Domain, raw)
	})
}

// Budget returns the budget of a domain, or ErrNotFound.
func (s *Store) Budget(ctx context.Context, domain string) (DomainBudget, error) {
	var b DomainBudget
	err := s.backend.Transaction(ctx, ReadOnly, []ObjectStore{BudgetsStore}, func(tx Tx) error {
		raw, err := tx.Get(BudgetsStore, domain)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &b)
	})
	if errors.Is(err, ErrNotFound) {
		return DomainBudget{}, fmt.Errorf("budget for %q: %w", domain, ErrNotFound)
	}
	return b, err
}
