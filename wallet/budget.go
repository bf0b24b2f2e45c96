package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

var ErrBudgetExceeded = errors.New("budget exceeded")

// CreateChannel opens a channel. When the params name an application domain
// that has a budget, what this wallet puts into the channel is charged
// against that budget's send allowance.
func (e *Engine) CreateChannel(ctx context.Context, params store.ChannelParams) (*store.Entry, error) {
	var charged *store.DomainBudget
	if params.ApplicationDomain != "" {
		var err error
		if charged, err = e.chargeBudget(ctx, params); err != nil {
			return nil, err
		}
	}
	entry, err := e.store.CreateChannel(ctx, params)
	if err != nil {
		return nil, err
	}
	if charged != nil {
		if err := e.store.SetBudget(ctx, *charged); err != nil {
			return nil, fmt.Errorf("failed to charge budget: %w", err)
		}
	}
	log.Infow("channel created", "channel", entry.ChannelID.Hex(), "domain", params.ApplicationDomain)
	return entry, nil
}

// chargeBudget returns the domain budget less this wallet's contribution,
// or nil if the domain has no budget.
func (e *Engine) chargeBudget(ctx context.Context, params store.ChannelParams) (*store.DomainBudget, error) {
	budget, err := e.store.Budget(ctx, params.ApplicationDomain)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	spend := e.ownContribution(params)
	for i, ab := range budget.ForAsset {
		amount, ok := spend[ab.AssetHolder.Hex()]
		if !ok {
			continue
		}
		if ab.AvailableSend.Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: domain %s needs %s of %s, %s available",
				ErrBudgetExceeded, budget.Domain, amount, ab.AssetHolder.Hex(), ab.AvailableSend)
		}
		budget.ForAsset[i].AvailableSend = new(big.Int).Sub(ab.AvailableSend, amount)
	}
	return &budget, nil
}

// ownContribution sums, per asset holder, the amounts the initial outcome
// allocates to participants whose keys this wallet holds.
func (e *Engine) ownContribution(params store.ChannelParams) map[string]*big.Int {
	mine := make(map[common.Hash]bool)
	for _, p := range params.Participants {
		if e.store.IsMine(p.SigningAddress) {
			mine[p.Destination] = true
		}
	}

	out := make(map[string]*big.Int)
	for _, ao := range params.Variables.Outcome {
		if ao.Type != channel.SimpleAllocationType {
			continue
		}
		sum := new(big.Int)
		for _, it := range ao.Items {
			if mine[it.Destination] && it.Amount != nil {
				sum.Add(sum, it.Amount)
			}
		}
		out[ao.AssetHolder.Hex()] = sum
	}
	return out
}
