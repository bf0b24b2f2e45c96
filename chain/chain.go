// Package chain is the boundary to the adjudicator contract holding channel
// funds, plus an in-process simulator of it.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/feed"
)

var (
	ErrDepositRejected    = errors.New("deposit rejected")
	ErrHoldingsBelowHeld  = errors.New("holdings below expected")
	ErrChannelFinalized   = errors.New("channel already finalized")
	ErrNotFinalizable     = errors.New("channel cannot be finalized yet")
	ErrInsufficientSigned = errors.New("state is not signed by every participant")
)

// ChallengeInfo describes a registered challenge.
type ChallengeInfo struct {
	TurnNum     uint64          `json:"turnNum"`
	Outcome     channel.Outcome `json:"outcome"`
	FinalizesAt time.Time       `json:"finalizesAt"`
}

// ChannelChainInfo is the adjudicator's view of one channel.
type ChannelChainInfo struct {
	ChannelID common.Hash    `json:"channelId"`
	Amount    *big.Int       `json:"amount"`
	Challenge *ChallengeInfo `json:"challenge,omitempty"`
	Finalized bool           `json:"finalized"`
}

// Subscription streams a channel's chain info after every change.
type Subscription = feed.Subscription[ChannelChainInfo]

// Chain is what the protocols need from the adjudicator.
type Chain interface {
	ChainInfo(ctx context.Context, id common.Hash) (ChannelChainInfo, error)
	// ChainUpdatedFeed delivers the current info first.
	ChainUpdatedFeed(ctx context.Context, id common.Hash) (*Subscription, error)
	// Deposit adds funds if holdings are at least expectedHeld. Only the part
	// of amount above current holdings is taken.
	Deposit(ctx context.Context, id common.Hash, expectedHeld, amount *big.Int) error
	Challenge(ctx context.Context, support channel.SignedState, challenger *channel.Signer) error
	FinalizeAndWithdraw(ctx context.Context, support channel.SignedState) error
}
