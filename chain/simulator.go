package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/feed"
)

type channelStatus struct {
	challenge *ChallengeInfo
	finalized bool
}

// Simulator is an in-process adjudicator. Holdings and payouts are kept in
// a double-entry ledger so every unit deposited is accounted for.
type Simulator struct {
	db    *gorm.DB
	asset Asset
	clock clock.Clock

	mu           sync.Mutex
	status       map[common.Hash]*channelStatus
	subs         map[common.Hash]map[uint64]*Subscription
	nextSubID    uint64
	failDeposits int
}

var _ Chain = (*Simulator)(nil)

// SimulatorOption customises a Simulator.
type SimulatorOption func(*Simulator)

// WithClock replaces the clock used for challenge expiry.
func WithClock(c clock.Clock) SimulatorOption {
	return func(s *Simulator) {
		s.clock = c
	}
}

// WithAsset replaces the native asset held by the simulator.
func WithAsset(a Asset) SimulatorOption {
	return func(s *Simulator) {
		s.asset = a
	}
}

// NewSimulator migrates the ledger tables on db and registers the asset.
func NewSimulator(db *gorm.DB, chainID uint64, opts ...SimulatorOption) (*Simulator, error) {
	s := &Simulator{
		db:     db,
		asset:  NativeAsset(chainID),
		clock:  clock.NewDefaultClock(),
		status: make(map[common.Hash]*channelStatus),
		subs:   make(map[common.Hash]map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.AutoMigrate(&Entry{}, &Asset{}); err != nil {
		return nil, fmt.Errorf("failed to migrate chain tables: %w", err)
	}
	asset, err := ensureAsset(db, s.asset)
	if err != nil {
		return nil, fmt.Errorf("failed to register asset %s: %w", s.asset.Symbol, err)
	}
	s.asset = *asset
	return s, nil
}

// FailNextDeposits makes the next n Deposit calls fail with ErrDepositRejected.
func (s *Simulator) FailNextDeposits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeposits = n
}

func (s *Simulator) ChainInfo(ctx context.Context, id common.Hash) (ChannelChainInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(ctx, id)
}

func (s *Simulator) ChainUpdatedFeed(ctx context.Context, id common.Hash) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.info(ctx, id)
	if err != nil {
		return nil, err
	}

	s.nextSubID++
	subID := s.nextSubID
	sub := feed.New[ChannelChainInfo](func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[id], subID)
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
	})
	sub.Send(info)

	if s.subs[id] == nil {
		s.subs[id] = make(map[uint64]*Subscription)
	}
	s.subs[id][subID] = sub
	return sub, nil
}

func (s *Simulator) Deposit(ctx context.Context, id common.Hash, expectedHeld, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDeposits > 0 {
		s.failDeposits--
		return fmt.Errorf("%w: channel %s", ErrDepositRejected, id.Hex())
	}
	if st := s.status[id]; st != nil && st.finalized {
		return fmt.Errorf("%w: %s", ErrChannelFinalized, id.Hex())
	}

	var taken *big.Int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := newLedger(tx, s.asset.Symbol)
		held, err := s.holdings(ledger, id)
		if err != nil {
			return err
		}
		if held.Cmp(expectedHeld) < 0 {
			return fmt.Errorf("%w: held %s, expected %s", ErrHoldingsBelowHeld, held, expectedHeld)
		}
		// the part of the deposit already covered by someone else is refunded
		taken = new(big.Int).Sub(new(big.Int).Add(expectedHeld, amount), held)
		if taken.Sign() <= 0 {
			return nil
		}
		return ledger.Transfer(externalAccount, EquityExternal, id.Hex(), LiabilityChannel, decimal.NewFromBigInt(taken, 0))
	})
	if err != nil {
		return err
	}
	if taken.Sign() <= 0 {
		return nil
	}

	log.Infow("deposit", "channel", id.Hex(), "amount", s.asset.ToDecimal(taken).String(), "asset", s.asset.Symbol)
	s.publish(ctx, id)
	return nil
}

func (s *Simulator) Challenge(ctx context.Context, support channel.SignedState, challenger *channel.Signer) error {
	if support.IndexOf(challenger.Address()) < 0 {
		return fmt.Errorf("%w: challenger %s", channel.ErrNotAParticipant, challenger.Address().Hex())
	}
	if _, err := verifiedSigners(support); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := support.ChannelID()
	st := s.statusOf(id)
	if st.finalized {
		return fmt.Errorf("%w: %s", ErrChannelFinalized, id.Hex())
	}
	if st.challenge != nil && st.challenge.TurnNum >= support.TurnNum {
		return fmt.Errorf("challenge at turn %d does not supersede turn %d", support.TurnNum, st.challenge.TurnNum)
	}
	st.challenge = &ChallengeInfo{
		TurnNum:     support.TurnNum,
		Outcome:     support.Outcome.Clone(),
		FinalizesAt: s.clock.Now().Add(time.Duration(support.ChallengeDuration) * time.Second),
	}

	log.Infow("challenge registered", "channel", id.Hex(), "turn", support.TurnNum)
	s.publish(ctx, id)
	return nil
}

// FinalizeAndWithdraw pays out a channel. support must be a final state signed
// by every participant, unless a registered challenge has expired, in which
// case the challenged outcome is paid.
func (s *Simulator) FinalizeAndWithdraw(ctx context.Context, support channel.SignedState) error {
	id := support.ChannelID()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statusOf(id)
	if st.finalized {
		return fmt.Errorf("%w: %s", ErrChannelFinalized, id.Hex())
	}

	outcome := support.Outcome
	switch {
	case st.challenge != nil && !s.clock.Now().Before(st.challenge.FinalizesAt):
		outcome = st.challenge.Outcome
	case support.IsFinal:
		signers, err := verifiedSigners(support)
		if err != nil {
			return err
		}
		if len(signers) != len(support.Participants) {
			return fmt.Errorf("%w: %d of %d", ErrInsufficientSigned, len(signers), len(support.Participants))
		}
	default:
		return fmt.Errorf("%w: %s", ErrNotFinalizable, id.Hex())
	}

	alloc, err := outcome.SingleAllocation()
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := newLedger(tx, s.asset.Symbol)
		remaining, err := s.holdings(ledger, id)
		if err != nil {
			return err
		}
		for _, item := range alloc.Items {
			if remaining.Sign() == 0 {
				break
			}
			pay := item.Amount
			if pay.Cmp(remaining) > 0 {
				pay = remaining
			}
			if pay.Sign() == 0 {
				continue
			}
			if err := ledger.Transfer(id.Hex(), LiabilityChannel, item.Destination.Hex(), AssetDestination, decimal.NewFromBigInt(pay, 0)); err != nil {
				return err
			}
			remaining = new(big.Int).Sub(remaining, pay)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to pay out %s: %w", id.Hex(), err)
	}

	st.finalized = true
	log.Infow("channel finalized", "channel", id.Hex())
	s.publish(ctx, id)
	return nil
}

// PaidOut is the amount withdrawn to a destination so far.
func (s *Simulator) PaidOut(ctx context.Context, destination common.Hash) (*big.Int, error) {
	bal, err := newLedger(s.db.WithContext(ctx), s.asset.Symbol).Balance(destination.Hex())
	if err != nil {
		return nil, err
	}
	return bal.BigInt(), nil
}

// CheckConservation verifies that every deposited unit is either held for a
// channel or paid out.
func (s *Simulator) CheckConservation(ctx context.Context) error {
	ledger := newLedger(s.db.WithContext(ctx), s.asset.Symbol)
	var sum decimal.Decimal
	for _, t := range []AccountType{AssetDestination, LiabilityChannel, EquityExternal} {
		bal, err := ledger.TotalByType(t)
		if err != nil {
			return err
		}
		sum = sum.Add(bal)
	}
	if !sum.IsZero() {
		return fmt.Errorf("holdings ledger out of balance by %s", sum)
	}
	return nil
}

// info must be called with s.mu held.
func (s *Simulator) info(ctx context.Context, id common.Hash) (ChannelChainInfo, error) {
	held, err := s.holdings(newLedger(s.db.WithContext(ctx), s.asset.Symbol), id)
	if err != nil {
		return ChannelChainInfo{}, err
	}
	info := ChannelChainInfo{ChannelID: id, Amount: held}
	if st := s.status[id]; st != nil {
		info.Finalized = st.finalized
		if st.challenge != nil {
			c := *st.challenge
			info.Challenge = &c
		}
	}
	return info, nil
}

func (s *Simulator) holdings(ledger *Ledger, id common.Hash) (*big.Int, error) {
	bal, err := ledger.Balance(id.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to read holdings of %s: %w", id.Hex(), err)
	}
	return bal.BigInt(), nil
}

func (s *Simulator) statusOf(id common.Hash) *channelStatus {
	st, ok := s.status[id]
	if !ok {
		st = &channelStatus{}
		s.status[id] = st
	}
	return st
}

// publish must be called with s.mu held.
func (s *Simulator) publish(ctx context.Context, id common.Hash) {
	if len(s.subs[id]) == 0 {
		return
	}
	info, err := s.info(ctx, id)
	if err != nil {
		log.Errorw("failed to read chain info", "channel", id.Hex(), "error", err)
		return
	}
	for _, sub := range s.subs[id] {
		sub.Send(info)
	}
}

// verifiedSigners recovers the distinct participants that signed ss.
func verifiedSigners(ss channel.SignedState) ([]common.Address, error) {
	seen := make(map[common.Address]bool)
	var signers []common.Address
	for _, sig := range ss.Signatures {
		addr, err := channel.RecoverSigner(ss.State, sig)
		if err != nil {
			return nil, err
		}
		if ss.IndexOf(addr) < 0 {
			return nil, fmt.Errorf("%w: %s", channel.ErrUnknownSigner, addr.Hex())
		}
		if !seen[addr] {
			seen[addr] = true
			signers = append(signers, addr)
		}
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: state carries no signatures", channel.ErrInvalidSignature)
	}
	return signers, nil
}
