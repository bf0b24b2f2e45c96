package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

// LedgerFundingState is a state of the ledger funding protocol.
type LedgerFundingState uint8

const (
	LedgerWaitForChannel LedgerFundingState = iota
	LedgerFundLedger
	LedgerFundTarget
	LedgerUpdateFunding
	LedgerSuccess
	LedgerFailure
)

func (s LedgerFundingState) String() string {
	switch s {
	case LedgerWaitForChannel:
		return "waitForChannel"
	case LedgerFundLedger:
		return "fundLedger"
	case LedgerFundTarget:
		return "fundTarget"
	case LedgerUpdateFunding:
		return "updateFunding"
	case LedgerSuccess:
		return "success"
	case LedgerFailure:
		return "failure"
	default:
		return fmt.Sprintf("LedgerFundingState(%d)", uint8(s))
	}
}

// ledgerCreationRetry is how long a wallet waits before retrying to take the
// ledger creation lock held by a sibling instance.
const ledgerCreationRetry = 20 * time.Millisecond

// LedgerFunding funds a target channel from the ledger channel this wallet
// shares with Peer. Deductions name, per destination, what moves from the
// ledger into the target.
type LedgerFunding struct {
	machine[LedgerFundingState]

	TargetID   common.Hash
	Peer       channel.Participant
	Deductions channel.Allocation

	LedgerID common.Hash
}

func NewLedgerFunding(env Env, target common.Hash, peer channel.Participant, deductions channel.Allocation) *LedgerFunding {
	return &LedgerFunding{
		machine:    machine[LedgerFundingState]{env: env, name: "LedgerFunding"},
		TargetID:   target,
		Peer:       peer,
		Deductions: deductions.Clone(),
	}
}

// Handle forwards deposit events to the ledger's direct funding.
func (p *LedgerFunding) Handle(ev Event) error {
	return p.forward(ev)
}

func (p *LedgerFunding) Run(ctx context.Context) error {
	for {
		var (
			next LedgerFundingState
			err  error
		)
		switch p.State() {
		case LedgerWaitForChannel:
			next, err = p.waitForChannel(ctx)
		case LedgerFundLedger:
			next, err = p.fundLedger(ctx)
		case LedgerFundTarget:
			next, err = p.fundTarget(ctx)
		case LedgerUpdateFunding:
			next, err = p.updateFunding(ctx)
		case LedgerSuccess:
			return nil
		case LedgerFailure:
			return p.Err()
		}
		if err != nil {
			return p.fail(LedgerFailure, fmt.Errorf("ledger funding of %s: %w", p.TargetID.Hex(), err))
		}
		p.transition(next)
	}
}

// waitForChannel finds the ledger shared with the peer. The participant
// listed first in the target creates it; the other waits for its FundLedger
// objective.
func (p *LedgerFunding) waitForChannel(ctx context.Context) (LedgerFundingState, error) {
	target, err := p.env.Store.GetEntry(ctx, p.TargetID)
	if err != nil {
		return 0, err
	}
	participants, err := p.ledgerParticipants(target)
	if err != nil {
		return 0, err
	}
	leader := participants[0].SigningAddress == target.Me().SigningAddress

	var ledger common.Hash
	if leader {
		ledger, err = p.createLedger(ctx, target, participants)
	} else {
		ledger, err = p.awaitLedger(ctx)
	}
	if err != nil {
		return 0, err
	}
	p.LedgerID = ledger

	if _, err := ensureSupported(ctx, p.env.Store, ledger); err != nil {
		return 0, err
	}
	return LedgerFundLedger, nil
}

// ledgerParticipants orders this wallet and the peer as in the target.
func (p *LedgerFunding) ledgerParticipants(target *store.Entry) ([]channel.Participant, error) {
	me := target.Me()
	var out []channel.Participant
	for _, q := range target.Participants() {
		if q.SigningAddress == me.SigningAddress || q.SigningAddress == p.Peer.SigningAddress {
			out = append(out, q)
		}
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("%w: peer %s in %s", channel.ErrNotAParticipant, p.Peer.ParticipantID, p.TargetID.Hex())
	}
	return out, nil
}

func (p *LedgerFunding) createLedger(ctx context.Context, target *store.Entry, participants []channel.Participant) (common.Hash, error) {
	// sibling instances funding other targets with the same peer must not
	// create a second ledger
	lockID := crypto.Keccak256Hash([]byte("ledger:" + p.Peer.ParticipantID))
	for {
		token, ok := p.env.Store.AcquireChannelLock(lockID, p.env.lockTimeout())
		if ok {
			defer p.env.Store.ReleaseChannelLock(lockID, token)
			break
		}
		select {
		case <-p.env.clock().TickAfter(ledgerCreationRetry):
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}

	if id, ok, err := p.env.Store.LedgerWith(ctx, p.Peer.ParticipantID); err != nil || ok {
		return id, err
	}

	ledger, err := p.env.Store.CreateChannel(ctx, store.ChannelParams{
		Participants:      participants,
		ChallengeDuration: target.Constants.ChallengeDuration,
		Variables:         channel.Variables{Outcome: channel.SimpleAllocation(p.assetHolder(target))},
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create ledger: %w", err)
	}
	winner, err := p.env.Store.RegisterLedger(ctx, p.Peer.ParticipantID, ledger.ChannelID)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := p.env.Store.AddObjective(ctx, store.NewFundLedger(participants, winner), true); err != nil {
		return common.Hash{}, err
	}
	log.Infow("created ledger", "ledger", winner.Hex(), "peer", p.Peer.ParticipantID)
	return winner, nil
}

func (p *LedgerFunding) awaitLedger(ctx context.Context) (common.Hash, error) {
	sub, err := p.env.Store.ObjectiveFeed(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	defer sub.Cancel()

	for {
		if id, ok, err := p.env.Store.LedgerWith(ctx, p.Peer.ParticipantID); err != nil || ok {
			return id, err
		}
		obj, err := sub.Next(ctx)
		if err != nil {
			return common.Hash{}, err
		}
		if obj.Type != store.FundLedger || !involves(obj, p.Peer) {
			continue
		}
		if _, err := waitForEntry(ctx, p.env.Store, obj.LedgerID); err != nil {
			return common.Hash{}, err
		}
		if _, err := p.env.Store.RegisterLedger(ctx, p.Peer.ParticipantID, obj.LedgerID); err != nil {
			return common.Hash{}, err
		}
	}
}

func (p *LedgerFunding) assetHolder(target *store.Entry) common.Address {
	if latest, ok := target.Latest(); ok && len(latest.Outcome) > 0 {
		return latest.Outcome[0].AssetHolder
	}
	return common.Address{}
}

// fundLedger directly funds the ledger up to the deductions.
func (p *LedgerFunding) fundLedger(ctx context.Context) (LedgerFundingState, error) {
	ledger, err := p.env.Store.GetEntry(ctx, p.LedgerID)
	if err != nil {
		return 0, err
	}
	minimal := make(channel.Allocation, 0, 2)
	for _, q := range ledger.Participants() {
		minimal = append(minimal, channel.AllocationItem{
			Destination: q.Destination,
			Amount:      p.Deductions.AllocatedTo(q.Destination),
		})
	}
	if err := p.runChild(ctx, NewDirectFunding(p.env, p.LedgerID, minimal)); err != nil {
		return 0, err
	}
	return LedgerFundTarget, nil
}

// fundTarget moves the deductions into a new ledger item for the target.
func (p *LedgerFunding) fundTarget(ctx context.Context) (LedgerFundingState, error) {
	ledger, err := p.env.Store.GetEntry(ctx, p.LedgerID)
	if err != nil {
		return 0, err
	}
	supported, ao, err := supportedAllocation(ledger)
	if err != nil {
		return 0, err
	}
	if ao.Items.Contains(p.TargetID) {
		return LedgerUpdateFunding, nil
	}

	items, err := ao.Items.Deduct(p.Deductions, p.TargetID)
	if err != nil {
		return 0, err
	}
	err = SupportState(ctx, p.env.Store, p.LedgerID, nextTurn(supported, ao.WithItems(items), false))
	if errors.Is(err, channel.ErrStateConflict) {
		// a sibling funding won the turn; deduct again from its result
		log.Debugw("ledger turn taken", "ledger", p.LedgerID.Hex(), "target", p.TargetID.Hex())
		return LedgerFundTarget, nil
	}
	if err != nil {
		return 0, err
	}
	return LedgerUpdateFunding, nil
}

func (p *LedgerFunding) updateFunding(ctx context.Context) (LedgerFundingState, error) {
	if err := setFunding(ctx, p.env.Store, p.TargetID, channel.IndirectFunding(p.LedgerID)); err != nil {
		return 0, err
	}
	return LedgerSuccess, nil
}

// setFunding records funding, tolerating an identical existing record.
func setFunding(ctx context.Context, st Store, id common.Hash, funding channel.Funding) error {
	err := st.SetFunding(ctx, id, funding)
	if !errors.Is(err, channel.ErrAlreadyFunded) {
		return err
	}
	entry, gerr := st.GetEntry(ctx, id)
	if gerr != nil {
		return gerr
	}
	if entry.Funding != nil && *entry.Funding == funding {
		return nil
	}
	return err
}

func involves(obj store.Objective, p channel.Participant) bool {
	for _, q := range obj.Participants {
		if q.SigningAddress == p.SigningAddress {
			return true
		}
	}
	return false
}
