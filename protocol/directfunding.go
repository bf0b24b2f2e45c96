package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
)

// ErrDepositAbandoned is the failure of a direct funding whose deposit was
// abandoned after a failed submission.
var ErrDepositAbandoned = errors.New("deposit abandoned")

// DirectFundingState is a state of the direct funding protocol.
type DirectFundingState uint8

const (
	FundingCheckCurrentLevel DirectFundingState = iota
	FundingUpdatePrefundOutcome
	FundingDepositing
	FundingDepositFailed
	FundingUpdatePostfundOutcome
	FundingSuccess
	FundingFailure
)

func (s DirectFundingState) String() string {
	switch s {
	case FundingCheckCurrentLevel:
		return "checkCurrentLevel"
	case FundingUpdatePrefundOutcome:
		return "updatePrefundOutcome"
	case FundingDepositing:
		return "funding"
	case FundingDepositFailed:
		return "depositFailed"
	case FundingUpdatePostfundOutcome:
		return "updatePostfundOutcome"
	case FundingSuccess:
		return "success"
	case FundingFailure:
		return "failure"
	default:
		return fmt.Sprintf("DirectFundingState(%d)", uint8(s))
	}
}

// DirectFunding funds a channel by on-chain deposits. Minimal holds one item
// per participant, in participant order: the amount that participant must
// have allocated once funding completes.
type DirectFunding struct {
	machine[DirectFundingState]

	ChannelID common.Hash
	Minimal   channel.Allocation

	events chan Event

	// base is the supported state the prefund update builds on.
	base channel.SignedState

	// set by updatePrefundOutcome
	existingTotal *big.Int
	increments    []*big.Int
	prefundTotal  *big.Int
}

func NewDirectFunding(env Env, id common.Hash, minimal channel.Allocation) *DirectFunding {
	return &DirectFunding{
		machine:   machine[DirectFundingState]{env: env, name: "DirectFunding"},
		ChannelID: id,
		Minimal:   minimal.Clone(),
		events:    make(chan Event, 1),
	}
}

// Handle accepts RetryDeposit and AbandonDeposit while a deposit has failed.
func (p *DirectFunding) Handle(ev Event) error {
	switch ev.(type) {
	case RetryDeposit, AbandonDeposit:
		if p.State() != FundingDepositFailed {
			return fmt.Errorf("%w: %T in %s", ErrUnexpectedEvent, ev, p.Status())
		}
		select {
		case p.events <- ev:
			return nil
		default:
			return fmt.Errorf("%w: %T already pending", ErrUnexpectedEvent, ev)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedEvent, ev)
	}
}

func (p *DirectFunding) Run(ctx context.Context) error {
	for {
		var (
			next DirectFundingState
			err  error
		)
		switch p.State() {
		case FundingCheckCurrentLevel:
			next, err = p.checkCurrentLevel(ctx)
		case FundingUpdatePrefundOutcome:
			next, err = p.updatePrefundOutcome(ctx)
		case FundingDepositing:
			next, err = p.fund(ctx)
		case FundingDepositFailed:
			next, err = p.awaitApproval(ctx)
		case FundingUpdatePostfundOutcome:
			next, err = p.updatePostfundOutcome(ctx)
		case FundingSuccess:
			return nil
		case FundingFailure:
			return p.Err()
		}
		if err != nil {
			return p.fail(FundingFailure, fmt.Errorf("direct funding of %s: %w", p.ChannelID.Hex(), err))
		}
		p.transition(next)
	}
}

func (p *DirectFunding) checkCurrentLevel(ctx context.Context) (DirectFundingState, error) {
	entry, err := ensureSupported(ctx, p.env.Store, p.ChannelID)
	if err != nil {
		return 0, err
	}
	if len(p.Minimal) != len(entry.Participants()) {
		return 0, fmt.Errorf("minimal allocation has %d items for %d participants", len(p.Minimal), len(entry.Participants()))
	}
	info, err := p.env.Chain.ChainInfo(ctx, p.ChannelID)
	if err != nil {
		return 0, err
	}

	chain := entry.SupportChain()
	head := chain[len(chain)-1]
	ao, err := head.Outcome.SingleAllocation()
	if err != nil {
		return 0, err
	}
	if ao.Items.Total().Cmp(info.Amount) <= 0 {
		p.base = head
		return FundingUpdatePrefundOutcome, nil
	}

	// a peer's signature alone supports the prefund update of this run
	if len(chain) > 1 {
		prev := chain[len(chain)-2]
		if pao, err := prev.Outcome.SingleAllocation(); err == nil && pao.Items.Total().Cmp(info.Amount) <= 0 {
			plan := p.planPrefund(prev, pao)
			if plan.changed && channel.NewState(entry.Constants, plan.vars).Hash() == head.Hash() {
				p.base = prev
				return FundingUpdatePrefundOutcome, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: outcome %s, holdings %s", channel.ErrChannelUnderfunded, ao.Items.Total(), info.Amount)
}

// prefundPlan is the outcome update of a funding run and the deposit
// schedule it implies.
type prefundPlan struct {
	vars       channel.Variables
	changed    bool
	existing   *big.Int
	increments []*big.Int
	total      *big.Int
}

// planPrefund appends, per participant, the part of its minimal amount the
// base allocation lacks.
func (p *DirectFunding) planPrefund(base channel.SignedState, ao channel.AssetOutcome) prefundPlan {
	items := ao.Items.Clone()
	plan := prefundPlan{
		existing:   items.Total(),
		increments: make([]*big.Int, len(p.Minimal)),
	}
	for i, m := range p.Minimal {
		inc := new(big.Int).Sub(m.Amount, ao.Items.AllocatedTo(m.Destination))
		if inc.Sign() <= 0 {
			plan.increments[i] = new(big.Int)
			continue
		}
		plan.increments[i] = inc
		items = append(items, channel.AllocationItem{Destination: m.Destination, Amount: new(big.Int).Set(inc)})
	}
	plan.total = items.Total()
	plan.changed = len(items) != len(ao.Items)
	plan.vars = nextTurn(base, ao.WithItems(items), false)
	return plan
}

func (p *DirectFunding) updatePrefundOutcome(ctx context.Context) (DirectFundingState, error) {
	ao, err := p.base.Outcome.SingleAllocation()
	if err != nil {
		return 0, err
	}
	plan := p.planPrefund(p.base, ao)
	p.existingTotal, p.increments, p.prefundTotal = plan.existing, plan.increments, plan.total

	if !plan.changed {
		return FundingDepositing, nil
	}
	if err := SupportState(ctx, p.env.Store, p.ChannelID, plan.vars); err != nil {
		return 0, err
	}
	return FundingDepositing, nil
}

// fund watches holdings and deposits this wallet's increment once every
// lower-indexed participant has deposited theirs.
func (p *DirectFunding) fund(ctx context.Context) (DirectFundingState, error) {
	entry, err := p.env.Store.GetEntry(ctx, p.ChannelID)
	if err != nil {
		return 0, err
	}
	me := entry.MyIndex

	depositAt := new(big.Int).Set(p.existingTotal)
	for i := 0; i < me; i++ {
		depositAt.Add(depositAt, p.increments[i])
	}
	totalAfterDeposit := new(big.Int).Add(depositAt, p.increments[me])
	fundedAt := p.prefundTotal

	sub, err := p.env.Chain.ChainUpdatedFeed(ctx, p.ChannelID)
	if err != nil {
		return 0, err
	}
	defer sub.Cancel()

	for {
		info, err := sub.Next(ctx)
		if err != nil {
			return 0, err
		}
		if info.Amount.Cmp(fundedAt) >= 0 {
			return FundingUpdatePostfundOutcome, nil
		}
		if info.Amount.Cmp(depositAt) < 0 || info.Amount.Cmp(totalAfterDeposit) >= 0 {
			continue
		}

		amount := new(big.Int).Sub(totalAfterDeposit, info.Amount)
		if err := p.env.Chain.Deposit(ctx, p.ChannelID, info.Amount, amount); err != nil {
			log.Warnw("deposit failed", "channel", p.ChannelID.Hex(), "amount", amount.String(), "error", err)
			return FundingDepositFailed, nil
		}
		log.Infow("deposited", "channel", p.ChannelID.Hex(), "amount", amount.String())
	}
}

func (p *DirectFunding) awaitApproval(ctx context.Context) (DirectFundingState, error) {
	select {
	case ev := <-p.events:
		if _, ok := ev.(AbandonDeposit); ok {
			return 0, ErrDepositAbandoned
		}
		return FundingDepositing, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *DirectFunding) updatePostfundOutcome(ctx context.Context) (DirectFundingState, error) {
	entry, err := p.env.Store.GetEntry(ctx, p.ChannelID)
	if err != nil {
		return 0, err
	}
	supported, ao, err := supportedAllocation(entry)
	if err != nil {
		return 0, err
	}

	merged := ao.Items.MergeDuplicates()
	if !merged.Equal(ao.Items) {
		vars := nextTurn(supported, ao.WithItems(merged), false)
		if err := SupportState(ctx, p.env.Store, p.ChannelID, vars); err != nil {
			return 0, err
		}
	}

	if entry.Funding == nil {
		err := p.env.Store.SetFunding(ctx, p.ChannelID, channel.DirectFunding())
		if err != nil && !errors.Is(err, channel.ErrAlreadyFunded) {
			return 0, err
		}
	}
	return FundingSuccess, nil
}
