package protocol

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
)

// ConcludeState is a state of the conclude-channel protocol.
type ConcludeState uint8

const (
	ConcludeFinalize ConcludeState = iota
	ConcludeDefund
	ConcludeSuccess
	ConcludeFailure
)

func (s ConcludeState) String() string {
	switch s {
	case ConcludeFinalize:
		return "finalize"
	case ConcludeDefund:
		return "defund"
	case ConcludeSuccess:
		return "success"
	case ConcludeFailure:
		return "failure"
	default:
		return fmt.Sprintf("ConcludeState(%d)", uint8(s))
	}
}

// ConcludeChannel finalizes a channel off-chain and returns its funds to
// whatever funds it.
type ConcludeChannel struct {
	machine[ConcludeState]

	ChannelID common.Hash
}

func NewConcludeChannel(env Env, id common.Hash) *ConcludeChannel {
	return &ConcludeChannel{
		machine:   machine[ConcludeState]{env: env, name: "ConcludeChannel"},
		ChannelID: id,
	}
}

func (p *ConcludeChannel) Handle(ev Event) error {
	return p.forward(ev)
}

func (p *ConcludeChannel) Run(ctx context.Context) error {
	for {
		var (
			next ConcludeState
			err  error
		)
		switch p.State() {
		case ConcludeFinalize:
			next, err = p.finalize(ctx)
		case ConcludeDefund:
			next, err = p.defund(ctx)
		case ConcludeSuccess:
			return nil
		case ConcludeFailure:
			return p.Err()
		}
		if err != nil {
			return p.fail(ConcludeFailure, fmt.Errorf("conclude %s: %w", p.ChannelID.Hex(), err))
		}
		p.transition(next)
	}
}

func (p *ConcludeChannel) finalize(ctx context.Context) (ConcludeState, error) {
	entry, err := p.env.Store.GetEntry(ctx, p.ChannelID)
	if err != nil {
		return 0, err
	}
	// joint channels are finalized by virtual defunding
	if entry.Funding != nil && (entry.Funding.Type == channel.FundingGuarantees || entry.Funding.Type == channel.FundingGuarantee) {
		return ConcludeDefund, nil
	}

	if entry, err = ensureSupported(ctx, p.env.Store, p.ChannelID); err != nil {
		return 0, err
	}
	supported, _ := entry.Supported()
	if supported.IsFinal {
		// the mover's signature alone supports it; withdrawing needs ours too
		if err := Countersign(ctx, p.env.Store, entry, supported); err != nil {
			log.Warnw("final state not countersigned", "channel", p.ChannelID.Hex(), "error", err)
		}
		return ConcludeDefund, nil
	}
	if err := SupportState(ctx, p.env.Store, p.ChannelID, nextTurn(supported, supported.Outcome.Clone(), true)); err != nil {
		return 0, err
	}
	return ConcludeDefund, nil
}

func (p *ConcludeChannel) defund(ctx context.Context) (ConcludeState, error) {
	entry, err := p.env.Store.GetEntry(ctx, p.ChannelID)
	if err != nil {
		return 0, err
	}
	if entry.Funding == nil {
		return ConcludeSuccess, nil
	}

	var child Instance
	switch f := entry.Funding; f.Type {
	case channel.FundingDirect:
		return ConcludeSuccess, nil
	case channel.FundingIndirect:
		if err := p.defundFromLedger(ctx, f.LedgerID); err != nil {
			return 0, err
		}
		return ConcludeSuccess, nil
	case channel.FundingVirtual:
		child = NewVirtualDefundingLeaf(p.env, p.ChannelID)
	case channel.FundingGuarantee:
		// a leaf concluding its joint channel defunds the virtual channel it funds
		target, err := p.guaranteedTarget(ctx, f.GuarantorID)
		if err != nil {
			return 0, err
		}
		child = NewVirtualDefundingLeaf(p.env, target)
	case channel.FundingGuarantees:
		child = NewVirtualDefundingHub(p.env, p.ChannelID)
	default:
		return 0, fmt.Errorf("unknown funding type %q", f.Type)
	}
	if err := p.runChild(ctx, child); err != nil {
		return 0, err
	}
	return ConcludeSuccess, nil
}

func (p *ConcludeChannel) guaranteedTarget(ctx context.Context, guarantor common.Hash) (common.Hash, error) {
	g, err := p.env.Store.GetEntry(ctx, guarantor)
	if err != nil {
		return common.Hash{}, err
	}
	latest, _ := g.Latest()
	guarantee, err := latest.Outcome.SingleGuarantee()
	if err != nil {
		return common.Hash{}, err
	}
	if len(guarantee.Destinations) == 0 {
		return common.Hash{}, fmt.Errorf("%w: guarantee of %s names no target", channel.ErrDestinationMissing, guarantor.Hex())
	}
	return guarantee.Destinations[0], nil
}

// defundFromLedger replaces the channel's ledger item with the channel's
// final allocation.
func (p *ConcludeChannel) defundFromLedger(ctx context.Context, ledgerID common.Hash) error {
	entry, err := p.env.Store.GetEntry(ctx, p.ChannelID)
	if err != nil {
		return err
	}
	final, ok := entry.Supported()
	if !ok || !final.IsFinal {
		return fmt.Errorf("%w: %s", channel.ErrChannelNotFinalized, p.ChannelID.Hex())
	}
	fao, err := final.Outcome.SingleAllocation()
	if err != nil {
		return err
	}

	ledger, err := p.env.Store.GetEntry(ctx, ledgerID)
	if err != nil {
		return err
	}
	supported, lao, err := supportedAllocation(ledger)
	if err != nil {
		return err
	}
	if !lao.Items.Contains(p.ChannelID) {
		return nil
	}

	items, held := lao.Items.Remove(p.ChannelID)
	if held.Cmp(fao.Items.Total()) != 0 {
		return fmt.Errorf("%w: ledger item %s, final outcome %s", channel.ErrTargetChannelUnderfunded, held, fao.Items.Total())
	}
	for _, it := range fao.Items {
		items = items.Credit(it.Destination, it.Amount)
	}
	if err := SupportState(ctx, p.env.Store, ledgerID, nextTurn(supported, lao.WithItems(items), false)); err != nil {
		return err
	}
	log.Infow("defunded from ledger", "channel", p.ChannelID.Hex(), "ledger", ledgerID.Hex())
	return nil
}
