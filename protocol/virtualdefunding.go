package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

// VirtualDefundingState is a state of the virtual defunding protocols.
type VirtualDefundingState uint8

const (
	DefundCheckTarget VirtualDefundingState = iota
	DefundFinalizeJoint
	DefundUpdateLedger
	DefundLegs
	DefundCleanup
	DefundSuccess
	DefundFailure
)

func (s VirtualDefundingState) String() string {
	switch s {
	case DefundCheckTarget:
		return "checkTarget"
	case DefundFinalizeJoint:
		return "finalizeJoint"
	case DefundUpdateLedger:
		return "updateLedger"
	case DefundLegs:
		return "defundLegs"
	case DefundCleanup:
		return "cleanup"
	case DefundSuccess:
		return "success"
	case DefundFailure:
		return "failure"
	default:
		return fmt.Sprintf("VirtualDefundingState(%d)", uint8(s))
	}
}

// guarantorLeg is one guarantor of a joint channel and the ledger funding it.
type guarantorLeg struct {
	leaf      channel.Participant
	guarantor common.Hash
	ledger    common.Hash
}

func resolveLeg(ctx context.Context, st Store, guarantor common.Hash) (guarantorLeg, error) {
	g, err := st.GetEntry(ctx, guarantor)
	if err != nil {
		return guarantorLeg{}, err
	}
	if g.Funding == nil || g.Funding.Type != channel.FundingIndirect {
		return guarantorLeg{}, fmt.Errorf("guarantor %s is not ledger funded", guarantor.Hex())
	}
	leg := guarantorLeg{guarantor: guarantor, ledger: g.Funding.LedgerID}
	// the guarantor is [leaf, hub]
	leg.leaf = g.Participants()[0]
	return leg, nil
}

// defundLedger removes the guarantor item from the leg's ledger and pays
// the leaf its final joint share, the hub the rest.
func defundLedger(ctx context.Context, st Store, leg guarantorLeg, hub channel.Participant, final channel.Allocation) error {
	ledger, err := st.GetEntry(ctx, leg.ledger)
	if err != nil {
		return err
	}
	supported, ao, err := supportedAllocation(ledger)
	if err != nil {
		return err
	}
	if !ao.Items.Contains(leg.guarantor) {
		return nil
	}

	items, g := ao.Items.Remove(leg.guarantor)
	leafShare := final.AllocatedTo(leg.leaf.Destination)
	hubShare := new(big.Int).Sub(g, leafShare)
	if hubShare.Sign() < 0 {
		return fmt.Errorf("%w: guarantor %s holds %s, leaf is owed %s", channel.ErrInsufficientFunds, leg.guarantor.Hex(), g, leafShare)
	}
	items = items.Credit(leg.leaf.Destination, leafShare).Credit(hub.Destination, hubShare)

	if err := SupportState(ctx, st, leg.ledger, nextTurn(supported, ao.WithItems(items), false)); err != nil {
		return err
	}
	log.Infow("guarantor defunded", "guarantor", leg.guarantor.Hex(), "ledger", leg.ledger.Hex(), "leaf", leafShare.String(), "hub", hubShare.String())
	return nil
}

// VirtualDefundingLeaf returns a finalized virtual channel's funds to the
// ledger this leaf shares with the hub.
type VirtualDefundingLeaf struct {
	machine[VirtualDefundingState]

	TargetID common.Hash

	jointID common.Hash
	hub     channel.Participant
	leg     guarantorLeg
	final   channel.Allocation
}

func NewVirtualDefundingLeaf(env Env, target common.Hash) *VirtualDefundingLeaf {
	return &VirtualDefundingLeaf{
		machine:  machine[VirtualDefundingState]{env: env, name: "VirtualDefundingLeaf"},
		TargetID: target,
	}
}

// Handle rejects every event: defunding needs no approvals.
func (p *VirtualDefundingLeaf) Handle(ev Event) error {
	return fmt.Errorf("%w: %T", ErrUnexpectedEvent, ev)
}

func (p *VirtualDefundingLeaf) Run(ctx context.Context) error {
	for {
		var (
			next VirtualDefundingState
			err  error
		)
		switch p.State() {
		case DefundCheckTarget:
			next, err = p.checkTarget(ctx)
		case DefundFinalizeJoint:
			next, err = p.finalizeJoint(ctx)
		case DefundUpdateLedger:
			next, err = p.updateLedger(ctx)
		case DefundCleanup:
			next, err = p.cleanup(ctx)
		case DefundSuccess:
			return nil
		case DefundFailure:
			return p.Err()
		default:
			err = fmt.Errorf("%w: leaf in %s", ErrUnexpectedEvent, p.Status())
		}
		if err != nil {
			return p.fail(DefundFailure, fmt.Errorf("virtual defunding of %s: %w", p.TargetID.Hex(), err))
		}
		p.transition(next)
	}
}

func (p *VirtualDefundingLeaf) checkTarget(ctx context.Context) (VirtualDefundingState, error) {
	target, err := p.env.Store.GetEntry(ctx, p.TargetID)
	if err != nil {
		return 0, err
	}
	supported, ok := target.Supported()
	if !ok || !supported.IsFinal {
		return 0, fmt.Errorf("%w: %s", channel.ErrChannelNotFinalized, p.TargetID.Hex())
	}
	if target.Funding == nil || target.Funding.Type != channel.FundingVirtual {
		return 0, fmt.Errorf("target %s is not virtually funded", p.TargetID.Hex())
	}
	p.jointID = target.Funding.JointChannelID

	joint, err := p.env.Store.GetEntry(ctx, p.jointID)
	if err != nil {
		return 0, err
	}
	if joint.Funding == nil || joint.Funding.Type != channel.FundingGuarantee {
		return 0, fmt.Errorf("joint channel %s has no guarantor", p.jointID.Hex())
	}
	p.hub = joint.Participants()[hubIndex]
	if p.leg, err = resolveLeg(ctx, p.env.Store, joint.Funding.GuarantorID); err != nil {
		return 0, err
	}

	if js, ok := joint.Supported(); ok && js.IsFinal {
		ledger, err := p.env.Store.GetEntry(ctx, p.leg.ledger)
		if err != nil {
			return 0, err
		}
		if _, lao, err := supportedAllocation(ledger); err == nil && !lao.Items.Contains(p.leg.guarantor) {
			log.Debugw("already defunded", "target", p.TargetID.Hex())
			return DefundCleanup, nil
		}
	}
	return DefundFinalizeJoint, nil
}

// finalJointOutcome computes the final joint outcome [A, H, B] from the target's
// final outcome.
func finalJointOutcome(joint *store.Entry, target channel.SignedState, targetID common.Hash) (channel.SignedState, channel.Outcome, error) {
	js, jao, err := supportedAllocation(joint)
	if err != nil {
		return channel.SignedState{}, nil, err
	}
	tao, err := target.Outcome.SingleAllocation()
	if err != nil {
		return channel.SignedState{}, nil, err
	}
	if !jao.Items.Contains(targetID) {
		return channel.SignedState{}, nil, fmt.Errorf("%w: joint %s has no item for %s", channel.ErrDestinationMissing, joint.ChannelID.Hex(), targetID.Hex())
	}
	funded := jao.Items.AllocatedTo(targetID)
	if tao.Items.Total().Cmp(funded) != 0 {
		return channel.SignedState{}, nil, fmt.Errorf("%w: target final total %s, joint item %s", channel.ErrTargetChannelUnderfunded, tao.Items.Total(), funded)
	}

	participants := joint.Participants()
	items := make(channel.Allocation, 0, jointSize)
	for i, q := range participants {
		var amount *big.Int
		if i == hubIndex {
			amount = jao.Items.AllocatedTo(q.Destination)
		} else {
			if !tao.Items.Contains(q.Destination) {
				return channel.SignedState{}, nil, fmt.Errorf("%w: %s in final outcome of %s", channel.ErrDestinationMissing, q.ParticipantID, targetID.Hex())
			}
			amount = tao.Items.AllocatedTo(q.Destination)
		}
		items = append(items, channel.AllocationItem{Destination: q.Destination, Amount: amount})
	}
	return js, jao.WithItems(items), nil
}

func (p *VirtualDefundingLeaf) finalizeJoint(ctx context.Context) (VirtualDefundingState, error) {
	joint, err := p.env.Store.GetEntry(ctx, p.jointID)
	if err != nil {
		return 0, err
	}
	if js, ok := joint.Supported(); ok && js.IsFinal {
		ao, err := js.Outcome.SingleAllocation()
		if err != nil {
			return 0, err
		}
		p.final = ao.Items
		return DefundUpdateLedger, nil
	}

	target, err := p.env.Store.GetEntry(ctx, p.TargetID)
	if err != nil {
		return 0, err
	}
	ts, _ := target.Supported()
	js, outcome, err := finalJointOutcome(joint, ts, p.TargetID)
	if err != nil {
		return 0, err
	}

	obj := store.NewDefundGuarantor([]channel.Participant{joint.Me(), p.hub}, p.jointID, p.leg.ledger, p.leg.guarantor)
	if _, err := p.env.Store.AddObjective(ctx, obj, true); err != nil {
		return 0, err
	}
	if err := SupportState(ctx, p.env.Store, p.jointID, nextTurn(js, outcome, true)); err != nil {
		return 0, err
	}
	p.final = outcome[0].Items
	return DefundUpdateLedger, nil
}

func (p *VirtualDefundingLeaf) updateLedger(ctx context.Context) (VirtualDefundingState, error) {
	if err := defundLedger(ctx, p.env.Store, p.leg, p.hub, p.final); err != nil {
		return 0, err
	}
	return DefundCleanup, nil
}

// cleanup drops the guarantor objectives of the joint channel.
func (p *VirtualDefundingLeaf) cleanup(ctx context.Context) (VirtualDefundingState, error) {
	if err := removeGuarantorObjectives(ctx, p.env.Store, p.jointID); err != nil {
		return 0, err
	}
	return DefundSuccess, nil
}

func removeGuarantorObjectives(ctx context.Context, st Store, joint common.Hash) error {
	objs, err := st.Objectives(ctx)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		if obj.JointChannelID != joint {
			continue
		}
		if obj.Type != store.FundGuarantor && obj.Type != store.DefundGuarantor {
			continue
		}
		if err := st.RemoveObjective(ctx, obj.ID()); err != nil {
			return err
		}
	}
	return nil
}

// VirtualDefundingHub is the hub's side of defunding one joint channel.
// Each leaf's leg completes independently once that leaf proposes the final
// joint state.
type VirtualDefundingHub struct {
	machine[VirtualDefundingState]

	JointID common.Hash

	funded channel.SignedState
	legs   []guarantorLeg
}

func NewVirtualDefundingHub(env Env, joint common.Hash) *VirtualDefundingHub {
	return &VirtualDefundingHub{
		machine: machine[VirtualDefundingState]{env: env, name: "VirtualDefundingHub"},
		JointID: joint,
	}
}

// Handle rejects every event: defunding needs no approvals.
func (p *VirtualDefundingHub) Handle(ev Event) error {
	return fmt.Errorf("%w: %T", ErrUnexpectedEvent, ev)
}

func (p *VirtualDefundingHub) Run(ctx context.Context) error {
	for {
		var (
			next VirtualDefundingState
			err  error
		)
		switch p.State() {
		case DefundCheckTarget:
			next, err = p.captureJoint(ctx)
		case DefundLegs:
			next, err = p.defundLegs(ctx)
		case DefundSuccess:
			return nil
		case DefundFailure:
			return p.Err()
		default:
			err = fmt.Errorf("%w: hub in %s", ErrUnexpectedEvent, p.Status())
		}
		if err != nil {
			return p.fail(DefundFailure, fmt.Errorf("hub defunding of %s: %w", p.JointID.Hex(), err))
		}
		p.transition(next)
	}
}

// captureJoint records the funded joint state the leaves' final proposals
// are checked against.
func (p *VirtualDefundingHub) captureJoint(ctx context.Context) (VirtualDefundingState, error) {
	joint, err := p.awaitGuarantees(ctx)
	if err != nil {
		return 0, err
	}
	supported, ok := joint.Supported()
	if !ok {
		return 0, fmt.Errorf("joint channel %s has no supported state", p.JointID.Hex())
	}
	p.funded = supported

	for _, g := range joint.Funding.GuarantorIDs {
		leg, err := resolveLeg(ctx, p.env.Store, g)
		if err != nil {
			return 0, err
		}
		p.legs = append(p.legs, leg)
	}
	return DefundLegs, nil
}

// awaitGuarantees returns the joint entry once the hub's own funding run has
// recorded the guarantors. A leaf may start defunding before that happens.
func (p *VirtualDefundingHub) awaitGuarantees(ctx context.Context) (*store.Entry, error) {
	sub, err := p.env.Store.ChannelUpdatedFeed(ctx, p.JointID)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	for {
		joint, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if joint.MyIndex != hubIndex {
			return nil, fmt.Errorf("wallet is not the hub of %s", p.JointID.Hex())
		}
		if joint.Funding == nil {
			continue
		}
		if joint.Funding.Type != channel.FundingGuarantees {
			return nil, fmt.Errorf("joint channel %s is not funded by guarantors", p.JointID.Hex())
		}
		return joint, nil
	}
}

func (p *VirtualDefundingHub) defundLegs(ctx context.Context) (VirtualDefundingState, error) {
	joint, err := p.env.Store.GetEntry(ctx, p.JointID)
	if err != nil {
		return 0, err
	}
	hub := joint.Me()

	var legs errgroup.Group
	for _, leg := range p.legs {
		legs.Go(func() error {
			final, err := p.acceptFinal(ctx, hub, leg.leaf)
			if err != nil {
				return fmt.Errorf("leg of %s: %w", leg.leaf.ParticipantID, err)
			}
			if err := defundLedger(ctx, p.env.Store, leg, hub, final); err != nil {
				return fmt.Errorf("leg of %s: %w", leg.leaf.ParticipantID, err)
			}
			return nil
		})
	}
	if err := legs.Wait(); err != nil {
		return 0, err
	}
	if err := removeGuarantorObjectives(ctx, p.env.Store, p.JointID); err != nil {
		return 0, err
	}
	return DefundSuccess, nil
}

// acceptFinal waits for a final joint proposal signed by leaf that keeps the
// hub's share and the total, and supports it. Proposals of the other leaf do
// not affect this leg.
func (p *VirtualDefundingHub) acceptFinal(ctx context.Context, hub, leaf channel.Participant) (channel.Allocation, error) {
	fundedAO, err := p.funded.Outcome.SingleAllocation()
	if err != nil {
		return nil, err
	}
	// restarted after the final state was agreed
	if p.funded.IsFinal {
		return fundedAO.Items, nil
	}

	sub, err := p.env.Store.ChannelUpdatedFeed(ctx, p.JointID)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		proposal, ok := finalProposal(entry, leaf.SigningAddress, p.funded.TurnNum)
		if !ok {
			continue
		}
		ao, err := proposal.Outcome.SingleAllocation()
		if err != nil {
			return nil, err
		}
		if ao.Items.AllocatedTo(hub.Destination).Cmp(fundedAO.Items.AllocatedTo(hub.Destination)) != 0 ||
			ao.Items.Total().Cmp(fundedAO.Items.Total()) != 0 {
			return nil, fmt.Errorf("%w: final joint proposal of %s at turn %d changes the hub share or total", channel.ErrInvariantViolation, leaf.ParticipantID, proposal.TurnNum)
		}
		if err := SupportState(ctx, p.env.Store, p.JointID, proposal.Variables); err != nil {
			return nil, err
		}
		return ao.Items, nil
	}
}

// finalProposal is the highest final state after turn that signer has signed.
func finalProposal(entry *store.Entry, signer common.Address, after uint64) (channel.SignedState, bool) {
	var (
		best  channel.SignedState
		found bool
	)
	for h, vars := range entry.States {
		if !vars.IsFinal || vars.TurnNum <= after || !entry.SignedBy(h, signer) {
			continue
		}
		if !found || vars.TurnNum > best.TurnNum {
			best, found = entry.SignedState(h)
		}
	}
	return best, found
}
