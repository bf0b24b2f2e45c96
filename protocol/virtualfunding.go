package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

// Positions in a joint channel [leafA, hub, leafB] and its funded outcome.
const (
	hubIndex  = 1
	jointSize = 3
)

// VirtualFundingState is a state of the virtual funding protocols.
type VirtualFundingState uint8

const (
	VirtualDetermineRole VirtualFundingState = iota
	VirtualFundGuarantor
	VirtualFundGuarantors
	VirtualUpdateJoint
	VirtualSuccess
	VirtualFailure
)

func (s VirtualFundingState) String() string {
	switch s {
	case VirtualDetermineRole:
		return "determineRole"
	case VirtualFundGuarantor:
		return "fundGuarantor"
	case VirtualFundGuarantors:
		return "fundGuarantors"
	case VirtualUpdateJoint:
		return "updateJoint"
	case VirtualSuccess:
		return "success"
	case VirtualFailure:
		return "failure"
	default:
		return fmt.Sprintf("VirtualFundingState(%d)", uint8(s))
	}
}

// jointView is the funding-relevant reading of a joint channel.
type jointView struct {
	entry     *store.Entry
	supported channel.SignedState
	outcome   channel.AssetOutcome
}

func readJoint(entry *store.Entry) (jointView, error) {
	if len(entry.Participants()) != jointSize {
		return jointView{}, fmt.Errorf("joint channel %s has %d participants", entry.ChannelID.Hex(), len(entry.Participants()))
	}
	ss, ao, err := supportedAllocation(entry)
	if err != nil {
		return jointView{}, err
	}
	return jointView{entry: entry, supported: ss, outcome: ao}, nil
}

func (j jointView) hub() channel.Participant {
	return j.entry.Participants()[hubIndex]
}

// share is the amount allocated to the participant at index i in the
// prefund outcome [A:a, H:h, B:b].
func (j jointView) share(i int) *big.Int {
	return j.outcome.Items.AllocatedTo(j.entry.Participants()[i].Destination)
}

// deductions is what leaf k's guarantor draws from ledger(leaf, hub): the
// leaf pays its own share and the hub covers the other leaf's share.
func (j jointView) deductions(k int) channel.Allocation {
	return channel.Allocation{
		{Destination: j.entry.Participants()[k].Destination, Amount: j.share(k)},
		{Destination: j.hub().Destination, Amount: j.share(jointSize - 1 - k)},
	}
}

// fundedOutcome retargets the leaves' shares to the target channel.
func (j jointView) fundedOutcome(target common.Hash) channel.Outcome {
	leaves := new(big.Int).Add(j.share(0), j.share(jointSize-1))
	return j.outcome.WithItems(channel.Allocation{
		{Destination: target, Amount: leaves},
		{Destination: j.hub().Destination, Amount: j.share(hubIndex)},
	})
}

// isFunded reports whether the joint outcome already points at a target.
func (j jointView) isFunded() bool {
	if len(j.outcome.Items) != 2 {
		return false
	}
	first := j.outcome.Items[0].Destination
	for _, q := range j.entry.Participants() {
		if q.Destination == first {
			return false
		}
	}
	return true
}

// VirtualFundingLeaf funds a target channel between two leaves through a
// joint channel with a hub. It runs on each leaf.
type VirtualFundingLeaf struct {
	machine[VirtualFundingState]

	TargetID common.Hash
	JointID  common.Hash

	leafIndex   int
	guarantorID common.Hash
}

func NewVirtualFundingLeaf(env Env, target, joint common.Hash) *VirtualFundingLeaf {
	return &VirtualFundingLeaf{
		machine:  machine[VirtualFundingState]{env: env, name: "VirtualFundingLeaf"},
		TargetID: target,
		JointID:  joint,
	}
}

func (p *VirtualFundingLeaf) Handle(ev Event) error {
	return p.forward(ev)
}

func (p *VirtualFundingLeaf) Run(ctx context.Context) error {
	for {
		var (
			next VirtualFundingState
			err  error
		)
		switch p.State() {
		case VirtualDetermineRole:
			next, err = p.determineRole(ctx)
		case VirtualFundGuarantor:
			next, err = p.fundGuarantor(ctx)
		case VirtualUpdateJoint:
			next, err = p.updateJoint(ctx)
		case VirtualSuccess:
			return nil
		case VirtualFailure:
			return p.Err()
		default:
			err = fmt.Errorf("%w: leaf in %s", ErrUnexpectedEvent, p.Status())
		}
		if err != nil {
			return p.fail(VirtualFailure, fmt.Errorf("virtual funding of %s: %w", p.TargetID.Hex(), err))
		}
		p.transition(next)
	}
}

func (p *VirtualFundingLeaf) determineRole(ctx context.Context) (VirtualFundingState, error) {
	entry, err := ensureSupported(ctx, p.env.Store, p.JointID)
	if err != nil {
		return 0, err
	}
	if entry.MyIndex == hubIndex {
		return 0, fmt.Errorf("wallet is the hub of %s", p.JointID.Hex())
	}
	p.leafIndex = entry.MyIndex
	if _, err := p.env.Store.GetEntry(ctx, p.TargetID); err != nil {
		return 0, err
	}
	return VirtualFundGuarantor, nil
}

func (p *VirtualFundingLeaf) fundGuarantor(ctx context.Context) (VirtualFundingState, error) {
	entry, err := p.env.Store.GetEntry(ctx, p.JointID)
	if err != nil {
		return 0, err
	}
	joint, err := readJoint(entry)
	if err != nil {
		return 0, err
	}
	if joint.isFunded() {
		return VirtualUpdateJoint, nil
	}
	hub := joint.hub()

	guarantor, err := p.guarantor(ctx, joint)
	if err != nil {
		return 0, err
	}
	p.guarantorID = guarantor
	if err := SupportState(ctx, p.env.Store, guarantor, mustLatestVars(ctx, p.env.Store, guarantor)); err != nil {
		return 0, err
	}

	lf := NewLedgerFunding(p.env, guarantor, hub, joint.deductions(p.leafIndex))
	if err := p.runChild(ctx, lf); err != nil {
		return 0, err
	}
	return VirtualUpdateJoint, nil
}

// guarantor reuses the guarantor named by an earlier FundGuarantor
// objective, or creates one and announces it to the hub.
func (p *VirtualFundingLeaf) guarantor(ctx context.Context, joint jointView) (common.Hash, error) {
	me := joint.entry.Me()
	if obj, ok, err := findObjective(ctx, p.env.Store, store.FundGuarantor, p.JointID, me); err != nil || ok {
		return obj.GuarantorID, err
	}

	hub := joint.hub()
	participants := []channel.Participant{me, hub}
	g, err := p.env.Store.CreateChannel(ctx, store.ChannelParams{
		Participants:      participants,
		ChallengeDuration: joint.entry.Constants.ChallengeDuration,
		Variables: channel.Variables{
			Outcome: channel.SimpleGuarantee(joint.outcome.AssetHolder, p.JointID, p.TargetID, hub.Destination),
		},
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create guarantor: %w", err)
	}
	ledger, _, err := p.env.Store.LedgerWith(ctx, hub.ParticipantID)
	if err != nil {
		return common.Hash{}, err
	}
	obj := store.NewFundGuarantor(participants, p.JointID, ledger, g.ChannelID)
	if _, err := p.env.Store.AddObjective(ctx, obj, true); err != nil {
		return common.Hash{}, err
	}
	log.Infow("created guarantor", "guarantor", g.ChannelID.Hex(), "joint", p.JointID.Hex())
	return g.ChannelID, nil
}

func (p *VirtualFundingLeaf) updateJoint(ctx context.Context) (VirtualFundingState, error) {
	entry, err := p.env.Store.GetEntry(ctx, p.JointID)
	if err != nil {
		return 0, err
	}
	joint, err := readJoint(entry)
	if err != nil {
		return 0, err
	}
	if !joint.isFunded() {
		vars := nextTurn(joint.supported, joint.fundedOutcome(p.TargetID), false)
		if err := SupportState(ctx, p.env.Store, p.JointID, vars); err != nil {
			return 0, err
		}
	}
	if p.guarantorID == (common.Hash{}) {
		obj, _, err := findObjective(ctx, p.env.Store, store.FundGuarantor, p.JointID, joint.entry.Me())
		if err != nil {
			return 0, err
		}
		p.guarantorID = obj.GuarantorID
	}
	if p.guarantorID != (common.Hash{}) {
		if err := setFunding(ctx, p.env.Store, p.JointID, channel.GuaranteeFunding(p.guarantorID)); err != nil {
			return 0, err
		}
	}
	if err := setFunding(ctx, p.env.Store, p.TargetID, channel.VirtualFunding(p.JointID)); err != nil {
		return 0, err
	}
	return VirtualSuccess, nil
}

// VirtualFundingHub is the hub's side of virtual funding for one joint
// channel. Each leaf's guarantor leg is funded independently.
type VirtualFundingHub struct {
	machine[VirtualFundingState]

	JointID common.Hash

	mu         sync.Mutex
	guarantors [jointSize]common.Hash
	target     common.Hash
}

func NewVirtualFundingHub(env Env, joint common.Hash) *VirtualFundingHub {
	return &VirtualFundingHub{
		machine: machine[VirtualFundingState]{env: env, name: "VirtualFundingHub"},
		JointID: joint,
	}
}

// Handle rejects every event: the hub never deposits.
func (p *VirtualFundingHub) Handle(ev Event) error {
	return fmt.Errorf("%w: %T", ErrUnexpectedEvent, ev)
}

func (p *VirtualFundingHub) Run(ctx context.Context) error {
	for {
		var (
			next VirtualFundingState
			err  error
		)
		switch p.State() {
		case VirtualDetermineRole:
			next, err = p.determineRole(ctx)
		case VirtualFundGuarantors:
			next, err = p.fundGuarantors(ctx)
		case VirtualUpdateJoint:
			next, err = p.updateJoint(ctx)
		case VirtualSuccess:
			return nil
		case VirtualFailure:
			return p.Err()
		default:
			err = fmt.Errorf("%w: hub in %s", ErrUnexpectedEvent, p.Status())
		}
		if err != nil {
			return p.fail(VirtualFailure, fmt.Errorf("hub funding of %s: %w", p.JointID.Hex(), err))
		}
		p.transition(next)
	}
}

func (p *VirtualFundingHub) determineRole(ctx context.Context) (VirtualFundingState, error) {
	// a leaf's objective can overtake the joint channel's initial state
	if _, err := waitForEntry(ctx, p.env.Store, p.JointID); err != nil {
		return 0, err
	}
	entry, err := ensureSupported(ctx, p.env.Store, p.JointID)
	if err != nil {
		return 0, err
	}
	if entry.MyIndex != hubIndex {
		return 0, fmt.Errorf("wallet is not the hub of %s", p.JointID.Hex())
	}
	return VirtualFundGuarantors, nil
}

// fundGuarantors waits for one FundGuarantor objective from each leaf and
// funds each guarantor leg. A failing leg does not cancel the other; an
// invalid guarantor fails the hub.
func (p *VirtualFundingHub) fundGuarantors(ctx context.Context) (VirtualFundingState, error) {
	entry, err := p.env.Store.GetEntry(ctx, p.JointID)
	if err != nil {
		return 0, err
	}
	joint, err := readJoint(entry)
	if err != nil {
		return 0, err
	}
	if joint.isFunded() {
		return 0, fmt.Errorf("joint channel %s is already funded", p.JointID.Hex())
	}

	sub, err := p.env.Store.ObjectiveFeed(ctx)
	if err != nil {
		return 0, err
	}
	defer sub.Cancel()

	legCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		legs    errgroup.Group
		started = make(map[int]common.Hash)
	)
	for len(started) < jointSize-1 {
		obj, err := sub.Next(ctx)
		if err != nil {
			cancel()
			return 0, errors.Join(err, legs.Wait())
		}
		if obj.Type != store.FundGuarantor || obj.JointChannelID != p.JointID {
			continue
		}
		k, err := p.acceptGuarantor(ctx, joint, obj, started)
		if err != nil {
			cancel()
			return 0, errors.Join(err, legs.Wait())
		}
		if k < 0 {
			continue
		}
		started[k] = obj.GuarantorID
		legs.Go(func() error {
			return p.fundLeg(legCtx, joint, k, obj.GuarantorID)
		})
	}
	if err := legs.Wait(); err != nil {
		return 0, err
	}
	return VirtualUpdateJoint, nil
}

// acceptGuarantor checks a FundGuarantor objective and its guarantor channel
// against the joint channel. It returns the leaf index of the leg, or -1 for
// a repeat of an objective already accepted.
func (p *VirtualFundingHub) acceptGuarantor(ctx context.Context, joint jointView, obj store.Objective, started map[int]common.Hash) (int, error) {
	hub := joint.hub()
	if len(obj.Participants) != 2 || obj.Participants[1].SigningAddress != hub.SigningAddress {
		return 0, fmt.Errorf("%w: guarantor %s is not [leaf, hub]", channel.ErrInvalidGuarantee, obj.GuarantorID.Hex())
	}
	leaf := obj.Participants[0]
	k := joint.entry.Constants.IndexOf(leaf.SigningAddress)
	if k < 0 || k == hubIndex {
		return 0, fmt.Errorf("%w: guarantor %s peer is not a leaf of %s", channel.ErrNotAParticipant, obj.GuarantorID.Hex(), p.JointID.Hex())
	}
	if prev, ok := started[k]; ok {
		if prev == obj.GuarantorID {
			return -1, nil
		}
		return 0, fmt.Errorf("%w: leaf %s sent a second guarantor %s", channel.ErrInvalidGuarantee, leaf.ParticipantID, obj.GuarantorID.Hex())
	}

	g, err := waitForEntry(ctx, p.env.Store, obj.GuarantorID)
	if err != nil {
		return 0, err
	}
	gp := g.Participants()
	if len(gp) != 2 || gp[0].SigningAddress != leaf.SigningAddress || gp[1].SigningAddress != hub.SigningAddress {
		return 0, fmt.Errorf("%w: guarantor %s is not between %s and the hub", channel.ErrInvalidGuarantee, obj.GuarantorID.Hex(), leaf.ParticipantID)
	}
	latest, ok := g.Latest()
	if !ok {
		return 0, fmt.Errorf("guarantor %s has no states", obj.GuarantorID.Hex())
	}
	guarantee, err := latest.Outcome.SingleGuarantee()
	if err != nil {
		return 0, err
	}
	if guarantee.TargetChannelID != p.JointID {
		return 0, fmt.Errorf("%w: guarantor %s guarantees %s", channel.ErrInvalidGuarantee, obj.GuarantorID.Hex(), guarantee.TargetChannelID.Hex())
	}
	if len(guarantee.Destinations) != 2 || guarantee.Destinations[1] != hub.Destination {
		return 0, fmt.Errorf("%w: guarantor %s destinations are not [target, hub]", channel.ErrInvalidGuarantee, obj.GuarantorID.Hex())
	}
	target := guarantee.Destinations[0]
	for _, q := range joint.entry.Participants() {
		if q.Destination == target {
			return 0, fmt.Errorf("%w: guarantor %s targets participant %s", channel.ErrInvalidGuarantee, obj.GuarantorID.Hex(), q.ParticipantID)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target == (common.Hash{}) {
		p.target = target
	} else if p.target != target {
		return 0, fmt.Errorf("%w: guarantor %s targets %s, the other leg %s", channel.ErrInvalidGuarantee, obj.GuarantorID.Hex(), target.Hex(), p.target.Hex())
	}
	return k, nil
}

func (p *VirtualFundingHub) fundLeg(ctx context.Context, joint jointView, k int, guarantor common.Hash) error {
	g, err := p.env.Store.GetEntry(ctx, guarantor)
	if err != nil {
		return err
	}
	latest, _ := g.Latest()
	if err := SupportState(ctx, p.env.Store, guarantor, latest.Variables); err != nil {
		return err
	}

	leaf := joint.entry.Participants()[k]
	lf := NewLedgerFunding(p.env, guarantor, leaf, joint.deductions(k))
	if err := lf.Run(ctx); err != nil {
		return fmt.Errorf("leg %d: %w", k, err)
	}

	p.mu.Lock()
	p.guarantors[k] = guarantor
	p.mu.Unlock()
	log.Infow("guarantor funded", "joint", p.JointID.Hex(), "guarantor", guarantor.Hex(), "leaf", k)
	return nil
}

func (p *VirtualFundingHub) updateJoint(ctx context.Context) (VirtualFundingState, error) {
	p.mu.Lock()
	first, second, target := p.guarantors[0], p.guarantors[jointSize-1], p.target
	p.mu.Unlock()

	entry, err := p.env.Store.GetEntry(ctx, p.JointID)
	if err != nil {
		return 0, err
	}
	joint, err := readJoint(entry)
	if err != nil {
		return 0, err
	}
	if !joint.isFunded() {
		if err := SupportState(ctx, p.env.Store, p.JointID, nextTurn(joint.supported, joint.fundedOutcome(target), false)); err != nil {
			return 0, err
		}
	}
	if err := setFunding(ctx, p.env.Store, p.JointID, channel.GuaranteesFunding(first, second)); err != nil {
		return 0, err
	}
	return VirtualSuccess, nil
}

// mustLatestVars returns the variables of the channel's latest state, or
// zero variables if the channel is unknown; SupportState then reports the
// missing channel.
func mustLatestVars(ctx context.Context, st Store, id common.Hash) channel.Variables {
	entry, err := st.GetEntry(ctx, id)
	if err != nil {
		return channel.Variables{}
	}
	latest, _ := entry.Latest()
	return latest.Variables
}

// findObjective returns the stored objective of the given type for the joint
// channel that involves p.
func findObjective(ctx context.Context, st Store, typ store.ObjectiveType, joint common.Hash, p channel.Participant) (store.Objective, bool, error) {
	objs, err := st.Objectives(ctx)
	if err != nil {
		return store.Objective{}, false, err
	}
	for _, obj := range objs {
		if obj.Type == typ && obj.JointChannelID == joint && involves(obj, p) {
			return obj, true, nil
		}
	}
	return store.Objective{}, false, nil
}
