package protocol

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

type virtualSetup struct {
	net        *testNetwork
	a, hub, b  *testNode
	ledgerA    common.Hash
	ledgerB    common.Hash
	joint      common.Hash
	target     common.Hash
	guarantorA common.Hash
	guarantorB common.Hash
}

// newVirtualSetup opens a joint channel [A:2, H:5, B:3] and a target
// [A:2, B:3] over ledgers L_AH [A:10, H:10] and L_BH [B:10, H:10].
func newVirtualSetup(t *testing.T) virtualSetup {
	t.Helper()
	net, nodes := newTestNetwork(t, 3)
	a, hub, b := nodes[0], nodes[1], nodes[2]

	s := virtualSetup{net: net, a: a, hub: hub, b: b}
	s.ledgerA = setupLedger(t, a, hub, 10, 10)
	s.ledgerB = setupLedger(t, b, hub, 10, 10)
	s.joint = openChannel(t, channel.SimpleAllocation(common.Address{}, items(nodes, 2, 5, 3)...), a, hub, b)
	s.target = openChannel(t, channel.SimpleAllocation(common.Address{},
		channel.Item(a.me.Destination, 2), channel.Item(b.me.Destination, 3)), a, b)
	return s
}

// fundVirtually runs virtual funding of the target through the hub.
func fundVirtually(t *testing.T) virtualSetup {
	t.Helper()
	ctx := context.Background()
	s := newVirtualSetup(t)
	a, hub, b := s.a, s.hub, s.b

	runAll(t,
		NewVirtualFundingLeaf(a.env, s.target, s.joint),
		NewVirtualFundingLeaf(b.env, s.target, s.joint),
		NewVirtualFundingHub(hub.env, s.joint))

	joint, err := hub.store.GetEntry(ctx, s.joint)
	require.NoError(t, err)
	require.NotNil(t, joint.Funding)
	s.guarantorA, s.guarantorB = joint.Funding.GuarantorIDs[0], joint.Funding.GuarantorIDs[1]
	return s
}

func TestVirtualFunding(t *testing.T) {
	ctx := context.Background()
	s := fundVirtually(t)
	a, hub, b := s.a, s.hub, s.b

	requireItems(t, channel.Allocation{
		channel.Item(a.me.Destination, 8),
		channel.Item(hub.me.Destination, 7),
		channel.Item(s.guarantorA, 5),
	}, supportedItems(t, hub, s.ledgerA))
	requireItems(t, channel.Allocation{
		channel.Item(b.me.Destination, 7),
		channel.Item(hub.me.Destination, 8),
		channel.Item(s.guarantorB, 5),
	}, supportedItems(t, hub, s.ledgerB))

	for _, n := range []*testNode{a, hub, b} {
		requireItems(t, channel.Allocation{
			channel.Item(s.target, 5),
			channel.Item(hub.me.Destination, 5),
		}, supportedItems(t, n, s.joint))
	}

	jointA, err := a.store.GetEntry(ctx, s.joint)
	require.NoError(t, err)
	assert.Equal(t, channel.GuaranteeFunding(s.guarantorA), *jointA.Funding)
	jointHub, err := hub.store.GetEntry(ctx, s.joint)
	require.NoError(t, err)
	assert.Equal(t, channel.GuaranteesFunding(s.guarantorA, s.guarantorB), *jointHub.Funding)

	targetB, err := b.store.GetEntry(ctx, s.target)
	require.NoError(t, err)
	assert.Equal(t, channel.VirtualFunding(s.joint), *targetB.Funding)

	guarantor, err := a.store.GetEntry(ctx, s.guarantorA)
	require.NoError(t, err)
	latest, _ := guarantor.Latest()
	guarantee, err := latest.Outcome.SingleGuarantee()
	require.NoError(t, err)
	assert.Equal(t, s.joint, guarantee.TargetChannelID)
	assert.Equal(t, []common.Hash{s.target, hub.me.Destination}, guarantee.Destinations)
}

// finishTarget moves the target to [A:1, B:4] as an application would.
func finishTarget(t *testing.T, s virtualSetup) {
	t.Helper()
	ctx := context.Background()
	entry, err := s.a.store.GetEntry(ctx, s.target)
	require.NoError(t, err)
	supported, ok := entry.Supported()
	require.True(t, ok)

	vars := nextTurn(supported, channel.SimpleAllocation(common.Address{},
		channel.Item(s.a.me.Destination, 1), channel.Item(s.b.me.Destination, 4)), false)
	runAll(t,
		instanceFunc(func(ctx context.Context) error { return SupportState(ctx, s.a.store, s.target, vars) }),
		instanceFunc(func(ctx context.Context) error { return SupportState(ctx, s.b.store, s.target, vars) }))
}

func TestVirtualDefundingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := fundVirtually(t)
	a, hub, b := s.a, s.hub, s.b

	// the target was never supported by B before the update
	supportLatest(t, s.target, a, b)
	finishTarget(t, s)

	runAll(t,
		NewConcludeChannel(a.env, s.target),
		NewConcludeChannel(b.env, s.target),
		NewConcludeChannel(hub.env, s.joint))

	for _, n := range []*testNode{a, hub, b} {
		entry, err := n.store.GetEntry(ctx, s.joint)
		require.NoError(t, err)
		final, ok := entry.Supported()
		require.True(t, ok)
		assert.True(t, final.IsFinal)
		requireItems(t, channel.Allocation{
			channel.Item(a.me.Destination, 1),
			channel.Item(hub.me.Destination, 5),
			channel.Item(b.me.Destination, 4),
		}, supportedItems(t, n, s.joint))
	}

	requireItems(t, channel.Allocation{
		channel.Item(a.me.Destination, 9),
		channel.Item(hub.me.Destination, 11),
	}, supportedItems(t, a, s.ledgerA))
	requireItems(t, channel.Allocation{
		channel.Item(b.me.Destination, 11),
		channel.Item(hub.me.Destination, 9),
	}, supportedItems(t, hub, s.ledgerB))

	for _, n := range []*testNode{a, hub, b} {
		objs, err := n.store.Objectives(ctx)
		require.NoError(t, err)
		for _, obj := range objs {
			assert.NotEqual(t, store.FundGuarantor, obj.Type)
			assert.NotEqual(t, store.DefundGuarantor, obj.Type)
		}
	}

	// concluding again changes nothing
	before, err := a.store.GetEntry(ctx, s.ledgerA)
	require.NoError(t, err)
	runAll(t, NewConcludeChannel(a.env, s.target))
	after, err := a.store.GetEntry(ctx, s.ledgerA)
	require.NoError(t, err)
	assert.Equal(t, len(before.States), len(after.States))

	require.NoError(t, s.net.sim.CheckConservation(ctx))
}

func TestVirtualDefundingRequiresFinalTarget(t *testing.T) {
	s := fundVirtually(t)

	err := NewVirtualDefundingLeaf(s.a.env, s.target).Run(context.Background())
	require.ErrorIs(t, err, channel.ErrChannelNotFinalized)
}

func TestVirtualDefundingHubRejectsChangedHubShare(t *testing.T) {
	ctx := context.Background()
	s := fundVirtually(t)
	a, hub, b := s.a, s.hub, s.b

	entry, err := a.store.GetEntry(ctx, s.joint)
	require.NoError(t, err)
	supported, _ := entry.Supported()

	hubDefund := NewVirtualDefundingHub(hub.env, s.joint)
	done := start(t, hubDefund)

	// A proposes a final joint state that short-changes the hub
	_, err = a.store.SignAndAddState(ctx, s.joint, nextTurn(supported, channel.SimpleAllocation(common.Address{},
		channel.Item(a.me.Destination, 3),
		channel.Item(hub.me.Destination, 4),
		channel.Item(b.me.Destination, 3)), true))
	require.NoError(t, err)

	// B proposes a valid one at the same turn; its leg still settles
	final := channel.Allocation{
		channel.Item(a.me.Destination, 2),
		channel.Item(hub.me.Destination, 5),
		channel.Item(b.me.Destination, 3),
	}
	_, err = b.store.SignAndAddState(ctx, s.joint, nextTurn(supported, channel.SimpleAllocation(common.Address{}, final...), true))
	require.NoError(t, err)
	leg := guarantorLeg{leaf: b.me, guarantor: s.guarantorB, ledger: s.ledgerB}
	legCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	require.NoError(t, defundLedger(legCtx, b.store, leg, hub.me, final))

	err = wait(t, done)
	require.ErrorIs(t, err, channel.ErrInvariantViolation)
	assert.Equal(t, DefundFailure, hubDefund.State())

	requireItems(t, channel.Allocation{
		channel.Item(b.me.Destination, 10),
		channel.Item(hub.me.Destination, 10),
	}, supportedItems(t, hub, s.ledgerB))
	requireItems(t, channel.Allocation{
		channel.Item(a.me.Destination, 8),
		channel.Item(hub.me.Destination, 7),
		channel.Item(s.guarantorA, 5),
	}, supportedItems(t, hub, s.ledgerA))
}

// proposeGuarantor has leaf create a guarantor with the given outcome and
// announce it to the hub.
func proposeGuarantor(t *testing.T, s virtualSetup, leaf *testNode, ledger common.Hash, outcome channel.Outcome) common.Hash {
	t.Helper()
	ctx := context.Background()
	participants := []channel.Participant{leaf.me, s.hub.me}
	g, err := leaf.store.CreateChannel(ctx, store.ChannelParams{
		Participants:      participants,
		ChallengeDuration: 60,
		Variables:         channel.Variables{Outcome: outcome},
	})
	require.NoError(t, err)
	_, err = leaf.store.AddObjective(ctx, store.NewFundGuarantor(participants, s.joint, ledger, g.ChannelID), true)
	require.NoError(t, err)
	return g.ChannelID
}

func TestVirtualFundingHubRejectsInvalidGuarantors(t *testing.T) {
	tests := []struct {
		name    string
		propose func(t *testing.T, s virtualSetup)
	}{
		{
			name: "guarantee of another channel",
			propose: func(t *testing.T, s virtualSetup) {
				proposeGuarantor(t, s, s.a, s.ledgerA,
					channel.SimpleGuarantee(common.Address{}, s.ledgerA, s.target, s.hub.me.Destination))
			},
		},
		{
			name: "destinations without the hub",
			propose: func(t *testing.T, s virtualSetup) {
				proposeGuarantor(t, s, s.a, s.ledgerA,
					channel.SimpleGuarantee(common.Address{}, s.joint, s.target, s.a.me.Destination))
			},
		},
		{
			name: "participant as target",
			propose: func(t *testing.T, s virtualSetup) {
				proposeGuarantor(t, s, s.b, s.ledgerB,
					channel.SimpleGuarantee(common.Address{}, s.joint, s.b.me.Destination, s.hub.me.Destination))
			},
		},
		{
			name: "second guarantor from one leaf",
			propose: func(t *testing.T, s virtualSetup) {
				valid := channel.SimpleGuarantee(common.Address{}, s.joint, s.target, s.hub.me.Destination)
				proposeGuarantor(t, s, s.a, s.ledgerA, valid)
				proposeGuarantor(t, s, s.a, s.ledgerA, valid)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newVirtualSetup(t)
			supportLatest(t, s.joint, s.a, s.hub, s.b)

			hub := NewVirtualFundingHub(s.hub.env, s.joint)
			done := start(t, hub)
			tt.propose(t, s)

			require.ErrorIs(t, wait(t, done), channel.ErrInvalidGuarantee)
			assert.Equal(t, VirtualFailure, hub.State())
		})
	}
}

func TestVirtualFundingHubRejectsEvents(t *testing.T) {
	_, nodes := newTestNetwork(t, 1)
	hub := NewVirtualFundingHub(nodes[0].env, common.HexToHash("0x01"))
	require.ErrorIs(t, hub.Handle(RetryDeposit{}), ErrUnexpectedEvent)
}
