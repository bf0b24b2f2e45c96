package protocol

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrowallet/channel"
)

func TestConcludeDirectlyFundedChannel(t *testing.T) {
	ctx := context.Background()
	net, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]

	id := fundDirectly(t, a, b, 5, 5)
	runAll(t, NewConcludeChannel(a.env, id), NewConcludeChannel(b.env, id))

	entry, err := a.store.GetEntry(ctx, id)
	require.NoError(t, err)
	final, ok := entry.Supported()
	require.True(t, ok)
	require.True(t, final.IsFinal)
	requireItems(t, items(nodes, 5, 5), supportedItems(t, b, id))

	// a second conclusion signs nothing new
	runAll(t, NewConcludeChannel(a.env, id))
	again, err := a.store.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, len(entry.States), len(again.States))

	require.NoError(t, net.sim.FinalizeAndWithdraw(ctx, final))
	for _, n := range nodes {
		paid, err := net.sim.PaidOut(ctx, n.me.Destination)
		require.NoError(t, err)
		assert.Equal(t, int64(5), paid.Int64())
	}
	require.NoError(t, net.sim.CheckConservation(ctx))
}

func TestConcludeLedgerFundedChannel(t *testing.T) {
	ctx := context.Background()
	_, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]

	ledger := setupLedger(t, a, b, 7, 5)
	target := openChannel(t, channel.SimpleAllocation(common.Address{}, items(nodes, 3, 2)...), a, b)
	deductions := items(nodes, 3, 2)
	runAll(t,
		NewLedgerFunding(a.env, target, b.me, deductions),
		NewLedgerFunding(b.env, target, a.me, deductions))

	// play the target to [A:1, B:4]
	supportLatest(t, target, a, b)
	entry, err := a.store.GetEntry(ctx, target)
	require.NoError(t, err)
	supported, _ := entry.Supported()
	vars := nextTurn(supported, channel.SimpleAllocation(common.Address{}, items(nodes, 1, 4)...), false)
	runAll(t,
		instanceFunc(func(ctx context.Context) error { return SupportState(ctx, a.store, target, vars) }),
		instanceFunc(func(ctx context.Context) error { return SupportState(ctx, b.store, target, vars) }))

	runAll(t, NewConcludeChannel(a.env, target), NewConcludeChannel(b.env, target))
	for _, n := range nodes {
		requireItems(t, items(nodes, 5, 7), supportedItems(t, n, ledger))
	}

	runAll(t, NewConcludeChannel(b.env, target))
	requireItems(t, items(nodes, 5, 7), supportedItems(t, b, ledger))
}

func TestConcludeRejectsUnknownChannel(t *testing.T) {
	_, nodes := newTestNetwork(t, 1)
	c := NewConcludeChannel(nodes[0].env, common.HexToHash("0x0bad"))
	err := c.Run(context.Background())
	require.ErrorIs(t, err, channel.ErrChannelNotFound)
	assert.Equal(t, "failure", c.Status())
}
