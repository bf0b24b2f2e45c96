package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrowallet/channel"
)

func TestLedgerFundingFromExistingLedger(t *testing.T) {
	ctx := context.Background()
	net, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]

	ledger := setupLedger(t, a, b, 7, 5)
	target := openChannel(t, channel.SimpleAllocation(common.Address{}, items(nodes, 3, 2)...), a, b)

	deductions := items(nodes, 3, 2)
	lfA := NewLedgerFunding(a.env, target, b.me, deductions)
	lfB := NewLedgerFunding(b.env, target, a.me, deductions)
	runAll(t, lfA, lfB)

	assert.Equal(t, ledger, lfA.LedgerID)
	assert.Equal(t, ledger, lfB.LedgerID)

	expected := append(items(nodes, 4, 3), channel.Item(target, 5))
	for _, n := range nodes {
		requireItems(t, expected, supportedItems(t, n, ledger))
		entry, err := n.store.GetEntry(ctx, target)
		require.NoError(t, err)
		require.NotNil(t, entry.Funding)
		assert.Equal(t, channel.IndirectFunding(ledger), *entry.Funding)
	}

	info, err := net.sim.ChainInfo(ctx, ledger)
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Amount.Int64())
}

func TestLedgerFundingCreatesLedger(t *testing.T) {
	ctx := context.Background()
	net, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]

	target := openChannel(t, channel.SimpleAllocation(common.Address{}, items(nodes, 3, 2)...), a, b)
	deductions := items(nodes, 3, 2)
	lfA := NewLedgerFunding(a.env, target, b.me, deductions)
	lfB := NewLedgerFunding(b.env, target, a.me, deductions)
	runAll(t, lfA, lfB)

	require.Equal(t, lfA.LedgerID, lfB.LedgerID)
	ledger := lfA.LedgerID

	for _, n := range nodes {
		peer := a
		if n == a {
			peer = b
		}
		registered, ok, err := n.store.LedgerWith(ctx, peer.me.ParticipantID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ledger, registered)
		requireItems(t, append(items(nodes, 0, 0), channel.Item(target, 5)), supportedItems(t, n, ledger))
	}

	info, err := net.sim.ChainInfo(ctx, ledger)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Amount.Int64())
	require.NoError(t, net.sim.CheckConservation(ctx))
}

func TestLedgerFundingInsufficientFunds(t *testing.T) {
	_, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]

	ledger := setupLedger(t, a, b, 1, 1)
	target := openChannel(t, channel.SimpleAllocation(common.Address{}, items(nodes, 3, 2)...), a, b)

	// skip the ledger top-up so the deduction exceeds the ledger
	lf := NewLedgerFunding(a.env, target, b.me, items(nodes, 2, 1))
	lf.LedgerID = ledger
	lf.transition(LedgerFundTarget)

	err := lf.Run(context.Background())
	require.ErrorIs(t, err, channel.ErrInsufficientFunds)
	assert.Equal(t, LedgerFailure, lf.State())
}

func TestLedgerFundingForwardsEventsOnlyToChild(t *testing.T) {
	_, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]
	target := openChannel(t, channel.SimpleAllocation(common.Address{}, items(nodes, 1, 1)...), a, b)

	lf := NewLedgerFunding(a.env, target, b.me, items(nodes, 1, 1))
	require.ErrorIs(t, lf.Handle(RetryDeposit{}), ErrUnexpectedEvent)
}

func TestLedgerFundingWaitsForLedgerCreationLock(t *testing.T) {
	net, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]

	now := time.Unix(1_700_000_000, 0)
	ticks := make(chan time.Duration, 4)
	testClock := clock.NewTestClockWithTickSignal(now, ticks)
	a.env.Clock = testClock

	// a sibling instance holds the ledger creation lock
	lockID := crypto.Keccak256Hash([]byte("ledger:" + b.me.ParticipantID))
	token, ok := a.store.AcquireChannelLock(lockID, testTimeout)
	require.True(t, ok)

	target := openChannel(t, channel.SimpleAllocation(common.Address{}, items(nodes, 3, 2)...), a, b)
	deductions := items(nodes, 3, 2)
	lfA := NewLedgerFunding(a.env, target, b.me, deductions)
	doneA := start(t, lfA)
	doneB := start(t, NewLedgerFunding(b.env, target, a.me, deductions))

	select {
	case d := <-ticks:
		assert.Equal(t, ledgerCreationRetry, d)
	case <-time.After(testTimeout):
		t.Fatal("ledger creation did not wait for the lock")
	}
	a.store.ReleaseChannelLock(lockID, token)
	testClock.SetTime(now.Add(ledgerCreationRetry))

	require.NoError(t, wait(t, doneA))
	require.NoError(t, wait(t, doneB))
	info, err := net.sim.ChainInfo(context.Background(), lfA.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Amount.Int64())
}
