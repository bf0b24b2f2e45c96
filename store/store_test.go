package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/feed"
)

const testChainID = 1337

type testWallet struct {
	signer *channel.Signer
	me     channel.Participant
	store  *Store
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()

	signer, err := channel.GenerateSigner()
	require.NoError(t, err)

	s, err := New(context.Background(), setupTestBackend(t), testChainID)
	require.NoError(t, err)
	require.NoError(t, s.AddPrivateKey(context.Background(), signer))

	return &testWallet{
		signer: signer,
		store:  s,
		me: channel.Participant{
			ParticipantID:  signer.Address().Hex(),
			SigningAddress: signer.Address(),
			Destination:    channel.AddressToDestination(signer.Address()),
		},
	}
}

func twoPartyParams(a, b *testWallet, amountA, amountB int64) ChannelParams {
	return ChannelParams{
		Participants:      []channel.Participant{a.me, b.me},
		ChallengeDuration: 60,
		Variables: channel.Variables{
			Outcome: channel.SimpleAllocation(common.Address{},
				channel.Item(a.me.Destination, amountA),
				channel.Item(b.me.Destination, amountB)),
		},
	}
}

func nextItem[T any](t *testing.T, sub *feed.Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, err := sub.Next(ctx)
	require.NoError(t, err)
	return item
}

func assertNoItem[T any](t *testing.T, sub *feed.Subscription[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func signed(t *testing.T, c channel.Constants, vars channel.Variables, signers ...*channel.Signer) channel.SignedState {
	t.Helper()
	ss := channel.SignedState{State: channel.NewState(c, vars)}
	for _, s := range signers {
		sig, err := s.SignState(ss.State)
		require.NoError(t, err)
		ss.Signatures = append(ss.Signatures, sig)
	}
	return ss
}

func TestCreateChannelAssignsNonces(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	first, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Constants.ChannelNonce)
	assert.Equal(t, 0, first.MyIndex)

	second, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Constants.ChannelNonce)
	assert.NotEqual(t, first.ChannelID, second.ChannelID)

	params := twoPartyParams(a, b, 1, 1)
	reused := uint64(1)
	params.Nonce = &reused
	_, err = a.store.CreateChannel(ctx, params)
	require.ErrorIs(t, err, channel.ErrInvalidNonce)

	explicit := uint64(5)
	params.Nonce = &explicit
	third, err := a.store.CreateChannel(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), third.Constants.ChannelNonce)

	fourth, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), fourth.Constants.ChannelNonce)
}

func TestCreateChannelRequiresOwnKey(t *testing.T) {
	ctx := context.Background()
	a, b, c := newTestWallet(t), newTestWallet(t), newTestWallet(t)

	_, err := c.store.CreateChannel(ctx, twoPartyParams(a, b, 1, 1))
	require.ErrorIs(t, err, channel.ErrNotAParticipant)

	params := twoPartyParams(a, b, 1, 1)
	params.Participants = params.Participants[:1]
	_, err = a.store.CreateChannel(ctx, params)
	require.Error(t, err)
}

func TestCreateChannelSendsInitialState(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	entry, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 3, 4))
	require.NoError(t, err)

	outbox := a.store.Outbox()
	defer outbox.Cancel()

	msg := nextItem(t, outbox)
	assert.Equal(t, a.me.ParticipantID, msg.From)
	assert.Equal(t, b.me.ParticipantID, msg.To)
	require.Len(t, msg.SignedStates, 1)
	assert.Equal(t, entry.ChannelID, msg.SignedStates[0].ChannelID())

	require.NoError(t, b.store.PushMessage(ctx, msg))
	received, err := b.store.GetEntry(ctx, entry.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, 1, received.MyIndex)

	_, ok := received.Supported()
	assert.False(t, ok)
}

func TestSupportRule(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	entry, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 5, 5))
	require.NoError(t, err)
	c := entry.Constants
	outcome := mustLatest(t, entry).Outcome

	// Fully signed prefund.
	_, err = a.store.AddState(ctx, signed(t, c, channel.Variables{TurnNum: 0, Outcome: outcome}, b.signer))
	require.NoError(t, err)

	// Turn 1 signed by its mover (b) extends the chain.
	turn1 := channel.Variables{TurnNum: 1, Outcome: outcome}
	got, err := a.store.AddState(ctx, signed(t, c, turn1, b.signer))
	require.NoError(t, err)
	supported, ok := got.Supported()
	require.True(t, ok)
	assert.Equal(t, uint64(1), supported.TurnNum)

	// Turn 2 signed only by b is not a valid move: a moves on even turns.
	turn2 := channel.Variables{TurnNum: 2, Outcome: outcome}
	got, err = a.store.AddState(ctx, signed(t, c, turn2, b.signer))
	require.NoError(t, err)
	supported, _ = got.Supported()
	assert.Equal(t, uint64(1), supported.TurnNum)

	// Fully signing turn 2 discards everything below it.
	got, err = a.store.AddState(ctx, signed(t, c, turn2, a.signer, b.signer))
	require.NoError(t, err)
	supported, _ = got.Supported()
	assert.Equal(t, uint64(2), supported.TurnNum)
	assert.Len(t, got.States, 1)
}

func mustLatest(t *testing.T, e *Entry) channel.SignedState {
	t.Helper()
	ss, ok := e.Latest()
	require.True(t, ok)
	return ss
}

func TestAddStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	entry, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 5, 5))
	require.NoError(t, err)

	feed, err := a.store.ChannelUpdatedFeed(ctx, entry.ChannelID)
	require.NoError(t, err)
	defer feed.Cancel()
	replayed := nextItem(t, feed)
	assert.Equal(t, entry.ChannelID, replayed.ChannelID)

	ss := signed(t, entry.Constants, channel.Variables{TurnNum: 0, Outcome: mustLatest(t, entry).Outcome}, b.signer)
	_, err = a.store.AddState(ctx, ss)
	require.NoError(t, err)
	updated := nextItem(t, feed)
	assert.True(t, updated.IsSupported(ss.Hash()))

	again, err := a.store.AddState(ctx, ss)
	require.NoError(t, err)
	assert.True(t, again.IsSupported(ss.Hash()))
	assertNoItem(t, feed)
}

func TestAddStateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	a, b, c := newTestWallet(t), newTestWallet(t), newTestWallet(t)

	entry, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 5, 5))
	require.NoError(t, err)
	vars := channel.Variables{TurnNum: 1, Outcome: mustLatest(t, entry).Outcome}

	_, err = a.store.AddState(ctx, signed(t, entry.Constants, vars))
	require.ErrorIs(t, err, channel.ErrInvalidSignature)

	_, err = a.store.AddState(ctx, signed(t, entry.Constants, vars, c.signer))
	require.ErrorIs(t, err, channel.ErrUnknownSigner)

	// c holds no key of this channel.
	_, err = c.store.AddState(ctx, signed(t, entry.Constants, vars, a.signer))
	require.ErrorIs(t, err, channel.ErrNotAParticipant)
}

func TestAddStateRecordsReceivedNonce(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	params := twoPartyParams(a, b, 1, 1)
	n := uint64(7)
	params.Nonce = &n
	entry, err := a.store.CreateChannel(ctx, params)
	require.NoError(t, err)

	_, err = b.store.AddState(ctx, mustLatest(t, entry))
	require.NoError(t, err)

	next, err := b.store.CreateChannel(ctx, twoPartyParams(a, b, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next.Constants.ChannelNonce)
}

func TestSignAndAddStateSendsToPeers(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	entry, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 5, 5))
	require.NoError(t, err)
	outbox := a.store.Outbox()
	defer outbox.Cancel()
	nextItem(t, outbox) // prefund

	vars := channel.Variables{TurnNum: 1, Outcome: mustLatest(t, entry).Outcome}
	ss, err := a.store.SignAndAddState(ctx, entry.ChannelID, vars)
	require.NoError(t, err)
	require.Len(t, ss.Signatures, 1)

	msg := nextItem(t, outbox)
	assert.Equal(t, b.me.ParticipantID, msg.To)
	require.Len(t, msg.SignedStates, 1)
	assert.Equal(t, ss.Hash(), msg.SignedStates[0].Hash())
}

func TestSetFundingOnce(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	entry, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 5, 5))
	require.NoError(t, err)

	require.NoError(t, a.store.SetFunding(ctx, entry.ChannelID, channel.DirectFunding()))
	err = a.store.SetFunding(ctx, entry.ChannelID, channel.IndirectFunding(common.HexToHash("0x01")))
	require.ErrorIs(t, err, channel.ErrAlreadyFunded)

	got, err := a.store.GetEntry(ctx, entry.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, got.Funding)
	assert.Equal(t, channel.FundingDirect, got.Funding.Type)

	err = a.store.SetFunding(ctx, common.HexToHash("0xdead"), channel.DirectFunding())
	require.ErrorIs(t, err, channel.ErrChannelNotFound)
}

func TestObjectives(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)
	ledger := common.HexToHash("0x1e")

	obj := NewFundLedger([]channel.Participant{a.me, b.me}, ledger)
	added, err := a.store.AddObjective(ctx, obj, true)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = a.store.AddObjective(ctx, obj, true)
	require.NoError(t, err)
	assert.False(t, added)

	outbox := a.store.Outbox()
	defer outbox.Cancel()
	msg := nextItem(t, outbox)
	assert.Equal(t, b.me.ParticipantID, msg.To)
	assert.Equal(t, []Objective{obj}, msg.Objectives)
	assertNoItem(t, outbox)

	feed, err := a.store.ObjectiveFeed(ctx)
	require.NoError(t, err)
	defer feed.Cancel()
	assert.Equal(t, obj.ID(), nextItem(t, feed).ID())

	other := NewCloseLedger([]channel.Participant{a.me, b.me}, ledger)
	_, err = a.store.AddObjective(ctx, other, false)
	require.NoError(t, err)
	assert.Equal(t, other.ID(), nextItem(t, feed).ID())

	require.NoError(t, a.store.RemoveObjective(ctx, obj.ID()))
	objs, err := a.store.Objectives(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, CloseLedger, objs[0].Type)
}

func TestPushMessageJoinsErrors(t *testing.T) {
	ctx := context.Background()
	a, b, c := newTestWallet(t), newTestWallet(t), newTestWallet(t)

	entry, err := a.store.CreateChannel(ctx, twoPartyParams(a, b, 5, 5))
	require.NoError(t, err)
	good := mustLatest(t, entry)
	bad := signed(t, entry.Constants, channel.Variables{TurnNum: 1}, c.signer)
	obj := NewOpenChannel([]channel.Participant{a.me, b.me}, entry.ChannelID)

	err = b.store.PushMessage(ctx, Message{SignedStates: []channel.SignedState{bad, good}, Objectives: []Objective{obj}})
	require.ErrorIs(t, err, channel.ErrUnknownSigner)

	_, err = b.store.GetEntry(ctx, entry.ChannelID)
	require.NoError(t, err)
	objs, err := b.store.Objectives(ctx)
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestRegisterLedgerTieBreak(t *testing.T) {
	ctx := context.Background()
	a, b := newTestWallet(t), newTestWallet(t)

	params := twoPartyParams(a, b, 0, 0)
	high := uint64(9)
	params.Nonce = &high
	later, err := a.store.CreateChannel(ctx, params)
	require.NoError(t, err)

	params = twoPartyParams(b, a, 0, 0)
	low := uint64(3)
	params.Nonce = &low
	earlier, err := a.store.CreateChannel(ctx, params)
	require.NoError(t, err)

	_, ok, err := a.store.LedgerWith(ctx, b.me.ParticipantID)
	require.NoError(t, err)
	assert.False(t, ok)

	winner, err := a.store.RegisterLedger(ctx, b.me.ParticipantID, later.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, later.ChannelID, winner)

	winner, err = a.store.RegisterLedger(ctx, b.me.ParticipantID, earlier.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, earlier.ChannelID, winner)

	winner, err = a.store.RegisterLedger(ctx, b.me.ParticipantID, later.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, earlier.ChannelID, winner)

	id, ok, err := a.store.LedgerWith(ctx, b.me.ParticipantID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, earlier.ChannelID, id)
}

func TestChannelLockExpires(t *testing.T) {
	start := time.Unix(1700000000, 0)
	testClock := clock.NewTestClock(start)
	s, err := New(context.Background(), NewMemoryBackend(), testChainID, WithClock(testClock))
	require.NoError(t, err)
	id := common.HexToHash("0x01")

	token, ok := s.AcquireChannelLock(id, time.Minute)
	require.True(t, ok)
	_, ok = s.AcquireChannelLock(id, time.Minute)
	assert.False(t, ok)

	testClock.SetTime(start.Add(2 * time.Minute))
	second, ok := s.AcquireChannelLock(id, time.Minute)
	require.True(t, ok)

	// a stale token cannot release the new holder
	s.ReleaseChannelLock(id, token)
	_, ok = s.AcquireChannelLock(id, time.Minute)
	assert.False(t, ok)

	s.ReleaseChannelLock(id, second)
	_, ok = s.AcquireChannelLock(id, time.Minute)
	assert.True(t, ok)
}

func TestPrivateKeysSurviveReopen(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	signer, err := channel.GenerateSigner()
	require.NoError(t, err)

	s, err := New(ctx, backend, testChainID)
	require.NoError(t, err)
	require.NoError(t, s.AddPrivateKey(ctx, signer))

	reopened, err := New(ctx, backend, testChainID)
	require.NoError(t, err)
	idx, got := reopened.myIndex([]channel.Participant{{SigningAddress: common.HexToAddress("0x01")}, {SigningAddress: signer.Address()}})
	assert.Equal(t, 1, idx)
	require.NotNil(t, got)
	assert.Equal(t, signer.Address(), got.Address())
}

func TestBudgets(t *testing.T) {
	ctx := context.Background()
	a := newTestWallet(t)

	_, err := a.store.Budget(ctx, "app")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, a.store.SetBudget(ctx, DomainBudget{}))

	budget := DomainBudget{
		Domain:     "app",
		HubAddress: common.HexToAddress("0x0b"),
		ForAsset: []AssetBudget{{
			AvailableSend:    big.NewInt(10),
			AvailableReceive: big.NewInt(20),
		}},
	}
	require.NoError(t, a.store.SetBudget(ctx, budget))

	got, err := a.store.Budget(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, budget.HubAddress, got.HubAddress)
	require.Len(t, got.ForAsset, 1)
	assert.Equal(t, int64(20), got.ForAsset[0].AvailableReceive.Int64())
}
