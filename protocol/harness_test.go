package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/erc7824/nitrowallet/chain"
	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

const (
	testChainID = 1337
	testTimeout = 10 * time.Second
)

type testNode struct {
	signer *channel.Signer
	me     channel.Participant
	store  *store.Store
	env    Env
}

// testNetwork connects in-memory wallets through their outboxes and a
// shared chain simulator.
type testNetwork struct {
	sim   *chain.Simulator
	nodes map[string]*testNode
}

func setupTestSqlite(t testing.TB) *gorm.DB {
	t.Helper()

	uniqueDSN := fmt.Sprintf("file::memory:test%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(uniqueDSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestNetwork(t *testing.T, n int) (*testNetwork, []*testNode) {
	t.Helper()

	sim, err := chain.NewSimulator(setupTestSqlite(t), testChainID)
	require.NoError(t, err)
	net := &testNetwork{sim: sim, nodes: make(map[string]*testNode)}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nodes := make([]*testNode, n)
	for i := range nodes {
		signer, err := channel.GenerateSigner()
		require.NoError(t, err)
		st, err := store.New(ctx, store.NewMemoryBackend(), testChainID)
		require.NoError(t, err)
		require.NoError(t, st.AddPrivateKey(ctx, signer))

		node := &testNode{
			signer: signer,
			store:  st,
			me: channel.Participant{
				ParticipantID:  signer.Address().Hex(),
				SigningAddress: signer.Address(),
				Destination:    channel.AddressToDestination(signer.Address()),
			},
		}
		node.env = Env{Store: st, Chain: sim, LockTimeout: time.Second}
		net.nodes[node.me.ParticipantID] = node
		nodes[i] = node
	}

	for _, node := range nodes {
		outbox := node.store.Outbox()
		t.Cleanup(outbox.Cancel)
		go func() {
			for {
				msg, err := outbox.Next(ctx)
				if err != nil {
					return
				}
				peer, ok := net.nodes[msg.To]
				if !ok {
					continue
				}
				// duplicate or stale items are expected between peers
				_ = peer.store.PushMessage(ctx, msg)
			}
		}()
	}
	return net, nodes
}

// runAll runs every instance to completion.
func runAll(t *testing.T, instances ...Instance) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var g errgroup.Group
	for _, inst := range instances {
		g.Go(func() error {
			return inst.Run(ctx)
		})
	}
	require.NoError(t, g.Wait())
}

// start runs an instance in the background; the returned channel yields its result.
func start(t *testing.T, inst Instance) <-chan error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- inst.Run(ctx)
	}()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("instance did not finish")
		return errors.New("timeout")
	}
}

func participants(nodes ...*testNode) []channel.Participant {
	out := make([]channel.Participant, len(nodes))
	for i, n := range nodes {
		out[i] = n.me
	}
	return out
}

func items(nodes []*testNode, amounts ...int64) channel.Allocation {
	out := make(channel.Allocation, len(amounts))
	for i, amount := range amounts {
		out[i] = channel.Item(nodes[i].me.Destination, amount)
	}
	return out
}

// openChannel creates a channel on the first node and waits until every
// other node has received its initial state.
func openChannel(t *testing.T, outcome channel.Outcome, nodes ...*testNode) common.Hash {
	t.Helper()
	ctx := context.Background()

	entry, err := nodes[0].store.CreateChannel(ctx, store.ChannelParams{
		Participants:      participants(nodes...),
		ChallengeDuration: 60,
		Variables:         channel.Variables{Outcome: outcome},
	})
	require.NoError(t, err)
	for _, n := range nodes[1:] {
		awaitEntry(t, n, entry.ChannelID)
	}
	return entry.ChannelID
}

func awaitEntry(t *testing.T, n *testNode, id common.Hash) *store.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	entry, err := waitForEntry(ctx, n.store, id)
	require.NoError(t, err)
	return entry
}

// supportedItems returns the allocation of the node's supported state.
func supportedItems(t *testing.T, n *testNode, id common.Hash) channel.Allocation {
	t.Helper()
	entry, err := n.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	_, ao, err := supportedAllocation(entry)
	require.NoError(t, err)
	return ao.Items
}

func requireItems(t *testing.T, expected, actual channel.Allocation) {
	t.Helper()
	require.True(t, expected.Equal(actual), "expected %v, got %v", describe(expected), describe(actual))
}

func describe(a channel.Allocation) []string {
	out := make([]string, len(a))
	for i, it := range a {
		out[i] = fmt.Sprintf("%s:%s", it.Destination.Hex()[:10], it.Amount)
	}
	return out
}

// fundDirectly opens and directly funds a two-party channel with the given
// allocation.
func fundDirectly(t *testing.T, a, b *testNode, amountA, amountB int64) common.Hash {
	t.Helper()
	id := openChannel(t, channel.SimpleAllocation(common.Address{}), a, b)
	minimal := items([]*testNode{a, b}, amountA, amountB)
	runAll(t,
		NewDirectFunding(a.env, id, minimal),
		NewDirectFunding(b.env, id, minimal))
	return id
}

// setupLedger directly funds a ledger between a and b and registers it on both.
func setupLedger(t *testing.T, a, b *testNode, amountA, amountB int64) common.Hash {
	t.Helper()
	ctx := context.Background()
	id := fundDirectly(t, a, b, amountA, amountB)
	_, err := a.store.RegisterLedger(ctx, b.me.ParticipantID, id)
	require.NoError(t, err)
	_, err = b.store.RegisterLedger(ctx, a.me.ParticipantID, id)
	require.NoError(t, err)
	return id
}

// supportLatest has every node support the channel's latest state.
func supportLatest(t *testing.T, id common.Hash, nodes ...*testNode) {
	t.Helper()
	var instances []Instance
	for _, n := range nodes {
		instances = append(instances, instanceFunc(func(ctx context.Context) error {
			_, err := ensureSupported(ctx, n.store, id)
			return err
		}))
	}
	runAll(t, instances...)
}
