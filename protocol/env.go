// Package protocol implements the fund-management protocols of the wallet.
// Each protocol is an explicit state machine driven by its Run method; it
// suspends only on store feeds, chain feeds, the objective feed and
// externally delivered events.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/erc7824/nitrowallet/chain"
	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/feed"
	"github.com/erc7824/nitrowallet/store"
)

// ErrUnexpectedEvent is returned when an event is delivered to a protocol
// that does not expect it in its current state.
var ErrUnexpectedEvent = errors.New("unexpected event")

// Store is the part of the channel store the protocols use.
type Store interface {
	GetEntry(ctx context.Context, id common.Hash) (*store.Entry, error)
	CreateChannel(ctx context.Context, params store.ChannelParams) (*store.Entry, error)
	SignAndAddState(ctx context.Context, id common.Hash, vars channel.Variables) (channel.SignedState, error)
	SetFunding(ctx context.Context, id common.Hash, funding channel.Funding) error
	ChannelUpdatedFeed(ctx context.Context, id common.Hash) (*feed.Subscription[*store.Entry], error)

	AddObjective(ctx context.Context, obj store.Objective, broadcast bool) (bool, error)
	ObjectiveFeed(ctx context.Context) (*feed.Subscription[store.Objective], error)
	Objectives(ctx context.Context) ([]store.Objective, error)
	RemoveObjective(ctx context.Context, id string) error

	LedgerWith(ctx context.Context, peer string) (common.Hash, bool, error)
	RegisterLedger(ctx context.Context, peer string, id common.Hash) (common.Hash, error)

	AcquireChannelLock(id common.Hash, timeout time.Duration) (store.LockToken, bool)
	ReleaseChannelLock(id common.Hash, token store.LockToken)
}

// Env is what every protocol instance runs against.
type Env struct {
	Store Store
	Chain chain.Chain
	// OnTransition, when set, observes every state change.
	OnTransition func(protocol, from, to string)
	// LockTimeout bounds how long an advisory lock taken by a protocol lives.
	LockTimeout time.Duration
	// Clock paces retries; the wall clock when nil.
	Clock clock.Clock
}

func (e Env) clock() clock.Clock {
	if e.Clock == nil {
		return clock.NewDefaultClock()
	}
	return e.Clock
}

func (e Env) lockTimeout() time.Duration {
	if e.LockTimeout <= 0 {
		return 5 * time.Second
	}
	return e.LockTimeout
}

// Event is an input delivered to a running protocol from outside.
type Event interface {
	protocolEvent()
}

// RetryDeposit approves resubmitting a failed deposit.
type RetryDeposit struct{}

// AbandonDeposit gives up on a failed deposit; the protocol fails.
type AbandonDeposit struct{}

func (RetryDeposit) protocolEvent()   {}
func (AbandonDeposit) protocolEvent() {}

// Instance is a running protocol.
type Instance interface {
	Run(ctx context.Context) error
	Handle(ev Event) error
	Status() string
}

type stateEnum interface {
	~uint8
	fmt.Stringer
}

// machine tracks the current state of one protocol instance.
type machine[S stateEnum] struct {
	env  Env
	name string

	mu    sync.Mutex
	state S
	err   error
	// child receives events while a sub-protocol runs.
	child Instance
}

func (m *machine[S]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine[S]) Status() string {
	return m.State().String()
}

// Err is the reason the instance failed, if it did.
func (m *machine[S]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *machine[S]) transition(to S) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	log.Debugw("transition", "protocol", m.name, "from", from.String(), "to", to.String())
	if m.env.OnTransition != nil {
		m.env.OnTransition(m.name, from.String(), to.String())
	}
}

func (m *machine[S]) fail(failure S, err error) error {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.transition(failure)
	log.Warnw("protocol failed", "protocol", m.name, "error", err)
	return err
}

// runChild runs a sub-protocol, forwarding events to it while it runs.
func (m *machine[S]) runChild(ctx context.Context, child Instance) error {
	m.mu.Lock()
	m.child = child
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.child = nil
		m.mu.Unlock()
	}()
	return child.Run(ctx)
}

// forward hands an event to the running sub-protocol.
func (m *machine[S]) forward(ev Event) error {
	m.mu.Lock()
	child := m.child
	m.mu.Unlock()
	if child == nil {
		return fmt.Errorf("%w: %T in %s", ErrUnexpectedEvent, ev, m.Status())
	}
	return child.Handle(ev)
}

// supportedAllocation returns the supported state of the entry and its
// single allocation.
func supportedAllocation(entry *store.Entry) (channel.SignedState, channel.AssetOutcome, error) {
	ss, ok := entry.Supported()
	if !ok {
		return channel.SignedState{}, channel.AssetOutcome{}, fmt.Errorf("channel %s has no supported state", entry.ChannelID.Hex())
	}
	ao, err := ss.Outcome.SingleAllocation()
	if err != nil {
		return channel.SignedState{}, channel.AssetOutcome{}, err
	}
	return ss, ao, nil
}

// ensureSupported makes sure the channel has a supported state, supporting
// its latest state if it has none.
func ensureSupported(ctx context.Context, st Store, id common.Hash) (*store.Entry, error) {
	entry, err := st.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := entry.Supported(); ok {
		return entry, nil
	}
	latest, ok := entry.Latest()
	if !ok {
		return nil, fmt.Errorf("channel %s has no states", id.Hex())
	}
	if err := SupportState(ctx, st, id, latest.Variables); err != nil {
		return nil, err
	}
	return st.GetEntry(ctx, id)
}

// waitForEntry blocks until the store knows the channel.
func waitForEntry(ctx context.Context, st Store, id common.Hash) (*store.Entry, error) {
	sub, err := st.ChannelUpdatedFeed(ctx, id)
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()
	return sub.Next(ctx)
}

// nextTurn copies vars of the supported state one turn later.
func nextTurn(ss channel.SignedState, outcome channel.Outcome, final bool) channel.Variables {
	return channel.Variables{
		TurnNum: ss.TurnNum + 1,
		Outcome: outcome,
		AppData: ss.AppData,
		IsFinal: final,
	}
}
