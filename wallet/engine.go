// Package wallet supervises protocol instances on top of a channel store and
// a chain. It routes peer messages into the store and starts the hub's side of
// virtual funding and defunding when peers ask for it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/erc7824/nitrowallet/chain"
	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/protocol"
	"github.com/erc7824/nitrowallet/store"
)

var ErrUnknownInstance = errors.New("unknown protocol instance")

// Sender delivers messages to peers.
type Sender interface {
	Send(ctx context.Context, msg store.Message) error
}

type handle struct {
	inst protocol.Instance
	done chan struct{}
	err  error
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Engine owns the protocol instances of one wallet.
type Engine struct {
	store       *store.Store
	chain       chain.Chain
	metrics     *Metrics
	lockTimeout time.Duration
	clock       clock.Clock
	env         protocol.Env

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	instances map[string]*handle
}

// Option customises an Engine.
type Option func(*Engine)

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLockTimeout bounds the advisory locks taken by protocols.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTimeout = d
	}
}

// WithClock replaces the wall clock that paces protocol retries.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func New(st *store.Store, ch chain.Chain, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     st,
		chain:     ch,
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	e.env = protocol.Env{
		Store:        st,
		Chain:        ch,
		OnTransition: e.metrics.observeTransition,
		LockTimeout:  e.lockTimeout,
		Clock:        e.clock,
	}
	return e
}

func (e *Engine) Store() *store.Store {
	return e.store
}

// Run forwards outbound messages to sender and reacts to peer objectives
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, sender Sender) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.forwardOutbox(ctx, sender)
	})
	g.Go(func() error {
		return e.dispatchObjectives(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops every running instance and waits for them to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// PushMessage ingests a message received from a peer.
func (e *Engine) PushMessage(ctx context.Context, msg store.Message) error {
	e.metrics.Messages.WithLabelValues("in").Inc()
	return e.store.PushMessage(ctx, msg)
}

func (e *Engine) forwardOutbox(ctx context.Context, sender Sender) error {
	outbox := e.store.Outbox()
	defer outbox.Cancel()

	for {
		msg, err := outbox.Next(ctx)
		if err != nil {
			return err
		}
		if err := sender.Send(ctx, msg); err != nil {
			log.Warnw("failed to send message", "to", msg.To, "error", err)
			continue
		}
		e.metrics.Messages.WithLabelValues("out").Inc()
	}
}

func (e *Engine) dispatchObjectives(ctx context.Context) error {
	sub, err := e.store.ObjectiveFeed(ctx)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for {
		obj, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := e.handleObjective(ctx, obj); err != nil {
			log.Warnw("failed to handle objective", "objective", obj.ID(), "error", err)
		}
	}
}

func (e *Engine) handleObjective(ctx context.Context, obj store.Objective) error {
	switch obj.Type {
	case store.FundLedger:
		ledger, err := e.store.GetEntry(ctx, obj.LedgerID)
		if err != nil {
			return err
		}
		for _, peer := range ledger.Peers() {
			if _, err := e.store.RegisterLedger(ctx, peer.ParticipantID, obj.LedgerID); err != nil {
				return err
			}
		}
		return nil
	case store.FundGuarantor:
		if !e.isHubOf(obj) {
			return nil
		}
		_, err := e.start(protocol.NewVirtualFundingHub(e.env, obj.JointChannelID), "VirtualFundingHub", obj.JointChannelID, false)
		return err
	case store.DefundGuarantor:
		if !e.isHubOf(obj) {
			return nil
		}
		_, err := e.start(protocol.NewVirtualDefundingHub(e.env, obj.JointChannelID), "VirtualDefundingHub", obj.JointChannelID, false)
		return err
	default:
		log.Debugw("objective needs no action", "objective", obj.ID())
		return nil
	}
}

// isHubOf reports whether this wallet is the hub a guarantor objective is
// addressed to. Guarantor objectives list the leaf first and the hub second.
func (e *Engine) isHubOf(obj store.Objective) bool {
	return len(obj.Participants) == 2 && e.store.IsMine(obj.Participants[1].SigningAddress)
}

// start registers and runs an instance under "<protocol>-<channel>". A
// running instance with that id is kept. A finished one is replaced only
// when restart is set.
func (e *Engine) start(inst protocol.Instance, name string, id common.Hash, restart bool) (string, error) {
	instanceID := fmt.Sprintf("%s-%s", name, id.Hex())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return "", e.ctx.Err()
	}
	if h, ok := e.instances[instanceID]; ok && (!h.finished() || !restart) {
		return instanceID, nil
	}

	h := &handle{inst: inst, done: make(chan struct{})}
	e.instances[instanceID] = h
	e.metrics.Running.WithLabelValues(name).Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := inst.Run(e.ctx)

		e.mu.Lock()
		h.err = err
		e.mu.Unlock()
		close(h.done)

		e.metrics.Running.WithLabelValues(name).Dec()
		if err != nil {
			e.metrics.Failures.WithLabelValues(name).Inc()
			log.Warnw("protocol instance failed", "instance", instanceID, "error", err)
			return
		}
		log.Infow("protocol instance finished", "instance", instanceID)
	}()
	log.Infow("protocol instance started", "instance", instanceID)
	return instanceID, nil
}

func (e *Engine) lookup(instanceID string) (*handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	return h, nil
}

// DirectFund starts direct funding of a channel up to minimal.
func (e *Engine) DirectFund(id common.Hash, minimal channel.Allocation) (string, error) {
	return e.start(protocol.NewDirectFunding(e.env, id, minimal), "DirectFunding", id, true)
}

// LedgerFund starts funding a channel from the ledger shared with peer.
func (e *Engine) LedgerFund(target common.Hash, peer channel.Participant, deductions channel.Allocation) (string, error) {
	return e.start(protocol.NewLedgerFunding(e.env, target, peer, deductions), "LedgerFunding", target, true)
}

// VirtualFund starts the leaf's side of funding target through joint.
func (e *Engine) VirtualFund(target, joint common.Hash) (string, error) {
	return e.start(protocol.NewVirtualFundingLeaf(e.env, target, joint), "VirtualFundingLeaf", target, true)
}

// Conclude finalizes a channel and returns its funds to its funding source.
func (e *Engine) Conclude(id common.Hash) (string, error) {
	return e.start(protocol.NewConcludeChannel(e.env, id), "ConcludeChannel", id, true)
}

// SendEvent delivers an event to a running instance.
func (e *Engine) SendEvent(instanceID string, ev protocol.Event) error {
	h, err := e.lookup(instanceID)
	if err != nil {
		return err
	}
	return h.inst.Handle(ev)
}

// Status is the current state name of an instance.
func (e *Engine) Status(instanceID string) (string, error) {
	h, err := e.lookup(instanceID)
	if err != nil {
		return "", err
	}
	return h.inst.Status(), nil
}

// Wait blocks until the instance returns and yields its error.
func (e *Engine) Wait(ctx context.Context, instanceID string) error {
	h, err := e.lookup(instanceID)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Withdraw pays out a concluded, directly funded channel on chain. The final
// state must carry every participant's signature: this wallet countersigns
// it if needed and waits, bounded by ctx, for the others.
func (e *Engine) Withdraw(ctx context.Context, id common.Hash) error {
	entry, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	final, ok := entry.Supported()
	if !ok || !final.IsFinal {
		return fmt.Errorf("%w: %s", channel.ErrChannelNotFinalized, id.Hex())
	}
	if err := protocol.Countersign(ctx, e.store, entry, final); err != nil {
		return err
	}
	final, err = e.awaitFullySigned(ctx, id, final.Hash())
	if err != nil {
		return err
	}
	return e.chain.FinalizeAndWithdraw(ctx, final)
}

func (e *Engine) awaitFullySigned(ctx context.Context, id, hash common.Hash) (channel.SignedState, error) {
	sub, err := e.store.ChannelUpdatedFeed(ctx, id)
	if err != nil {
		return channel.SignedState{}, err
	}
	defer sub.Cancel()

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			return channel.SignedState{}, fmt.Errorf("waiting for signatures on the final state of %s: %w", id.Hex(), err)
		}
		if entry.FullySigned(hash) {
			ss, _ := entry.SignedState(hash)
			return ss, nil
		}
	}
}

// Challenge registers the channel's supported state on chain.
func (e *Engine) Challenge(ctx context.Context, id common.Hash) error {
	entry, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	supported, ok := entry.Supported()
	if !ok {
		return fmt.Errorf("channel %s has no supported state", id.Hex())
	}
	signer, ok := e.store.Signer(entry)
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrNotAParticipant, id.Hex())
	}
	return e.chain.Challenge(ctx, supported, signer)
}
