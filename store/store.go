package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/feed"
)

// Store is the wallet's single source of truth for channels, objectives and
// keys. Operations are serialised and each runs in one backend transaction.
// Change notifications are published only after the transaction commits.
type Store struct {
	backend  Backend
	chainID  uint64
	clock    clock.Clock
	validate *validator.Validate

	mu   sync.Mutex
	keys map[common.Address]*channel.Signer

	nextSubID     uint64
	channelSubs   map[common.Hash]map[uint64]*feed.Subscription[*Entry]
	objectiveSubs map[uint64]*feed.Subscription[Objective]
	outboxSubs    map[uint64]*feed.Subscription[Message]
	// undelivered holds outbound messages produced while nobody reads the outbox.
	undelivered []Message

	lockMu        sync.Mutex
	locks         map[common.Hash]channelLock
	nextLockToken LockToken
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for lock expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New opens a store on backend and loads the private keys it holds.
func New(ctx context.Context, backend Backend, chainID uint64, opts ...Option) (*Store, error) {
	s := &Store{
		backend:       backend,
		chainID:       chainID,
		clock:         clock.NewDefaultClock(),
		validate:      validator.New(),
		keys:          make(map[common.Address]*channel.Signer),
		channelSubs:   make(map[common.Hash]map[uint64]*feed.Subscription[*Entry]),
		objectiveSubs: make(map[uint64]*feed.Subscription[Objective]),
		outboxSubs:    make(map[uint64]*feed.Subscription[Message]),
		locks:         make(map[common.Hash]channelLock),
	}
	for _, opt := range opts {
		opt(s)
	}

	err := backend.Transaction(ctx, ReadOnly, []ObjectStore{PrivateKeysStore}, func(tx Tx) error {
		addrs, err := tx.Keys(PrivateKeysStore)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			raw, err := tx.Get(PrivateKeysStore, addr)
			if err != nil {
				return err
			}
			signer, err := channel.NewSigner(string(raw))
			if err != nil {
				return fmt.Errorf("stored key %s: %w", addr, err)
			}
			s.keys[signer.Address()] = signer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load private keys: %w", err)
	}
	return s, nil
}

// ChainID is the chain this store's channels live on.
func (s *Store) ChainID() uint64 {
	return s.chainID
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// AddPrivateKey persists a signing key. Channels naming its address become ours.
func (s *Store) AddPrivateKey(ctx context.Context, signer *channel.Signer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.Transaction(ctx, ReadWrite, []ObjectStore{PrivateKeysStore}, func(tx Tx) error {
		return tx.Put(PrivateKeysStore, signer.Address().Hex(), []byte(signer.HexKey()))
	})
	if err != nil {
		return fmt.Errorf("failed to store private key: %w", err)
	}
	s.keys[signer.Address()] = signer
	return nil
}

// ChannelParams describes a channel to create.
type ChannelParams struct {
	Participants      []channel.Participant `validate:"min=2"`
	ChallengeDuration uint64                `validate:"gt=0"`
	Variables         channel.Variables
	AppDefinition     common.Address
	ApplicationDomain string
	// Nonce is chosen automatically when nil.
	Nonce *uint64
}

// CreateChannel creates a channel, signs its initial state and sends it to
// the other participants.
func (s *Store) CreateChannel(ctx context.Context, params ChannelParams) (*Entry, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid channel params: %w", err)
	}
	if err := params.Variables.Outcome.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	myIndex, signer := s.myIndex(params.Participants)
	if signer == nil {
		return nil, channel.ErrNotAParticipant
	}

	var entry *Entry
	stores := []ObjectStore{ChannelsStore, NoncesStore}
	err := s.backend.Transaction(ctx, ReadWrite, stores, func(tx Tx) error {
		constants := channel.Constants{
			ChainID:           s.chainID,
			Participants:      params.Participants,
			AppDefinition:     params.AppDefinition,
			ChallengeDuration: params.ChallengeDuration,
		}
		key := nonceKey(constants)
		last, used, err := getNonce(tx, key)
		if err != nil {
			return err
		}
		switch {
		case params.Nonce != nil:
			if used && *params.Nonce <= last {
				return fmt.Errorf("%w: nonce %d not above %d", channel.ErrInvalidNonce, *params.Nonce, last)
			}
			constants.ChannelNonce = *params.Nonce
		case used:
			constants.ChannelNonce = last + 1
		}

		id := constants.ChannelID()
		if _, err := tx.Get(ChannelsStore, id.Hex()); err == nil {
			return fmt.Errorf("%w: channel %s exists", channel.ErrInvalidNonce, id.Hex())
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		entry = newEntry(constants, myIndex)
		entry.ApplicationDomain = params.ApplicationDomain
		state := channel.NewState(constants, params.Variables)
		sig, err := signer.SignState(state)
		if err != nil {
			return err
		}
		entry.merge(channel.SignedState{State: state}, []common.Address{signer.Address()}, []channel.Signature{sig})

		if err := putEntry(tx, entry); err != nil {
			return err
		}
		return putNonce(tx, key, constants.ChannelNonce)
	})
	if err != nil {
		return nil, err
	}

	log.Infow("created channel", "channel", entry.ChannelID.Hex(), "nonce", entry.Constants.ChannelNonce)
	s.publishEntry(entry)
	initial, _ := entry.Latest()
	s.sendStates(entry, initial)
	return entry.clone(), nil
}

// AddState verifies and merges a signed state received from a peer. Entries
// for unknown channels are created if one of our keys participates.
func (s *Store) AddState(ctx context.Context, ss channel.SignedState) (*Entry, error) {
	if len(ss.Signatures) == 0 {
		return nil, fmt.Errorf("%w: state carries no signatures", channel.ErrInvalidSignature)
	}
	if err := ss.Outcome.Validate(); err != nil {
		return nil, err
	}
	if ss.ChainID != s.chainID {
		return nil, fmt.Errorf("%w: state for chain %d", channel.ErrChannelIDMismatch, ss.ChainID)
	}

	signers := make([]common.Address, 0, len(ss.Signatures))
	for _, sig := range ss.Signatures {
		signer, err := channel.RecoverSigner(ss.State, sig)
		if err != nil {
			return nil, err
		}
		if ss.IndexOf(signer) < 0 {
			return nil, fmt.Errorf("%w: %s", channel.ErrUnknownSigner, signer.Hex())
		}
		signers = append(signers, signer)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		entry   *Entry
		changed bool
	)
	id := ss.ChannelID()
	err := s.backend.Transaction(ctx, ReadWrite, []ObjectStore{ChannelsStore, NoncesStore}, func(tx Tx) error {
		var err error
		entry, err = getEntry(tx, id)
		created := false
		if errors.Is(err, channel.ErrChannelNotFound) {
			myIndex, signer := s.myIndex(ss.Participants)
			if signer == nil {
				return channel.ErrNotAParticipant
			}
			entry = newEntry(ss.Constants, myIndex)
			created = true

			key := nonceKey(ss.Constants)
			last, used, err := getNonce(tx, key)
			if err != nil {
				return err
			}
			if !used || ss.ChannelNonce > last {
				if err := putNonce(tx, key, ss.ChannelNonce); err != nil {
					return err
				}
			}
		} else if err != nil {
			return err
		}

		hash := ss.Hash()
		merged := entry.merge(ss, signers, ss.Signatures)
		removed := entry.gc()
		_, present := entry.States[hash]
		changed = (merged && present) || len(removed) > 0

		if !changed && !created {
			return nil
		}
		return putEntry(tx, entry)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		log.Debugw("state added", "channel", id.Hex(), "turn", ss.TurnNum)
		s.publishEntry(entry)
	}
	return entry.clone(), nil
}

// GetEntry returns the channel's entry or channel.ErrChannelNotFound.
func (s *Store) GetEntry(ctx context.Context, id common.Hash) (*Entry, error) {
	var entry *Entry
	err := s.backend.Transaction(ctx, ReadOnly, []ObjectStore{ChannelsStore}, func(tx Tx) error {
		var err error
		entry, err = getEntry(tx, id)
		return err
	})
	return entry, err
}

// SetFunding records how a channel is funded. It may be set only once.
func (s *Store) SetFunding(ctx context.Context, id common.Hash, funding channel.Funding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry *Entry
	err := s.backend.Transaction(ctx, ReadWrite, []ObjectStore{ChannelsStore}, func(tx Tx) error {
		var err error
		entry, err = getEntry(tx, id)
		if err != nil {
			return err
		}
		if entry.Funding != nil {
			return fmt.Errorf("%w: %s funding for %s", channel.ErrAlreadyFunded, entry.Funding.Type, id.Hex())
		}
		entry.Funding = &funding
		return putEntry(tx, entry)
	})
	if err != nil {
		return err
	}
	log.Infow("channel funded", "channel", id.Hex(), "type", funding.Type)
	s.publishEntry(entry)
	return nil
}

// SignAndAddState signs a state with the given variables on behalf of this
// wallet, adds it and sends the resulting signed state to every peer.
func (s *Store) SignAndAddState(ctx context.Context, id common.Hash, vars channel.Variables) (channel.SignedState, error) {
	if err := vars.Outcome.Validate(); err != nil {
		return channel.SignedState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		entry  *Entry
		signed channel.SignedState
	)
	err := s.backend.Transaction(ctx, ReadWrite, []ObjectStore{ChannelsStore}, func(tx Tx) error {
		var err error
		entry, err = getEntry(tx, id)
		if err != nil {
			return err
		}
		signer, ok := s.keys[entry.Me().SigningAddress]
		if !ok {
			return channel.ErrNotAParticipant
		}

		state := channel.NewState(entry.Constants, vars)
		sig, err := signer.SignState(state)
		if err != nil {
			return err
		}
		entry.merge(channel.SignedState{State: state}, []common.Address{signer.Address()}, []channel.Signature{sig})
		entry.gc()

		ss, ok := entry.SignedState(state.Hash())
		if !ok {
			return fmt.Errorf("state at turn %d is stale", vars.TurnNum)
		}
		signed = ss
		return putEntry(tx, entry)
	})
	if err != nil {
		return channel.SignedState{}, err
	}

	log.Debugw("signed state", "channel", id.Hex(), "turn", vars.TurnNum, "final", vars.IsFinal)
	s.publishEntry(entry)
	s.sendStates(entry, signed)
	return signed, nil
}

// Signer returns the private key this wallet uses in the channel.
func (s *Store) Signer(entry *Entry) (*channel.Signer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	signer, ok := s.keys[entry.Me().SigningAddress]
	return signer, ok
}

// IsMine reports whether the store holds the key for addr.
func (s *Store) IsMine(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[addr]
	return ok
}

// ChannelUpdatedFeed streams the channel's entry after every change. The
// current entry, if any, is delivered first.
func (s *Store) ChannelUpdatedFeed(ctx context.Context, id common.Hash) (*feed.Subscription[*Entry], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.GetEntry(ctx, id)
	if err != nil && !errors.Is(err, channel.ErrChannelNotFound) {
		return nil, err
	}

	s.nextSubID++
	subID := s.nextSubID
	sub := feed.New[*Entry](func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.channelSubs[id], subID)
		if len(s.channelSubs[id]) == 0 {
			delete(s.channelSubs, id)
		}
	})
	if entry != nil {
		sub.Send(entry)
	}

	if s.channelSubs[id] == nil {
		s.channelSubs[id] = make(map[uint64]*feed.Subscription[*Entry])
	}
	s.channelSubs[id][subID] = sub
	return sub, nil
}

// AddObjective stores an objective. It reports false if the objective was
// already known. With broadcast set, the objective is sent to every other
// participant.
func (s *Store) AddObjective(ctx context.Context, obj Objective, broadcast bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := obj.ID()
	added := false
	err := s.backend.Transaction(ctx, ReadWrite, []ObjectStore{ObjectivesStore}, func(tx Tx) error {
		if _, err := tx.Get(ObjectivesStore, id); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		added = true
		return tx.Put(ObjectivesStore, id, raw)
	})
	if err != nil || !added {
		return false, err
	}

	log.Infow("objective added", "objective", id)
	for _, sub := range s.objectiveSubs {
		sub.Send(obj)
	}
	if broadcast {
		s.sendObjective(obj)
	}
	return true, nil
}

// RemoveObjective discards an objective once its work is done.
func (s *Store) RemoveObjective(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.backend.Transaction(ctx, ReadWrite, []ObjectStore{ObjectivesStore}, func(tx Tx) error {
		return tx.Delete(ObjectivesStore, id)
	})
}

// Objectives lists every stored objective ordered by id.
func (s *Store) Objectives(ctx context.Context) ([]Objective, error) {
	var objs []Objective
	err := s.backend.Transaction(ctx, ReadOnly, []ObjectStore{ObjectivesStore}, func(tx Tx) error {
		ids, err := tx.Keys(ObjectivesStore)
		if err != nil {
			return err
		}
		for _, id := range ids {
			raw, err := tx.Get(ObjectivesStore, id)
			if err != nil {
				return err
			}
			var obj Objective
			if err := json.Unmarshal(raw, &obj); err != nil {
				return fmt.Errorf("failed to decode objective %s: %w", id, err)
			}
			objs = append(objs, obj)
		}
		return nil
	})
	return objs, err
}

// ObjectiveFeed streams objectives as they are added. Stored objectives are
// delivered first.
func (s *Store) ObjectiveFeed(ctx context.Context) (*feed.Subscription[Objective], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs, err := s.Objectives(ctx)
	if err != nil {
		return nil, err
	}

	s.nextSubID++
	subID := s.nextSubID
	sub := feed.New[Objective](func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.objectiveSubs, subID)
	})
	for _, obj := range objs {
		sub.Send(obj)
	}
	s.objectiveSubs[subID] = sub
	return sub, nil
}

// PushMessage ingests a peer message: its states first, then its objectives.
// Every item is attempted; failures are joined into the returned error.
func (s *Store) PushMessage(ctx context.Context, msg Message) error {
	var errs []error
	for _, ss := range msg.SignedStates {
		if _, err := s.AddState(ctx, ss); err != nil {
			errs = append(errs, fmt.Errorf("state %s turn %d: %w", ss.ChannelID().Hex(), ss.TurnNum, err))
		}
	}
	for _, obj := range msg.Objectives {
		if _, err := s.AddObjective(ctx, obj, false); err != nil {
			errs = append(errs, fmt.Errorf("objective %s: %w", obj.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Outbox streams messages addressed to peers. Messages produced while no
// subscriber was attached are delivered to the first one.
func (s *Store) Outbox() *feed.Subscription[Message] {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	subID := s.nextSubID
	sub := feed.New[Message](func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.outboxSubs, subID)
	})
	for _, msg := range s.undelivered {
		sub.Send(msg)
	}
	s.undelivered = nil
	s.outboxSubs[subID] = sub
	return sub
}

// RegisterLedger records id as the ledger shared with peer. If a different
// ledger is already registered the one with the lower nonce, then the lower
// id, wins. The winner is returned.
func (s *Store) RegisterLedger(ctx context.Context, peer string, id common.Hash) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	winner := id
	stores := []ObjectStore{LedgersStore, ChannelsStore}
	err := s.backend.Transaction(ctx, ReadWrite, stores, func(tx Tx) error {
		existing, err := getLedger(tx, peer)
		if errors.Is(err, ErrNotFound) {
			return putLedger(tx, peer, id)
		}
		if err != nil || existing == id {
			return err
		}

		current, err := getEntry(tx, existing)
		if err != nil {
			return err
		}
		candidate, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		cn, nn := current.Constants.ChannelNonce, candidate.Constants.ChannelNonce
		if cn < nn || (cn == nn && strings.Compare(existing.Hex(), id.Hex()) < 0) {
			winner = existing
			return nil
		}
		return putLedger(tx, peer, id)
	})
	if err != nil {
		return common.Hash{}, err
	}
	return winner, nil
}

// LedgerWith returns the ledger registered with peer, if any.
func (s *Store) LedgerWith(ctx context.Context, peer string) (common.Hash, bool, error) {
	var id common.Hash
	err := s.backend.Transaction(ctx, ReadOnly, []ObjectStore{LedgersStore}, func(tx Tx) error {
		var err error
		id, err = getLedger(tx, peer)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return id, true, nil
}

// myIndex finds the first participant whose key this wallet holds.
func (s *Store) myIndex(participants []channel.Participant) (int, *channel.Signer) {
	for i, p := range participants {
		if signer, ok := s.keys[p.SigningAddress]; ok {
			return i, signer
		}
	}
	return -1, nil
}

// publishEntry must be called with s.mu held.
func (s *Store) publishEntry(entry *Entry) {
	for _, sub := range s.channelSubs[entry.ChannelID] {
		sub.Send(entry.clone())
	}
}

// sendStates must be called with s.mu held.
func (s *Store) sendStates(entry *Entry, states ...channel.SignedState) {
	me := entry.Me()
	for _, peer := range entry.Peers() {
		if _, ours := s.keys[peer.SigningAddress]; ours {
			continue
		}
		s.enqueue(Message{From: me.ParticipantID, To: peer.ParticipantID, SignedStates: states})
	}
}

// sendObjective must be called with s.mu held.
func (s *Store) sendObjective(obj Objective) {
	from := ""
	for _, p := range obj.Participants {
		if _, ours := s.keys[p.SigningAddress]; ours {
			from = p.ParticipantID
			break
		}
	}
	for _, p := range obj.Participants {
		if _, ours := s.keys[p.SigningAddress]; ours {
			continue
		}
		s.enqueue(Message{From: from, To: p.ParticipantID, Objectives: []Objective{obj}})
	}
}

func (s *Store) enqueue(msg Message) {
	if len(s.outboxSubs) == 0 {
		s.undelivered = append(s.undelivered, msg)
		return
	}
	for _, sub := range s.outboxSubs {
		sub.Send(msg)
	}
}

func getEntry(tx Tx, id common.Hash) (*Entry, error) {
	raw, err := tx.Get(ChannelsStore, id.Hex())
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", channel.ErrChannelNotFound, id.Hex())
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode channel %s: %w", id.Hex(), err)
	}
	if entry.States == nil {
		entry.States = make(map[common.Hash]channel.Variables)
	}
	if entry.Signatures == nil {
		entry.Signatures = make(map[common.Hash]map[common.Address]channel.Signature)
	}
	return &entry, nil
}

func putEntry(tx Tx, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode channel %s: %w", entry.ChannelID.Hex(), err)
	}
	return tx.Put(ChannelsStore, entry.ChannelID.Hex(), raw)
}

// nonceKey scopes nonces to an ordered participant list.
func nonceKey(c channel.Constants) string {
	addrs := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		addrs[i] = p.SigningAddress.Hex()
	}
	return strings.Join(addrs, ",")
}

func getNonce(tx Tx, key string) (uint64, bool, error) {
	raw, err := tx.Get(NoncesStore, key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func putNonce(tx Tx, key string, nonce uint64) error {
	raw, _ := json.Marshal(nonce)
	return tx.Put(NoncesStore, key, raw)
}

func getLedger(tx Tx, peer string) (common.Hash, error) {
	raw, err := tx.Get(LedgersStore, peer)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(string(raw)), nil
}

func putLedger(tx Tx, peer string, id common.Hash) error {
	return tx.Put(LedgersStore, peer, []byte(id.Hex()))
}
