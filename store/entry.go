package store

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
)

// Entry is the store's record of one channel: its constants, every known
// state and the signatures collected on each.
type Entry struct {
	ChannelID         common.Hash                                          `json:"channelId"`
	Constants         channel.Constants                                    `json:"constants"`
	States            map[common.Hash]channel.Variables                    `json:"states"`
	Signatures        map[common.Hash]map[common.Address]channel.Signature `json:"signatures"`
	MyIndex           int                                                  `json:"myIndex"`
	Funding           *channel.Funding                                     `json:"funding,omitempty"`
	ApplicationDomain string                                               `json:"applicationDomain,omitempty"`
}

func newEntry(constants channel.Constants, myIndex int) *Entry {
	return &Entry{
		ChannelID:  constants.ChannelID(),
		Constants:  constants.Clone(),
		States:     make(map[common.Hash]channel.Variables),
		Signatures: make(map[common.Hash]map[common.Address]channel.Signature),
		MyIndex:    myIndex,
	}
}

func (e *Entry) Participants() []channel.Participant {
	return e.Constants.Participants
}

// Me is this wallet's participant record in the channel.
func (e *Entry) Me() channel.Participant {
	return e.Constants.Participants[e.MyIndex]
}

// Peers are every participant except this wallet.
func (e *Entry) Peers() []channel.Participant {
	peers := make([]channel.Participant, 0, len(e.Constants.Participants)-1)
	for i, p := range e.Constants.Participants {
		if i != e.MyIndex {
			peers = append(peers, p)
		}
	}
	return peers
}

// SignedState returns the known state with the given hash.
func (e *Entry) SignedState(hash common.Hash) (channel.SignedState, bool) {
	vars, ok := e.States[hash]
	if !ok {
		return channel.SignedState{}, false
	}
	ss := channel.SignedState{State: channel.NewState(e.Constants, vars)}
	// signatures in participant order
	for _, p := range e.Constants.Participants {
		if sig, ok := e.Signatures[hash][p.SigningAddress]; ok {
			ss.Signatures = append(ss.Signatures, append(channel.Signature(nil), sig...))
		}
	}
	return ss, true
}

// Latest is the known state with the highest turn number.
func (e *Entry) Latest() (channel.SignedState, bool) {
	hashes := e.sortedHashes()
	if len(hashes) == 0 {
		return channel.SignedState{}, false
	}
	return e.SignedState(hashes[len(hashes)-1])
}

// Supported is the latest state satisfying the support rule.
func (e *Entry) Supported() (channel.SignedState, bool) {
	chain := e.supportChain()
	if len(chain) == 0 {
		return channel.SignedState{}, false
	}
	return e.SignedState(chain[len(chain)-1])
}

// IsSupported reports whether the state with the given hash is the supported one.
func (e *Entry) IsSupported(hash common.Hash) bool {
	chain := e.supportChain()
	return len(chain) > 0 && chain[len(chain)-1] == hash
}

// SupportChain returns the states behind the supported state, oldest
// first: a fully signed base and the mover-signed states built on it.
func (e *Entry) SupportChain() []channel.SignedState {
	hashes := e.supportChain()
	out := make([]channel.SignedState, 0, len(hashes))
	for _, h := range hashes {
		ss, _ := e.SignedState(h)
		out = append(out, ss)
	}
	return out
}

// OnSupportChain reports whether the state with the given hash is the
// supported state or one it was built on.
func (e *Entry) OnSupportChain(hash common.Hash) bool {
	for _, h := range e.supportChain() {
		if h == hash {
			return true
		}
	}
	return false
}

// FullySigned reports whether every participant has signed the state.
func (e *Entry) FullySigned(hash common.Hash) bool {
	if _, ok := e.States[hash]; !ok {
		return false
	}
	return e.fullySigned(hash)
}

// LatestSignedByMe is the highest-turn state carrying this wallet's signature.
func (e *Entry) LatestSignedByMe() (channel.SignedState, bool) {
	me := e.Me().SigningAddress
	hashes := e.sortedHashes()
	for i := len(hashes) - 1; i >= 0; i-- {
		if _, ok := e.Signatures[hashes[i]][me]; ok {
			return e.SignedState(hashes[i])
		}
	}
	return channel.SignedState{}, false
}

// SignedBy reports whether signer has signed the state with the given hash.
func (e *Entry) SignedBy(hash common.Hash, signer common.Address) bool {
	_, ok := e.Signatures[hash][signer]
	return ok
}

// sortedHashes orders known states by turn number, then by hash.
func (e *Entry) sortedHashes() []common.Hash {
	hashes := make([]common.Hash, 0, len(e.States))
	for h := range e.States {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		ti, tj := e.States[hashes[i]].TurnNum, e.States[hashes[j]].TurnNum
		if ti != tj {
			return ti < tj
		}
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return hashes
}

func (e *Entry) fullySigned(hash common.Hash) bool {
	sigs := e.Signatures[hash]
	for _, p := range e.Constants.Participants {
		if _, ok := sigs[p.SigningAddress]; !ok {
			return false
		}
	}
	return true
}

func (e *Entry) signedByMover(hash common.Hash) bool {
	mover := e.Constants.Participants[e.Constants.MoverIndex(e.States[hash].TurnNum)]
	_, ok := e.Signatures[hash][mover.SigningAddress]
	return ok
}

// supportChain returns the hashes of the chain that supports the current
// supported state: a fully signed base followed by states each one turn
// later and signed by their mover. The last element is the supported state.
func (e *Entry) supportChain() []common.Hash {
	var (
		chain    []common.Hash
		headTurn uint64
	)
	for _, h := range e.sortedHashes() {
		turn := e.States[h].TurnNum
		switch {
		case e.fullySigned(h):
			chain = []common.Hash{h}
			headTurn = turn
		case len(chain) > 0 && turn == headTurn+1 && e.signedByMover(h):
			chain = append(chain, h)
			headTurn = turn
		}
	}
	return chain
}

// merge adds the state and any new signatures. signers must already be
// verified participants. It reports whether anything was added.
func (e *Entry) merge(ss channel.SignedState, signers []common.Address, sigs []channel.Signature) bool {
	hash := ss.Hash()
	changed := false
	if _, ok := e.States[hash]; !ok {
		e.States[hash] = ss.Variables.Clone()
		e.Signatures[hash] = make(map[common.Address]channel.Signature)
		changed = true
	}
	for i, signer := range signers {
		if _, ok := e.Signatures[hash][signer]; ok {
			continue
		}
		e.Signatures[hash][signer] = append(channel.Signature(nil), sigs[i]...)
		changed = true
	}
	return changed
}

// gc discards states below the supported turn that are not on the
// supporting chain. It returns the hashes it removed.
func (e *Entry) gc() []common.Hash {
	chain := e.supportChain()
	if len(chain) == 0 {
		return nil
	}
	onChain := make(map[common.Hash]bool, len(chain))
	for _, h := range chain {
		onChain[h] = true
	}
	supportedTurn := e.States[chain[len(chain)-1]].TurnNum

	var removed []common.Hash
	for h, vars := range e.States {
		if vars.TurnNum < supportedTurn && !onChain[h] {
			removed = append(removed, h)
		}
	}
	for _, h := range removed {
		delete(e.States, h)
		delete(e.Signatures, h)
	}
	return removed
}

// clone returns a deep copy that callers may hold outside the store lock.
func (e *Entry) clone() *Entry {
	out := &Entry{
		ChannelID:         e.ChannelID,
		Constants:         e.Constants.Clone(),
		States:            make(map[common.Hash]channel.Variables, len(e.States)),
		Signatures:        make(map[common.Hash]map[common.Address]channel.Signature, len(e.Signatures)),
		MyIndex:           e.MyIndex,
		ApplicationDomain: e.ApplicationDomain,
	}
	for h, v := range e.States {
		out.States[h] = v.Clone()
	}
	for h, sigs := range e.Signatures {
		m := make(map[common.Address]channel.Signature, len(sigs))
		for a, s := range sigs {
			m[a] = append(channel.Signature(nil), s...)
		}
		out.Signatures[h] = m
	}
	if e.Funding != nil {
		f := *e.Funding
		out.Funding = &f
	}
	return out
}
