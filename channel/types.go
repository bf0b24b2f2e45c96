package channel

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Participant is a member of a channel
type Participant struct {
	ParticipantID  string         `json:"participantId"`  // routing identity
	SigningAddress common.Address `json:"signingAddress"` // key that signs states
	Destination    common.Hash    `json:"destination"`    // payout address, left-padded
}

// Constants are the immutable part of every state of a channel
type Constants struct {
	ChainID           uint64         `json:"chainId"`
	Participants      []Participant  `json:"participants"`
	ChannelNonce      uint64         `json:"channelNonce"`
	AppDefinition     common.Address `json:"appDefinition"`
	ChallengeDuration uint64         `json:"challengeDuration"`
}

// SigningAddresses returns the participants' signing keys in channel order.
func (c Constants) SigningAddresses() []common.Address {
	addrs := make([]common.Address, len(c.Participants))
	for i, p := range c.Participants {
		addrs[i] = p.SigningAddress
	}
	return addrs
}

// IndexOf returns the position of the signer in the participant list, or -1.
func (c Constants) IndexOf(signer common.Address) int {
	for i, p := range c.Participants {
		if p.SigningAddress == signer {
			return i
		}
	}
	return -1
}

// MoverIndex returns the index of the participant whose turn it is.
func (c Constants) MoverIndex(turnNum uint64) int {
	if len(c.Participants) == 0 {
		return 0
	}
	return int(turnNum % uint64(len(c.Participants)))
}

func (c Constants) Clone() Constants {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	return out
}

// Variables are the mutable part of a state
type Variables struct {
	TurnNum uint64        `json:"turnNum"`
	Outcome Outcome       `json:"outcome"`
	AppData hexutil.Bytes `json:"appData"`
	IsFinal bool          `json:"isFinal"`
}

func (v Variables) Clone() Variables {
	out := v
	out.Outcome = v.Outcome.Clone()
	out.AppData = append(hexutil.Bytes(nil), v.AppData...)
	return out
}

// State is a full channel state: constants plus variables.
type State struct {
	Constants
	Variables
}

// NewState joins constants and variables into a state.
func NewState(c Constants, v Variables) State {
	return State{Constants: c.Clone(), Variables: v.Clone()}
}

func (s State) Clone() State {
	return NewState(s.Constants, s.Variables)
}

// Signature is a 65 byte secp256k1 signature [R || S || V] over a state hash.
type Signature []byte

// MarshalText encodes the signature as 0x-prefixed hex.
func (s Signature) MarshalText() ([]byte, error) {
	return hexutil.Bytes(s).MarshalText()
}

// UnmarshalText decodes a 0x-prefixed hex signature.
func (s *Signature) UnmarshalText(input []byte) error {
	return (*hexutil.Bytes)(s).UnmarshalText(input)
}

// SignedState is a state together with the signatures collected on it.
type SignedState struct {
	State
	Signatures []Signature `json:"signatures"`
}
