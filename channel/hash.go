package channel

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	uint8Type        = mustNewType("uint8")
	uint64Type       = mustNewType("uint64")
	uint256Type      = mustNewType("uint256")
	uint256SliceType = mustNewType("uint256[]")
	boolType         = mustNewType("bool")
	addressType      = mustNewType("address")
	addressSliceType = mustNewType("address[]")
	bytes32Type      = mustNewType("bytes32")
	bytes32SliceType = mustNewType("bytes32[]")
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("channel: abi type %s: %v", t, err))
	}
	return typ
}

// ChannelID hashes every constant of the channel.
func (c Constants) ChannelID() common.Hash {
	args := abi.Arguments{
		{Type: uint256Type},
		{Type: addressSliceType},
		{Type: uint256Type},
		{Type: addressType},
		{Type: uint256Type},
	}
	encoded, err := args.Pack(
		new(big.Int).SetUint64(c.ChainID),
		c.SigningAddresses(),
		new(big.Int).SetUint64(c.ChannelNonce),
		c.AppDefinition,
		new(big.Int).SetUint64(c.ChallengeDuration),
	)
	if err != nil {
		panic(fmt.Sprintf("channel: encode constants: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// Encode returns the ABI encoding of every asset outcome, concatenated.
func (o Outcome) Encode() []byte {
	args := abi.Arguments{
		{Type: uint8Type},
		{Type: addressType},
		{Type: bytes32Type},
		{Type: bytes32SliceType},
		{Type: bytes32SliceType},
		{Type: uint256SliceType},
	}

	var encoded []byte
	for _, ao := range o {
		dests := make([][32]byte, len(ao.Items))
		amounts := make([]*big.Int, len(ao.Items))
		for i, it := range ao.Items {
			dests[i] = it.Destination
			amounts[i] = amountOf(it.Amount)
		}
		guaranteed := make([][32]byte, len(ao.Destinations))
		for i, d := range ao.Destinations {
			guaranteed[i] = d
		}

		packed, err := args.Pack(ao.Type.code(), ao.AssetHolder, [32]byte(ao.TargetChannelID), guaranteed, dests, amounts)
		if err != nil {
			panic(fmt.Sprintf("channel: encode outcome: %v", err))
		}
		encoded = append(encoded, packed...)
	}
	return encoded
}

// Hash is the keccak256 of the encoded outcome.
func (o Outcome) Hash() common.Hash {
	return crypto.Keccak256Hash(o.Encode())
}

// Hash identifies a state. It commits to the channel id, and through it to
// every constant, plus all variables.
func (s State) Hash() common.Hash {
	args := abi.Arguments{
		{Type: bytes32Type},
		{Type: uint64Type},
		{Type: boolType},
		{Type: bytes32Type},
		{Type: bytes32Type},
	}
	encoded, err := args.Pack(
		[32]byte(s.ChannelID()),
		s.TurnNum,
		s.IsFinal,
		[32]byte(s.Outcome.Hash()),
		[32]byte(crypto.Keccak256Hash(s.AppData)),
	)
	if err != nil {
		panic(fmt.Sprintf("channel: encode state: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// AddressToDestination left-pads an address into a destination.
func AddressToDestination(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
