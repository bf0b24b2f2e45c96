package channel

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer handles signing operations using a private key
type Signer struct {
	privateKey *ecdsa.PrivateKey
}

// NewSigner creates a new signer from a hex-encoded private key
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Signer{privateKey: privateKey}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: key}
}

// GenerateSigner creates a signer with a fresh secp256k1 key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{privateKey: key}, nil
}

// Address returns the address derived from the signer's public key
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.privateKey.PublicKey)
}

// HexKey returns the private key as hex without the 0x prefix.
func (s *Signer) HexKey() string {
	return strings.TrimPrefix(hexutil.Encode(crypto.FromECDSA(s.privateKey)), "0x")
}

// SignState signs the hash of the state.
func (s *Signer) SignState(state State) (Signature, error) {
	hash := state.Hash()
	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign state: %w", err)
	}
	return Signature(sig), nil
}

// RecoverSigner returns the address that produced sig over the state hash.
func RecoverSigner(state State, sig Signature) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	hash := state.Hash()
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs the keccak256 hash of data.
func (s *Signer) Sign(data []byte) (Signature, error) {
	sig, err := crypto.Sign(crypto.Keccak256(data), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}
	return Signature(sig), nil
}

// RecoverAddress returns the address that produced sig over the keccak256
// hash of data.
func RecoverAddress(data []byte, sig Signature) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(data), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
