// Package crypto signs and authenticates owner requests. Owners are Ethereum addresses
// and requests carry a personal_sign (EIP-191) signature, so any wallet can produce one.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("invalid signature")

// textHash is the EIP-191 personal message digest:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func textHash(message []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))
	return crypto.Keccak256([]byte(prefix), message)
}

// Signer manages ECDSA key pairs for signing requests
// Uses secp256k1 curve (Ethereum-compatible)
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// Format: "0x1234..." or "1234..." (64 hex chars)
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(k *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: k, address: crypto.PubkeyToAddress(k.PublicKey)}
}

// Address returns the Ethereum address derived from the public key
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the private key as hex string (WITHOUT 0x prefix)
// WARNING: Keep this secret! Never expose to users or logs
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// SignMessage signs message the way personal_sign does and returns the 65-byte
// [R || S || V] signature with V in {27, 28}.
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	sig, err := crypto.Sign(textHash(message), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignMessageHex is SignMessage with a 0x-prefixed hex result.
func (s *Signer) SignMessageHex(message []byte) (string, error) {
	sig, err := s.SignMessage(message)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// RecoverAddress returns the address that personal-signed message. V may be 0/1 or 27/28.
func RecoverAddress(message, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(textHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyOwner checks that sigHex is owner's signature over message. owner is a hex
// address, compared case-insensitively.
func VerifyOwner(owner string, message []byte, sigHex string) error {
	if !common.IsHexAddress(owner) {
		return fmt.Errorf("%w: owner %q is not an address", ErrBadSignature, owner)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	addr, err := RecoverAddress(message, sig)
	if err != nil {
		return err
	}
	if addr != common.HexToAddress(owner) {
		return fmt.Errorf("%w: signed by %s, not %s", ErrBadSignature, addr.Hex(), owner)
	}
	return nil
}

// CancelMessage is the message an owner signs to cancel orderID.
func CancelMessage(orderID string) []byte {
	return []byte("p2pex cancel " + orderID)
}

// TradeStatusMessage is the message a trade party signs to move tradeID to status.
func TradeStatusMessage(tradeID, status string) []byte {
	return []byte("p2pex trade " + tradeID + " " + status)
}

// EscrowMessage is the message signed to release or refund the hold holdID.
func EscrowMessage(action, holdID string) []byte {
	return []byte("p2pex escrow " + action + " " + holdID)
}

// ChecksumAddress returns the EIP-55 form of a hex address.
func ChecksumAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}
