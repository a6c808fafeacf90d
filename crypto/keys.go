package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part prepended to bech32-encoded
// account identifiers.
const AddressPrefix = "nrg"

// AddressLength is the size of a raw account identifier in bytes.
const AddressLength = 20

// Address represents a 20-byte account identifier used across the settlement
// core for buyers, sellers, the administrator and the oracle.
type Address struct {
	bytes [AddressLength]byte
}

// NewAddress wraps a raw 20-byte identifier.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressLength, len(b))
	}
	var addr Address
	copy(addr.bytes[:], b)
	return addr, nil
}

// MustNewAddress wraps a raw identifier and panics on malformed input. It is
// intended for fixed, compile-time known addresses.
func MustNewAddress(b []byte) Address {
	addr, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return addr
}

// String renders the address in bech32 form ("nrg1...").
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte identifier.
func (a Address) Bytes() [AddressLength]byte { return a.bytes }

// IsZero reports whether the address is the null identity.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}

// DecodeAddress parses a bech32-encoded account identifier.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// EncodeAddress renders a raw identifier in bech32 form.
func EncodeAddress(raw [AddressLength]byte) string {
	return Address{bytes: raw}.String()
}

// --- Key management ---

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: key}, nil
}

// PrivateKeyFromBytes restores a private key from its raw byte form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: key}, nil
}

// PubKey returns the public half of the key.
func (p *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{PublicKey: &p.PublicKey}
}

// Address derives the 20-byte account identifier from the public key using the
// keccak256 of the uncompressed key, matching the usual secp256k1 convention.
func (p *PublicKey) Address() Address {
	raw := ethcrypto.PubkeyToAddress(*p.PublicKey)
	addr, _ := NewAddress(raw.Bytes())
	return addr
}

// Equal reports whether two addresses refer to the same identity.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes[:], other.bytes[:])
}
