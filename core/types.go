// Package core implements the sharded node's transaction, state, sharding,
// consensus, and contract-execution subsystems.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// AddressSize is the number of raw bytes in an Address.
const AddressSize = 20

// HashSize is the number of raw bytes in a Hash.
const HashSize = 32

// Address is a stable textual identifier derived from a public key by
// truncating its SHA-256 digest to the first AddressSize bytes.
type Address [AddressSize]byte

// AddressZero is the zero-value address, used as a sentinel for "no
// recipient" and as the caller of a contract call that has no inputs.
var AddressZero = Address{}

// String renders the address as a lowercase, 0x-prefixed hex string.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// StringToAddress parses a hex-encoded address, accepting an optional 0x
// prefix. It returns an error if the decoded length does not match
// AddressSize.
func StringToAddress(s string) (Address, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, wrapf(ErrInvalidTransaction, "decode address %q: %v", s, err)
	}
	if len(raw) != AddressSize {
		return Address{}, wrapf(ErrInvalidTransaction, "address %q has %d bytes, want %d", s, len(raw), AddressSize)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// DeriveAddress computes the address belonging to a public key: SHA-256 of
// the key, truncated to the first AddressSize bytes.
func DeriveAddress(pubKey []byte) Address {
	sum := sha256.Sum256(pubKey)
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

// Hash is a 256-bit digest, rendered as lowercase hex by its String method.
type Hash [HashSize]byte

// HashZero is the all-zero digest returned by the Merkle root of an empty
// transaction set.
var HashZero = Hash{}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero digest.
func (h Hash) IsZero() bool {
	return h == HashZero
}
