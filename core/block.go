package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
)

// BlockHeader carries everything hashed into the block's identity.
type BlockHeader struct {
	Version               uint32
	PreviousHash          Hash
	MerkleRoot            Hash
	Timestamp             uint64
	ShardID               uint16
	Difficulty            uint64
	Nonce                 uint64
	Validator             Address
	ValidatorContribution uint64
}

// Block pairs a header with its transactions. BlockHash is computed once at
// construction, matching the immutability Design Note applied to
// Transaction.
type Block struct {
	Header             BlockHeader
	Transactions       []*Transaction
	BlockHash          Hash
	ValidatorSignature []byte
}

func (h BlockHeader) canonicalBytes() []byte {
	buf := make([]byte, 0, 4+32+32+8+2+8+8+AddressSize+8)
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], h.Version)
	buf = append(buf, tmp[:4]...)
	buf = append(buf, h.PreviousHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	binary.BigEndian.PutUint64(tmp[:8], h.Timestamp)
	buf = append(buf, tmp[:8]...)
	var shardBuf [2]byte
	binary.BigEndian.PutUint16(shardBuf[:], h.ShardID)
	buf = append(buf, shardBuf[:]...)
	binary.BigEndian.PutUint64(tmp[:8], h.Difficulty)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], h.Nonce)
	buf = append(buf, tmp[:8]...)
	buf = append(buf, h.Validator[:]...)
	binary.BigEndian.PutUint64(tmp[:8], h.ValidatorContribution)
	buf = append(buf, tmp[:8]...)

	return buf
}

func (h BlockHeader) computeHash() Hash {
	return sha256.Sum256(h.canonicalBytes())
}

// txHashes returns the ordered list of transaction content hashes.
func txHashes(txs []*Transaction) []Hash {
	hashes := make([]Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	return hashes
}

// NewBlock assembles a block, computing its Merkle root and block hash
// exactly once.
func NewBlock(header BlockHeader, txs []*Transaction) *Block {
	header.MerkleRoot = MerkleRoot(txHashes(txs))
	b := &Block{Header: header, Transactions: txs}
	b.BlockHash = b.Header.computeHash()
	return b
}

// RebuildHash recomputes the Merkle root and block hash after a deliberate
// post-construction field change, ahead of re-signing. See Transaction's
// RebuildHash for the same rationale.
func (b *Block) RebuildHash() {
	b.ValidatorSignature = nil
	b.Header.MerkleRoot = MerkleRoot(txHashes(b.Transactions))
	b.BlockHash = b.Header.computeHash()
}

// Sign attaches an Ed25519 signature by key over the block hash.
func (b *Block) Sign(key ed25519.PrivateKey) {
	b.ValidatorSignature = ed25519.Sign(key, b.BlockHash[:])
}

// CheckStructural validates header/body-internal consistency plus every
// contained transaction. Predecessor linkage and timestamp ordering are
// covered separately by CheckAgainstPredecessor.
func (b *Block) CheckStructural(verifier PrivacyVerifier) error {
	wantRoot := MerkleRoot(txHashes(b.Transactions))
	if wantRoot != b.Header.MerkleRoot {
		return wrapf(ErrInvalidBlock, "block %s: merkle root mismatch", b.BlockHash)
	}
	if b.Header.computeHash() != b.BlockHash {
		return wrapf(ErrInvalidBlock, "block %s: hash mismatch", b.BlockHash)
	}
	for _, tx := range b.Transactions {
		if err := tx.CheckStructural(verifier); err != nil {
			return wrapf(ErrInvalidBlock, "block %s: %v", b.BlockHash, err)
		}
	}
	return nil
}

// CheckAgainstPredecessor validates b relative to its immediate
// predecessor: previous_hash linkage, strictly increasing timestamp, and
// (if validatorPubKey is non-nil) a valid validator signature.
func (b *Block) CheckAgainstPredecessor(predecessor *Block, validatorPubKey ed25519.PublicKey) error {
	if predecessor != nil {
		if b.Header.PreviousHash != predecessor.BlockHash {
			return wrapf(ErrInvalidBlock, "block %s: previous_hash does not match predecessor", b.BlockHash)
		}
		if b.Header.Timestamp <= predecessor.Header.Timestamp {
			return wrapf(ErrInvalidBlock, "block %s: timestamp %d not strictly greater than predecessor %d", b.BlockHash, b.Header.Timestamp, predecessor.Header.Timestamp)
		}
	}
	if validatorPubKey != nil {
		if len(b.ValidatorSignature) == 0 || !ed25519.Verify(validatorPubKey, b.BlockHash[:], b.ValidatorSignature) {
			return wrapf(ErrInvalidBlock, "block %s: validator signature verification failed", b.BlockHash)
		}
	}
	return nil
}
