package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// TxKind enumerates the transaction kinds the state manager dispatches on.
type TxKind uint8

const (
	TxTransfer TxKind = iota + 1
	TxContractDeploy
	TxContractCall
	TxCrossShard
	TxStakeDeposit
	TxStakeWithdraw
	TxContributionReport
)

func (k TxKind) String() string {
	switch k {
	case TxTransfer:
		return "Transfer"
	case TxContractDeploy:
		return "ContractDeploy"
	case TxContractCall:
		return "ContractCall"
	case TxCrossShard:
		return "CrossShard"
	case TxStakeDeposit:
		return "StakeDeposit"
	case TxStakeWithdraw:
		return "StakeWithdraw"
	case TxContributionReport:
		return "ContributionReport"
	default:
		return "Unknown"
	}
}

// requiresNonEmptyIO reports whether kind requires both inputs and outputs
// to be non-empty; stake, contribution, and contract kinds may omit either.
func (k TxKind) requiresNonEmptyIO() bool {
	return k == TxTransfer || k == TxCrossShard
}

// TransactionInput references a prior output by (tx hash, output index) and
// carries the amount it claims to spend.
type TransactionInput struct {
	PrevTxHash  Hash
	OutputIndex uint32
	Amount      uint64
}

// TransactionOutput credits amount to an address, gated by an opaque
// locking predicate (empty means "pay to address, no extra condition").
type TransactionOutput struct {
	Recipient        Address
	Amount           uint64
	LockingPredicate []byte
}

// PrivacyVerifier checks a zero-knowledge privacy proof against a
// transaction's content hash. The core does not implement a concrete
// scheme; callers wire in a real verifier or leave it nil, in which case
// any transaction marked Private fails structural validation. The gap is
// visible rather than silently accepted.
type PrivacyVerifier interface {
	Verify(txHash Hash, proof []byte) bool
}

// Transaction is immutable once constructed via NewTransaction: its content
// hash is computed exactly once and never recomputed implicitly. Signatures
// may be attached afterward via Sign, which does not alter the hash (the
// hash excludes the signature list by construction).
type Transaction struct {
	Version    uint32
	Kind       TxKind
	Inputs     []TransactionInput
	Outputs    []TransactionOutput
	Timestamp  uint64
	LockTime   uint64
	ShardID    uint16
	Data       []byte
	Hash       Hash
	Signatures [][]byte

	Private      bool
	PrivacyProof []byte
}

// NewTransaction builds a transaction and computes its content hash once.
func NewTransaction(version uint32, kind TxKind, inputs []TransactionInput, outputs []TransactionOutput, timestamp, lockTime uint64, shardID uint16, data []byte) *Transaction {
	tx := &Transaction{
		Version:   version,
		Kind:      kind,
		Inputs:    inputs,
		Outputs:   outputs,
		Timestamp: timestamp,
		LockTime:  lockTime,
		ShardID:   shardID,
		Data:      data,
	}
	tx.Hash = tx.computeHash()
	return tx
}

// NewTransactionNow is a convenience constructor using the current wall
// clock for Timestamp.
func NewTransactionNow(version uint32, kind TxKind, inputs []TransactionInput, outputs []TransactionOutput, lockTime uint64, shardID uint16, data []byte) *Transaction {
	return NewTransaction(version, kind, inputs, outputs, uint64(time.Now().Unix()), lockTime, shardID, data)
}

// canonicalBytes serializes the transaction in a fixed field order,
// excluding the hash field and signatures, so that attaching signatures
// never invalidates the content hash.
func (tx *Transaction) canonicalBytes() []byte {
	buf := make([]byte, 0, 128+len(tx.Data))
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], tx.Version)
	buf = append(buf, tmp[:4]...)

	buf = append(buf, byte(tx.Kind))

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(tx.Inputs)))
	buf = append(buf, tmp[:4]...)
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevTxHash[:]...)
		binary.BigEndian.PutUint32(tmp[:4], in.OutputIndex)
		buf = append(buf, tmp[:4]...)
		binary.BigEndian.PutUint64(tmp[:8], in.Amount)
		buf = append(buf, tmp[:8]...)
	}

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(tx.Outputs)))
	buf = append(buf, tmp[:4]...)
	for _, out := range tx.Outputs {
		buf = append(buf, out.Recipient[:]...)
		binary.BigEndian.PutUint64(tmp[:8], out.Amount)
		buf = append(buf, tmp[:8]...)
		binary.BigEndian.PutUint32(tmp[:4], uint32(len(out.LockingPredicate)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, out.LockingPredicate...)
	}

	binary.BigEndian.PutUint64(tmp[:8], tx.Timestamp)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint64(tmp[:8], tx.LockTime)
	buf = append(buf, tmp[:8]...)

	var shardBuf [2]byte
	binary.BigEndian.PutUint16(shardBuf[:], tx.ShardID)
	buf = append(buf, shardBuf[:]...)

	binary.BigEndian.PutUint32(tmp[:4], uint32(len(tx.Data)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, tx.Data...)

	return buf
}

func (tx *Transaction) computeHash() Hash {
	return sha256.Sum256(tx.canonicalBytes())
}

// RebuildHash recomputes the content hash. It exists solely for the rare
// case of a deliberate post-construction field change ahead of re-signing;
// ordinary code treats Transaction as immutable and never calls this.
func (tx *Transaction) RebuildHash() {
	tx.Signatures = nil
	tx.Hash = tx.computeHash()
}

// Sign clears any prior signatures and attaches one Ed25519 signature per
// key, in caller order, over the content hash.
func (tx *Transaction) Sign(keys ...ed25519.PrivateKey) {
	tx.Signatures = make([][]byte, 0, len(keys))
	for _, k := range keys {
		tx.Signatures = append(tx.Signatures, ed25519.Sign(k, tx.Hash[:]))
	}
}

// VerifySignature reports whether sig is a valid Ed25519 signature by
// pubKey over tx's content hash.
func (tx *Transaction) VerifySignature(pubKey ed25519.PublicKey, sig []byte) bool {
	return ed25519.Verify(pubKey, tx.Hash[:], sig)
}

func (tx *Transaction) inputAmount() uint64 {
	var sum uint64
	for _, in := range tx.Inputs {
		sum += in.Amount
	}
	return sum
}

func (tx *Transaction) outputAmount() uint64 {
	var sum uint64
	for _, out := range tx.Outputs {
		sum += out.Amount
	}
	return sum
}

// CheckStructural validates a transaction in isolation: recomputed
// hash matches, inputs/outputs are non-empty where required, the output
// total does not exceed the input total, and a privacy-marked transaction
// carries a proof that checks out against verifier.
func (tx *Transaction) CheckStructural(verifier PrivacyVerifier) error {
	if tx.computeHash() != tx.Hash {
		return wrapf(ErrInvalidTransaction, "hash mismatch for tx %s", tx.Hash)
	}
	if tx.Kind.requiresNonEmptyIO() {
		if len(tx.Inputs) == 0 {
			return wrapf(ErrInvalidTransaction, "tx %s: %s requires non-empty inputs", tx.Hash, tx.Kind)
		}
		if len(tx.Outputs) == 0 {
			return wrapf(ErrInvalidTransaction, "tx %s: %s requires non-empty outputs", tx.Hash, tx.Kind)
		}
	}
	if len(tx.Inputs) > 0 && tx.outputAmount() > tx.inputAmount() {
		return wrapf(ErrInvalidTransaction, "tx %s: outputs %d exceed inputs %d", tx.Hash, tx.outputAmount(), tx.inputAmount())
	}
	if tx.Private {
		if len(tx.PrivacyProof) == 0 {
			return wrapf(ErrInvalidTransaction, "tx %s: marked private but no proof attached", tx.Hash)
		}
		if verifier == nil || !verifier.Verify(tx.Hash, tx.PrivacyProof) {
			return wrapf(ErrInvalidTransaction, "tx %s: privacy proof failed verification", tx.Hash)
		}
	}
	return nil
}
