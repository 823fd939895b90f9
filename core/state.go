package core

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// UTXO is an unspent-transaction-output record, keyed by (TxHash, OutputIndex).
type UTXO struct {
	TxHash      Hash
	OutputIndex uint32
	Amount      uint64
	Owner       Address
	Spent       bool
	CreatedAt   uint64
	SpentAt     *uint64
}

func utxoKey(hash Hash, index uint32) string {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return string(hash[:]) + string(idx[:])
}

// Account is a lazily-created, never-destroyed balance-and-storage record.
// It is a contract account iff len(Code) > 0.
type Account struct {
	Address           Address
	Balance           uint64
	Nonce             uint64
	Code              []byte
	Storage           map[string][]byte
	StakeAmount       uint64
	ContributionScore uint64
	LastUpdated       uint64
}

func newAccount(addr Address) *Account {
	return &Account{Address: addr, Storage: make(map[string][]byte)}
}

// BlockMeta is the indexed record of a successfully applied block.
type BlockMeta struct {
	Height    uint64
	BlockHash Hash
	Timestamp uint64
}

// CrossShardPhase distinguishes the two local half-applies of a CrossShard
// transaction: the source shard spends inputs, the target shard
// credits outputs. Neither half performs the other's effect.
type CrossShardPhase int

const (
	CrossShardSourcePhase CrossShardPhase = iota
	CrossShardTargetPhase
)

// StateManager owns one shard's UTXO set, account table, and block index.
// All mutation goes through ApplyBlock/ApplyTransaction, both of which hold
// mu for their entire duration.
type StateManager struct {
	mu sync.RWMutex

	shardID       uint16
	utxos         map[string]*UTXO
	accounts      map[Address]*Account
	blocksByHash  map[Hash]*BlockMeta
	currentHeight uint64
	bestBlockHash Hash

	vm              ContractExecutor
	defaultGasLimit uint64
	privacyVerifier PrivacyVerifier
	log             *logrus.Logger
}

// StateManagerOption customizes a StateManager at construction.
type StateManagerOption func(*StateManager)

// WithContractExecutor wires a VM implementation into the state
// manager for ContractCall transactions.
func WithContractExecutor(vm ContractExecutor) StateManagerOption {
	return func(sm *StateManager) { sm.vm = vm }
}

// WithDefaultGasLimit sets the gas limit applied to every contract
// invocation. The transaction encoding carries no per-call gas limit, so a
// node-wide default bounds all invocations.
func WithDefaultGasLimit(limit uint64) StateManagerOption {
	return func(sm *StateManager) { sm.defaultGasLimit = limit }
}

// WithPrivacyVerifier wires a PrivacyVerifier used to check transactions
// marked Private.
func WithPrivacyVerifier(v PrivacyVerifier) StateManagerOption {
	return func(sm *StateManager) { sm.privacyVerifier = v }
}

// WithLogger overrides the logrus logger used for state-transition logging.
func WithLogger(l *logrus.Logger) StateManagerOption {
	return func(sm *StateManager) { sm.log = l }
}

// NewStateManager constructs an empty state manager for shardID.
func NewStateManager(shardID uint16, opts ...StateManagerOption) *StateManager {
	sm := &StateManager{
		shardID:         shardID,
		utxos:           make(map[string]*UTXO),
		accounts:        make(map[Address]*Account),
		blocksByHash:    make(map[Hash]*BlockMeta),
		defaultGasLimit: 10_000_000,
		log:             logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// snapshot is a cheap shadow copy of the mutable maps, taken before the
// first transaction of a block is applied. Restoring it on failure leaves
// state byte-identical to the pre-call state.
type snapshot struct {
	utxos         map[string]*UTXO
	accounts      map[Address]*Account
	currentHeight uint64
	bestBlockHash Hash
}

func (sm *StateManager) takeSnapshot() snapshot {
	utxos := make(map[string]*UTXO, len(sm.utxos))
	for k, v := range sm.utxos {
		cp := *v
		utxos[k] = &cp
	}
	accounts := make(map[Address]*Account, len(sm.accounts))
	for k, v := range sm.accounts {
		cp := *v
		cp.Storage = make(map[string][]byte, len(v.Storage))
		for sk, sv := range v.Storage {
			cp.Storage[sk] = sv
		}
		accounts[k] = &cp
	}
	return snapshot{utxos: utxos, accounts: accounts, currentHeight: sm.currentHeight, bestBlockHash: sm.bestBlockHash}
}

func (sm *StateManager) restoreSnapshot(s snapshot) {
	sm.utxos = s.utxos
	sm.accounts = s.accounts
	sm.currentHeight = s.currentHeight
	sm.bestBlockHash = s.bestBlockHash
}

// ApplyBlock validates block against predecessor, then applies every
// transaction in order. Any failure rejects the whole block with no
// observable mutation.
func (sm *StateManager) ApplyBlock(block *Block, predecessor *Block, validatorPubKey ed25519.PublicKey) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := block.CheckStructural(sm.privacyVerifier); err != nil {
		return err
	}
	if err := block.CheckAgainstPredecessor(predecessor, validatorPubKey); err != nil {
		return err
	}

	pre := sm.takeSnapshot()
	for _, tx := range block.Transactions {
		if err := sm.applyTransactionLocked(tx); err != nil {
			sm.restoreSnapshot(pre)
			sm.log.WithError(err).WithField("block", block.BlockHash.String()).Warn("block rejected")
			return err
		}
	}

	sm.blocksByHash[block.BlockHash] = &BlockMeta{
		Height:    sm.currentHeight,
		BlockHash: block.BlockHash,
		Timestamp: block.Header.Timestamp,
	}
	sm.currentHeight++
	sm.bestBlockHash = block.BlockHash
	sm.log.WithFields(logrus.Fields{"block": block.BlockHash.String(), "height": sm.currentHeight}).Debug("block applied")
	return nil
}

// ApplyTransaction applies tx against this shard's state, enforcing that
// tx.ShardID matches this shard (CrossShard transactions are exempt from
// this check) and every referenced UTXO is local and unspent. It is exported for callers (e.g. mempool simulation) that want
// to apply a single transaction outside of a block; ApplyBlock calls the
// unlocked variant internally.
func (sm *StateManager) ApplyTransaction(tx *Transaction) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.applyTransactionLocked(tx)
}

func (sm *StateManager) applyTransactionLocked(tx *Transaction) error {
	if tx.Kind != TxCrossShard && tx.ShardID != sm.shardID {
		return wrapf(ErrInvalidTransaction, "tx %s: shard_id %d does not match shard %d", tx.Hash, tx.ShardID, sm.shardID)
	}

	for _, in := range tx.Inputs {
		u, ok := sm.utxos[utxoKey(in.PrevTxHash, in.OutputIndex)]
		if !ok {
			return wrapf(ErrInvalidTransaction, "tx %s: utxo %s:%d not found", tx.Hash, in.PrevTxHash, in.OutputIndex)
		}
		if u.Spent {
			return wrapf(ErrDoubleSpend, "utxo %s:%d", in.PrevTxHash, in.OutputIndex)
		}
	}

	for _, in := range tx.Inputs {
		u := sm.utxos[utxoKey(in.PrevTxHash, in.OutputIndex)]
		u.Spent = true
		spentAt := tx.Timestamp
		u.SpentAt = &spentAt
		owner := sm.account(u.Owner)
		if owner.Balance >= u.Amount {
			owner.Balance -= u.Amount
		} else {
			owner.Balance = 0
		}
		owner.LastUpdated = tx.Timestamp
	}

	for i, out := range tx.Outputs {
		key := utxoKey(tx.Hash, uint32(i))
		sm.utxos[key] = &UTXO{
			TxHash:      tx.Hash,
			OutputIndex: uint32(i),
			Amount:      out.Amount,
			Owner:       out.Recipient,
			CreatedAt:   tx.Timestamp,
		}
		acc := sm.account(out.Recipient)
		acc.Balance += out.Amount
		acc.LastUpdated = tx.Timestamp
	}

	return sm.applyKindEffects(tx)
}

func (sm *StateManager) account(addr Address) *Account {
	acc, ok := sm.accounts[addr]
	if !ok {
		acc = newAccount(addr)
		sm.accounts[addr] = acc
	}
	return acc
}

func (sm *StateManager) applyKindEffects(tx *Transaction) error {
	switch tx.Kind {
	case TxTransfer, TxCrossShard:
		return nil

	case TxContractDeploy:
		if len(tx.Outputs) == 0 {
			return nil
		}
		acc := sm.account(tx.Outputs[0].Recipient)
		acc.Code = tx.Data
		acc.LastUpdated = tx.Timestamp
		return nil

	case TxContractCall:
		if len(tx.Outputs) == 0 {
			return wrapf(ErrInvalidTransaction, "tx %s: ContractCall requires a target output", tx.Hash)
		}
		return sm.executeContractCall(tx)

	case TxStakeDeposit:
		if len(tx.Outputs) == 0 {
			return wrapf(ErrInvalidTransaction, "tx %s: StakeDeposit requires an output", tx.Hash)
		}
		acc := sm.account(tx.Outputs[0].Recipient)
		acc.StakeAmount += tx.Outputs[0].Amount
		acc.LastUpdated = tx.Timestamp
		return nil

	case TxStakeWithdraw:
		if len(tx.Inputs) == 0 {
			return wrapf(ErrInvalidTransaction, "tx %s: StakeWithdraw requires an input", tx.Hash)
		}
		recipient := AddressZero
		if len(tx.Outputs) > 0 {
			recipient = tx.Outputs[0].Recipient
		}
		acc := sm.account(recipient)
		amt := tx.Inputs[0].Amount
		if acc.StakeAmount < amt {
			return wrapf(ErrInsufficientStake, "tx %s: have %d, want %d", tx.Hash, acc.StakeAmount, amt)
		}
		acc.StakeAmount -= amt
		acc.LastUpdated = tx.Timestamp
		return nil

	case TxContributionReport:
		if len(tx.Data) < 4 {
			return wrapf(ErrInvalidTransaction, "tx %s: contribution report payload too short", tx.Hash)
		}
		if len(tx.Outputs) == 0 {
			return wrapf(ErrInvalidTransaction, "tx %s: ContributionReport requires a target output", tx.Hash)
		}
		score := binary.LittleEndian.Uint32(tx.Data[:4])
		acc := sm.account(tx.Outputs[0].Recipient)
		acc.ContributionScore += uint64(score)
		acc.LastUpdated = tx.Timestamp
		return nil

	default:
		return wrapf(ErrInvalidTransaction, "tx %s: unknown kind %d", tx.Hash, tx.Kind)
	}
}

// executeContractCall invokes the contract VM against the target account's
// code, flushing buffered storage mutations into the account only on
// success.
func (sm *StateManager) executeContractCall(tx *Transaction) error {
	if sm.vm == nil {
		return wrapf(ErrContractExecutionFailed, "tx %s: no contract executor configured", tx.Hash)
	}
	target := tx.Outputs[0].Recipient
	acc, ok := sm.accounts[target]
	if !ok || len(acc.Code) == 0 {
		return wrapf(ErrContractExecutionFailed, "tx %s: %s has no contract code", tx.Hash, target)
	}

	caller := AddressZero
	if len(tx.Inputs) > 0 {
		if u, ok := sm.utxos[utxoKey(tx.Inputs[0].PrevTxHash, tx.Inputs[0].OutputIndex)]; ok {
			caller = u.Owner
		}
	}

	ctx := NewVMContext(target, caller, tx.outputAmount(), sm.defaultGasLimit, sm.shardID, sm.committedStorageReader(target))
	result, err := sm.vm.Execute(acc.Code, "_start", tx.Data, ctx)
	if err != nil {
		// Double-wrap so callers can match both the outer kind and the
		// inner VM kind (OutOfGas, Trap, ...) with errors.Is.
		return fmt.Errorf("%w: tx %s: %w", ErrContractExecutionFailed, tx.Hash, err)
	}
	if !result.Success {
		return wrapf(ErrContractExecutionFailed, "tx %s: %s", tx.Hash, result.Error)
	}

	for k, v := range ctx.PendingWrites {
		acc.Storage[k] = v
	}
	acc.LastUpdated = tx.Timestamp
	return nil
}

func (sm *StateManager) committedStorageReader(addr Address) StorageReader {
	return storageReaderFunc(func(key []byte) ([]byte, bool) {
		acc, ok := sm.accounts[addr]
		if !ok {
			return nil, false
		}
		v, ok := acc.Storage[string(key)]
		return v, ok
	})
}

// ApplyCrossShardHalf performs one shard's side of a CrossShard
// transaction: the source shard spends its inputs, the target shard
// credits its outputs. Each half is idempotent against a retried delivery:
// spending an already-spent input or re-crediting an already-created
// output would only happen if the caller replays a completed half, which
// ApplyCrossShardHalf detects and treats as a no-op success rather than an
// error, since the record (not this call) is the source of truth.
func (sm *StateManager) ApplyCrossShardHalf(tx *Transaction, phase CrossShardPhase) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch phase {
	case CrossShardSourcePhase:
		for _, in := range tx.Inputs {
			key := utxoKey(in.PrevTxHash, in.OutputIndex)
			u, ok := sm.utxos[key]
			if !ok {
				return wrapf(ErrInvalidTransaction, "cross-shard tx %s: utxo %s:%d not found", tx.Hash, in.PrevTxHash, in.OutputIndex)
			}
			if u.Spent {
				continue // already applied by a prior delivery: idempotent no-op
			}
			u.Spent = true
			spentAt := tx.Timestamp
			u.SpentAt = &spentAt
			owner := sm.account(u.Owner)
			if owner.Balance >= u.Amount {
				owner.Balance -= u.Amount
			} else {
				owner.Balance = 0
			}
			owner.LastUpdated = tx.Timestamp
		}
		return nil

	case CrossShardTargetPhase:
		for i, out := range tx.Outputs {
			key := utxoKey(tx.Hash, uint32(i))
			if _, exists := sm.utxos[key]; exists {
				continue // already applied by a prior delivery: idempotent no-op
			}
			sm.utxos[key] = &UTXO{
				TxHash:      tx.Hash,
				OutputIndex: uint32(i),
				Amount:      out.Amount,
				Owner:       out.Recipient,
				CreatedAt:   tx.Timestamp,
			}
			acc := sm.account(out.Recipient)
			acc.Balance += out.Amount
			acc.LastUpdated = tx.Timestamp
		}
		return nil

	default:
		return wrapf(ErrInvalidTransaction, "cross-shard tx %s: unknown phase", tx.Hash)
	}
}

// GetAccount returns a copy of the account record for addr, or a zero-value
// account if it has never been credited.
func (sm *StateManager) GetAccount(addr Address) Account {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	acc, ok := sm.accounts[addr]
	if !ok {
		return Account{Address: addr, Storage: map[string][]byte{}}
	}
	cp := *acc
	cp.Storage = make(map[string][]byte, len(acc.Storage))
	for k, v := range acc.Storage {
		cp.Storage[k] = v
	}
	return cp
}

// GetUTXO returns the UTXO at (hash, index), if any.
func (sm *StateManager) GetUTXO(hash Hash, index uint32) (UTXO, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	u, ok := sm.utxos[utxoKey(hash, index)]
	if !ok {
		return UTXO{}, false
	}
	return *u, true
}

// GetUnspentUTXOsFor returns every unspent UTXO owned by addr.
func (sm *StateManager) GetUnspentUTXOsFor(addr Address) []UTXO {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []UTXO
	for _, u := range sm.utxos {
		if !u.Spent && u.Owner == addr {
			out = append(out, *u)
		}
	}
	return out
}

// GetBlockMetadata returns the indexed metadata for a previously applied
// block.
func (sm *StateManager) GetBlockMetadata(hash Hash) (BlockMeta, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	m, ok := sm.blocksByHash[hash]
	if !ok {
		return BlockMeta{}, false
	}
	return *m, true
}

// CurrentHeight returns the number of successfully applied blocks.
func (sm *StateManager) CurrentHeight() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentHeight
}

// BestBlockHash returns the hash of the most recently applied block.
func (sm *StateManager) BestBlockHash() Hash {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.bestBlockHash
}

// Snapshot is the exported, serializable view of a shard's state, used by
// the snapshot export/import CLI subcommand.
type Snapshot struct {
	ShardID       uint16
	CurrentHeight uint64
	BestBlockHash Hash
	UTXOs         []UTXO
	Accounts      []Account
}

// ExportSnapshot captures the shard's entire state for serialization.
func (sm *StateManager) ExportSnapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	snap := Snapshot{
		ShardID:       sm.shardID,
		CurrentHeight: sm.currentHeight,
		BestBlockHash: sm.bestBlockHash,
	}
	for _, u := range sm.utxos {
		snap.UTXOs = append(snap.UTXOs, *u)
	}
	for _, a := range sm.accounts {
		cp := *a
		cp.Storage = make(map[string][]byte, len(a.Storage))
		for k, v := range a.Storage {
			cp.Storage[k] = v
		}
		snap.Accounts = append(snap.Accounts, cp)
	}
	return snap
}

// ImportSnapshot replaces the shard's state wholesale with snap. Loading a
// previously exported snapshot and re-exporting it reproduces an identical
// CurrentHeight, BestBlockHash, UTXO set, and account table.
func (sm *StateManager) ImportSnapshot(snap Snapshot) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.shardID = snap.ShardID
	sm.currentHeight = snap.CurrentHeight
	sm.bestBlockHash = snap.BestBlockHash

	sm.utxos = make(map[string]*UTXO, len(snap.UTXOs))
	for _, u := range snap.UTXOs {
		cp := u
		sm.utxos[utxoKey(u.TxHash, u.OutputIndex)] = &cp
	}

	sm.accounts = make(map[Address]*Account, len(snap.Accounts))
	for _, a := range snap.Accounts {
		cp := a
		cp.Storage = make(map[string][]byte, len(a.Storage))
		for k, v := range a.Storage {
			cp.Storage[k] = v
		}
		sm.accounts[a.Address] = &cp
	}
}
